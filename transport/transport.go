// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package transport carries opaque transact envelopes between a storage
// unit and its peer. The storage unit side obtains a Channel with Open and
// blocks in Receive; the peer side obtains an Initiator with Dial. The
// package knows nothing about block semantics, it only moves envelopes.
//
// Endpoints follow the pipe naming convention of the original storage port
// driver: an endpoint of the form \\.\pipe\Name is mapped onto a Unix
// domain socket derived from Name, a plain path is used as a socket path
// directly, and the empty endpoint selects the default socket path.
package transport

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gospd/gospd/transact"
)

// DefaultEndpoint is used when Open or Dial get an empty endpoint.
const DefaultEndpoint = "/tmp/gospd.sock"

const pipePrefix = `\\.\pipe\`

// ErrChannelClosed is returned by Receive and Send once the channel has
// been closed, either locally or because the peer finished cleanly. It
// means "no more work" and is distinct from a transport fault.
var ErrChannelClosed = errors.New("transport: channel closed")

// Channel is the storage unit side of a transport endpoint.
//
// Receive blocks the calling goroutine until a request arrives, the
// channel is closed, or a transport error occurs. It is safe to call from
// multiple goroutines concurrently; each request is delivered to exactly
// one of them. A concurrent Close unblocks every pending Receive with
// ErrChannelClosed. For write requests the returned buffer holds the data
// to be written.
//
// Send transmits a response together with its data buffer (read data on a
// successful read, nil otherwise). Transport errors are reported to the
// caller and never retried internally.
type Channel interface {
	Receive() (*transact.Request, []byte, error)
	Send(rsp *transact.Response, data []byte) error
	Close() error
}

// Open resolves endpoint and returns a listening pipe channel for it. The
// channel accepts one peer at a time; when a peer disconnects the channel
// keeps listening for the next one until it is closed.
func Open(endpoint string) (Channel, error) {
	path, err := resolveEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	return listenPipe(path)
}

// Dial resolves endpoint and connects to the storage unit listening there.
func Dial(endpoint string) (*Initiator, error) {
	path, err := resolveEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	return dialPipe(path)
}

// Map an endpoint name onto a socket path. Pipe style names lose their
// prefix and land in the temporary directory so that unprivileged units
// can create them.
func resolveEndpoint(endpoint string) (string, error) {
	if endpoint == "" {
		return DefaultEndpoint, nil
	}
	if strings.HasPrefix(endpoint, pipePrefix) {
		name := endpoint[len(pipePrefix):]
		if name == "" || strings.ContainsAny(name, `/\`) {
			return "", fmt.Errorf("transport: invalid pipe name %q", endpoint)
		}
		return filepath.Join(os.TempDir(), "gospd-"+name+".sock"), nil
	}
	return endpoint, nil
}
