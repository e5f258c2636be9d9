// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/gospd/gospd/transact"
)

// Buffered inbound requests per channel. Lets the reader run slightly ahead
// of the dispatch goroutines.
const inboundDepth = 64

type inbound struct {
	req  *transact.Request
	data []byte
	err  error
}

// pipeChannel is the storage unit side of a pipe endpoint. It listens on a
// Unix domain socket, serves one peer connection at a time and keeps
// listening across peer reconnects until it is closed.
type pipeChannel struct {
	ln        net.Listener
	inbound   chan inbound
	done      chan struct{}
	closeOnce sync.Once

	// Guards conn, which is replaced on peer reconnect and written to by
	// concurrent Send calls.
	mu   sync.Mutex
	conn net.Conn
}

func listenPipe(path string) (*pipeChannel, error) {
	// A stale socket from a crashed unit would make the listen fail.
	os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", path, err)
	}

	c := &pipeChannel{
		ln:      ln,
		inbound: make(chan inbound, inboundDepth),
		done:    make(chan struct{}),
	}
	go c.acceptLoop()

	return c, nil
}

func (c *pipeChannel) acceptLoop() {
	for {
		conn, err := c.ln.Accept()
		if err != nil {
			select {
			case <-c.done:
			case c.inbound <- inbound{err: fmt.Errorf("transport: accept: %w", err)}:
			}
			return
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()

		select {
		case <-c.done:
			return
		default:
		}
	}
}

// readLoop decodes request frames from one peer connection until the peer
// disconnects, the channel is closed, or the stream turns out corrupted.
// A clean peer disconnect is not a fault; the channel simply goes back to
// listening.
func (c *pipeChannel) readLoop(conn net.Conn) {
	for {
		req, data, err := readRequest(conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-c.done:
			case c.inbound <- inbound{err: fmt.Errorf("transport: receive: %w", err)}:
			}
			return
		}

		select {
		case c.inbound <- inbound{req: req, data: data}:
		case <-c.done:
			return
		}
	}
}

func (c *pipeChannel) Receive() (*transact.Request, []byte, error) {
	select {
	case in := <-c.inbound:
		return in.req, in.data, in.err
	case <-c.done:
		return nil, nil, ErrChannelClosed
	}
}

func (c *pipeChannel) Send(rsp *transact.Response, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}

	if c.conn == nil {
		return fmt.Errorf("transport: send: no peer connected")
	}
	if err := writeResponse(c.conn, rsp, data); err != nil {
		return fmt.Errorf("transport: send: %w", err)
	}
	return nil
}

func (c *pipeChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ln.Close()
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
	})
	return nil
}

// Initiator is the peer side of a pipe endpoint. It submits requests and
// awaits responses; responses may arrive in any order relative to
// submission, correlated by the request hint. Submit and Await are each
// safe for concurrent use.
type Initiator struct {
	conn net.Conn
	wmu  sync.Mutex
	rmu  sync.Mutex
}

func dialPipe(path string) (*Initiator, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", path, err)
	}
	return &Initiator{conn: conn}, nil
}

// Submit transmits one request. For write requests data holds the blocks to
// be written; for everything else it must be nil.
func (i *Initiator) Submit(req *transact.Request, data []byte) error {
	i.wmu.Lock()
	defer i.wmu.Unlock()
	return writeRequest(i.conn, req, data)
}

// Await blocks until the next response frame arrives. For successful reads
// the returned buffer holds the read data.
func (i *Initiator) Await() (*transact.Response, []byte, error) {
	i.rmu.Lock()
	defer i.rmu.Unlock()
	return readResponse(i.conn)
}

func (i *Initiator) Close() error {
	return i.conn.Close()
}
