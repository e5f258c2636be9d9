// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package transact defines the request and response envelopes exchanged
// between a storage unit and its peer. Envelopes are transient, their
// lifetime is a single dispatch cycle. How they are laid out on the wire is
// the business of the transport package.
package transact

import "github.com/gospd/gospd/scsi"

// Kind is the operation carried by a request.
type Kind uint8

const (
	KindRead Kind = iota + 1
	KindWrite
	KindFlush
	KindUnmap
)

func (k Kind) String() string {
	switch k {
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	case KindFlush:
		return "flush"
	case KindUnmap:
		return "unmap"
	}
	return "unknown"
}

// UnmapDescriptor names one contiguous block range to be deallocated.
type UnmapDescriptor struct {
	BlockAddress uint64
	BlockCount   uint32
}

// Request is one inbound operation descriptor. Hint is an opaque value
// chosen by the peer to correlate the response; the storage unit echoes it
// back untouched. Descriptors is populated only for unmap requests, in
// which case the transport fills BlockCount with the descriptor count;
// senders only provide the slice.
type Request struct {
	Hint            uint64
	Kind            Kind
	BlockAddress    uint64
	BlockCount      uint32
	ForceUnitAccess bool
	Descriptors     []UnmapDescriptor
}

// Response is the outcome of a Request. A zero Status means the operation
// succeeded.
type Response struct {
	Hint   uint64
	Kind   Kind
	Status scsi.Status
}
