// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package stgunit

import (
	"github.com/gospd/gospd/scsi"
	"github.com/gospd/gospd/transact"
)

// OperationContext bundles the request, response and data buffer of one
// in-flight operation. The dispatch goroutine builds a fresh context for
// every receive cycle and hands it to the callback; it is owned by exactly
// that goroutine and must never be retained past the callback return or
// shared with another goroutine.
type OperationContext struct {
	Request    *transact.Request
	Response   *transact.Response
	DataBuffer []byte
}

// StorageUnitInterface is the capability set the owning application
// supplies. Each method executes synchronously on the dispatch goroutine
// that received the triggering request and may block, e.g. on backing
// storage I/O; the dispatcher imposes no timeout.
//
// A method reports failure by populating status with a sense condition and
// returning false. Returning true with a sense condition set is undefined
// and must not occur. The dispatcher never interprets the status, it only
// relays it.
type StorageUnitInterface interface {
	// Capabilities declares which operations the implementation
	// supports. It is consulted once during Create; CapRead is
	// mandatory.
	Capabilities() Capability

	// Read fills buf with blockCount blocks starting at blockAddress.
	// flush asks for a cache flush of the addressed range after the
	// read.
	Read(op *OperationContext, buf []byte, blockAddress uint64, blockCount uint32,
		flush bool, status *scsi.Status) bool

	// Write stores blockCount blocks from buf starting at blockAddress.
	// flush asks for the data to be durable before returning.
	Write(op *OperationContext, buf []byte, blockAddress uint64, blockCount uint32,
		flush bool, status *scsi.Status) bool

	// Flush makes blockCount blocks starting at blockAddress durable. A
	// blockCount of zero addresses the whole unit.
	Flush(op *OperationContext, blockAddress uint64, blockCount uint32,
		status *scsi.Status) bool

	// Unmap deallocates the given block ranges. Descriptors are
	// processed in order and the overall call fails on the first failing
	// descriptor; ranges already deallocated stay deallocated. An empty
	// descriptor slice is a trivial success.
	Unmap(op *OperationContext, descriptors []transact.UnmapDescriptor,
		status *scsi.Status) bool
}
