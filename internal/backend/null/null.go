// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Null package does nothing but correctly.
package null

import (
	"github.com/gospd/gospd/scsi"
	"github.com/gospd/gospd/stgunit"
	"github.com/gospd/gospd/transact"
)

// Null implementation of the storage unit interface. Every operation
// succeeds immediately and reads return whatever the buffer already holds.
// Useful for measuring the raw performance of the dispatcher and the
// transport without any backend in the way. It can also serve as a
// template for new backend implementations.
type Device struct {
}

func New() *Device {
	return &Device{}
}

func (n *Device) Capabilities() stgunit.Capability {
	return stgunit.CapRead | stgunit.CapWrite | stgunit.CapFlush | stgunit.CapUnmap
}

func (n *Device) Read(op *stgunit.OperationContext, buf []byte, blockAddress uint64,
	blockCount uint32, flush bool, status *scsi.Status) bool {
	return true
}

func (n *Device) Write(op *stgunit.OperationContext, buf []byte, blockAddress uint64,
	blockCount uint32, flush bool, status *scsi.Status) bool {
	return true
}

func (n *Device) Flush(op *stgunit.OperationContext, blockAddress uint64, blockCount uint32,
	status *scsi.Status) bool {
	return true
}

func (n *Device) Unmap(op *stgunit.OperationContext, descriptors []transact.UnmapDescriptor,
	status *scsi.Status) bool {
	return true
}
