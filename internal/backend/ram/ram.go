// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package ram implements a storage unit interface backed by process
// memory. Blocks are kept in a map keyed by block address so a sparse
// device costs only what was actually written. Useful for testing the
// dispatcher and as a template for new backends.
package ram

import (
	"sync"

	"github.com/gospd/gospd/scsi"
	"github.com/gospd/gospd/stgunit"
	"github.com/gospd/gospd/transact"
)

type Disk struct {
	blockLength uint32

	mu     sync.RWMutex
	blocks map[uint64][]byte
}

func New(blockLength uint32) *Disk {
	return &Disk{
		blockLength: blockLength,
		blocks:      make(map[uint64][]byte),
	}
}

func (d *Disk) Capabilities() stgunit.Capability {
	return stgunit.CapRead | stgunit.CapWrite | stgunit.CapFlush | stgunit.CapUnmap
}

func (d *Disk) Read(op *stgunit.OperationContext, buf []byte, blockAddress uint64,
	blockCount uint32, flush bool, status *scsi.Status) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for i := uint32(0); i < blockCount; i++ {
		chunk := buf[int(i)*int(d.blockLength) : int(i+1)*int(d.blockLength)]
		if data, ok := d.blocks[blockAddress+uint64(i)]; ok {
			copy(chunk, data)
			continue
		}
		// Never written, reads as zeroes.
		for j := range chunk {
			chunk[j] = 0
		}
	}
	return true
}

func (d *Disk) Write(op *stgunit.OperationContext, buf []byte, blockAddress uint64,
	blockCount uint32, flush bool, status *scsi.Status) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := uint32(0); i < blockCount; i++ {
		data := make([]byte, d.blockLength)
		copy(data, buf[int(i)*int(d.blockLength):])
		d.blocks[blockAddress+uint64(i)] = data
	}
	return true
}

// Flush has nothing to do, memory is as durable as this backend gets.
func (d *Disk) Flush(op *stgunit.OperationContext, blockAddress uint64, blockCount uint32,
	status *scsi.Status) bool {
	return true
}

func (d *Disk) Unmap(op *stgunit.OperationContext, descriptors []transact.UnmapDescriptor,
	status *scsi.Status) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, desc := range descriptors {
		for i := uint32(0); i < desc.BlockCount; i++ {
			delete(d.blocks, desc.BlockAddress+uint64(i))
		}
	}
	return true
}
