// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package file implements a storage unit interface backed by a regular
// file or a raw device. With the direct option the backing file is opened
// with O_DIRECT and all transfers go through aligned bounce buffers,
// bypassing the page cache.
package file

import (
	"fmt"
	"os"

	"github.com/ncw/directio"

	"github.com/gospd/gospd/scsi"
	"github.com/gospd/gospd/stgunit"
	"github.com/gospd/gospd/transact"
)

type Options struct {
	Path        string
	BlockCount  uint64
	BlockLength uint32

	// Open with O_DIRECT. The block length must then be a multiple of
	// the directio block size.
	Direct bool
}

type Disk struct {
	f           *os.File
	blockLength uint32
	direct      bool
}

func New(o Options) (*Disk, error) {
	var f *os.File
	var err error

	if o.Direct {
		if o.BlockLength%directio.BlockSize != 0 {
			return nil, fmt.Errorf("file: block length %d not usable with direct I/O", o.BlockLength)
		}
		f, err = directio.OpenFile(o.Path, os.O_RDWR|os.O_CREATE, 0644)
	} else {
		f, err = os.OpenFile(o.Path, os.O_RDWR|os.O_CREATE, 0644)
	}
	if err != nil {
		return nil, fmt.Errorf("file: open %s: %w", o.Path, err)
	}

	// Grow the backing file to the full device size so that reads past
	// the written region do not fail. The file stays sparse where
	// supported.
	size := int64(o.BlockCount) * int64(o.BlockLength)
	if info, err := f.Stat(); err == nil && info.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("file: grow %s to %d bytes: %w", o.Path, size, err)
		}
	}

	return &Disk{f: f, blockLength: o.BlockLength, direct: o.Direct}, nil
}

func (d *Disk) Close() error {
	return d.f.Close()
}

func (d *Disk) Capabilities() stgunit.Capability {
	return stgunit.CapRead | stgunit.CapWrite | stgunit.CapFlush | stgunit.CapUnmap
}

func (d *Disk) Read(op *stgunit.OperationContext, buf []byte, blockAddress uint64,
	blockCount uint32, flush bool, status *scsi.Status) bool {
	offset := int64(blockAddress) * int64(d.blockLength)

	if d.direct {
		aligned := directio.AlignedBlock(len(buf))
		if _, err := d.f.ReadAt(aligned, offset); err != nil {
			status.SetSenseWithInformation(scsi.SenseMediumError,
				scsi.AscUnrecoveredReadError, blockAddress)
			return false
		}
		copy(buf, aligned)
		return true
	}

	if _, err := d.f.ReadAt(buf, offset); err != nil {
		status.SetSenseWithInformation(scsi.SenseMediumError,
			scsi.AscUnrecoveredReadError, blockAddress)
		return false
	}
	return true
}

func (d *Disk) Write(op *stgunit.OperationContext, buf []byte, blockAddress uint64,
	blockCount uint32, flush bool, status *scsi.Status) bool {
	offset := int64(blockAddress) * int64(d.blockLength)

	data := buf
	if d.direct && !directio.IsAligned(buf) {
		data = directio.AlignedBlock(len(buf))
		copy(data, buf)
	}
	if _, err := d.f.WriteAt(data, offset); err != nil {
		status.SetSenseWithInformation(scsi.SenseMediumError, scsi.AscWriteError, blockAddress)
		return false
	}

	if flush {
		if err := d.f.Sync(); err != nil {
			status.SetSenseWithInformation(scsi.SenseMediumError, scsi.AscWriteError, blockAddress)
			return false
		}
	}
	return true
}

func (d *Disk) Flush(op *stgunit.OperationContext, blockAddress uint64, blockCount uint32,
	status *scsi.Status) bool {
	if err := d.f.Sync(); err != nil {
		status.SetSense(scsi.SenseMediumError, scsi.AscWriteError)
		return false
	}
	return true
}

// Unmap zeroes out the deallocated ranges. That keeps the semantics of
// "reads as zeroes afterwards" without reaching for filesystem specific
// hole punching.
func (d *Disk) Unmap(op *stgunit.OperationContext, descriptors []transact.UnmapDescriptor,
	status *scsi.Status) bool {
	for _, desc := range descriptors {
		length := int(desc.BlockCount) * int(d.blockLength)
		var zeroes []byte
		if d.direct {
			zeroes = directio.AlignedBlock(length)
		} else {
			zeroes = make([]byte, length)
		}
		offset := int64(desc.BlockAddress) * int64(d.blockLength)
		if _, err := d.f.WriteAt(zeroes, offset); err != nil {
			status.SetSenseWithInformation(scsi.SenseMediumError, scsi.AscWriteError,
				desc.BlockAddress)
			return false
		}
	}
	return true
}
