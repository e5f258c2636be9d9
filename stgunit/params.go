// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package stgunit

import (
	"fmt"
	"math/bits"
)

const (
	// SCSI INQUIRY field widths limit the identity strings.
	maxProductIDLen       = 16
	maxProductRevisionLen = 4

	// Applied when MaxTransferLength is left zero.
	defaultMaxTransferLength = 1 << 20
)

// StorageUnitParams are the immutable parameters of a storage unit. They
// are validated once by Create and shared read-only by all dispatch
// goroutines afterwards.
type StorageUnitParams struct {
	// Geometry. BlockLength must be a power of two, typically 512 or
	// 4096.
	BlockCount  uint64
	BlockLength uint32

	// Device identity as reported to the peer.
	Guid            string
	ProductID       string
	ProductRevision string

	// Feature flags. WriteProtected removes the write and unmap
	// capabilities during negotiation; CacheSupported gates flush;
	// UnmapSupported gates unmap.
	WriteProtected bool
	CacheSupported bool
	UnmapSupported bool

	// Largest data transfer accepted for a single request, in bytes.
	// Zero selects a default.
	MaxTransferLength uint32
}

func (p *StorageUnitParams) validate() error {
	if p.BlockLength == 0 || bits.OnesCount32(p.BlockLength) != 1 {
		return fmt.Errorf("stgunit: block length %d is not a nonzero power of two", p.BlockLength)
	}
	if p.BlockCount == 0 {
		return fmt.Errorf("stgunit: block count must be nonzero")
	}
	if len(p.ProductID) > maxProductIDLen {
		return fmt.Errorf("stgunit: product id longer than %d characters", maxProductIDLen)
	}
	if len(p.ProductRevision) > maxProductRevisionLen {
		return fmt.Errorf("stgunit: product revision longer than %d characters", maxProductRevisionLen)
	}
	if p.MaxTransferLength%p.BlockLength != 0 {
		return fmt.Errorf("stgunit: max transfer length %d is not a multiple of the block length",
			p.MaxTransferLength)
	}
	return nil
}

// Capability is the negotiated set of operations a storage unit answers.
type Capability uint32

const (
	CapRead Capability = 1 << iota
	CapWrite
	CapFlush
	CapUnmap
)

// Has reports whether all capabilities in want are present.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

// negotiate intersects the capabilities declared by the interface with
// what the unit parameters permit. This replaces any notion of a fixed
// operation table: the dispatcher consults the result before invoking the
// interface and answers everything outside it with a sense condition.
func negotiate(declared Capability, p *StorageUnitParams) (Capability, error) {
	if !declared.Has(CapRead) {
		return 0, fmt.Errorf("stgunit: interface does not declare the read capability")
	}

	caps := declared
	if p.WriteProtected {
		caps &^= CapWrite | CapUnmap
	}
	if !p.CacheSupported {
		caps &^= CapFlush
	}
	if !p.UnmapSupported {
		caps &^= CapUnmap
	}
	return caps, nil
}
