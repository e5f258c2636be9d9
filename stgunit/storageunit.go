// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package stgunit

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/gospd/gospd/firsterr"
	"github.com/gospd/gospd/transport"
)

// Interface version reported by StorageUnit.Version.
const apiVersion uint16 = 1

// Debug log mask bits for the diagnostic side channel.
const (
	DebugLogRequests uint32 = 1 << iota
	DebugLogResponses
)

var (
	// ErrDispatcherStarted is returned by StartDispatcher when the
	// dispatcher has already been started once.
	ErrDispatcherStarted = errors.New("stgunit: dispatcher already started")

	// ErrDispatcherActive is returned by Delete while the dispatcher has
	// not fully stopped.
	ErrDispatcherActive = errors.New("stgunit: dispatcher still active")
)

type unitState int

const (
	stateCreated unitState = iota
	stateRunning
	stateShuttingDown
	stateStopped
	stateDeleted
)

// StorageUnit is the long-lived handle representing one emulated block
// device. It is owned exclusively by the caller that created it and must
// only be deleted after its dispatcher has fully stopped.
type StorageUnit struct {
	// UserContext is an opaque value for the owning application. The
	// unit never touches it.
	UserContext any

	endpoint string
	params   StorageUnitParams
	iface    StorageUnitInterface
	caps     Capability
	btl      uint32

	mu          sync.Mutex
	state       unitState
	channel     transport.Channel
	threadCount int
	workers     sync.WaitGroup

	dispatcherError firsterr.Register

	log      atomic.Pointer[zerolog.Logger]
	debugLog uint32 // atomic
}

// Create validates the parameters, negotiates the capability set and
// returns a storage unit in the created state. The transport endpoint is
// not opened until StartDispatcher.
func Create(endpoint string, params StorageUnitParams, iface StorageUnitInterface) (*StorageUnit, error) {
	if iface == nil {
		return nil, errors.New("stgunit: nil storage unit interface")
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	if params.MaxTransferLength == 0 {
		params.MaxTransferLength = defaultMaxTransferLength
	}

	caps, err := negotiate(iface.Capabilities(), &params)
	if err != nil {
		return nil, err
	}

	u := &StorageUnit{
		endpoint: endpoint,
		params:   params,
		iface:    iface,
		caps:     caps,
	}
	nop := zerolog.Nop()
	u.log.Store(&nop)
	return u, nil
}

// Version returns the storage unit interface version tag.
func (u *StorageUnit) Version() uint16 {
	return apiVersion
}

// Params returns the immutable unit parameters.
func (u *StorageUnit) Params() StorageUnitParams {
	return u.params
}

// Capabilities returns the capability set negotiated during Create.
func (u *StorageUnit) Capabilities() Capability {
	return u.caps
}

// Btl returns the bus/target/LUN style identifier of the unit.
func (u *StorageUnit) Btl() uint32 {
	return u.btl
}

// DispatcherError returns the first fatal transport error recorded by any
// dispatch goroutine, or nil. The read is atomic.
func (u *StorageUnit) DispatcherError() error {
	return u.dispatcherError.Get()
}

// SetDispatcherError records err into the shared register. The first
// non-nil error wins; later calls are discarded regardless of value.
func (u *StorageUnit) SetDispatcherError(err error) {
	u.dispatcherError.Set(err)
}

// SetLogger replaces the diagnostic logger of the unit. By default the
// unit does not log at all. The swap is atomic, so the logger may be
// replaced while the dispatcher is running.
func (u *StorageUnit) SetLogger(log zerolog.Logger) {
	u.log.Store(&log)
}

func (u *StorageUnit) logger() *zerolog.Logger {
	return u.log.Load()
}

// SetDebugLog sets the debug log mask gating request and response tracing.
func (u *StorageUnit) SetDebugLog(mask uint32) {
	atomic.StoreUint32(&u.debugLog, mask)
}

// Delete releases the resources of the unit. The dispatcher must be
// stopped, or never have been started.
func (u *StorageUnit) Delete() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch u.state {
	case stateCreated, stateStopped:
	case stateDeleted:
		return nil
	default:
		return ErrDispatcherActive
	}

	if u.channel != nil {
		u.channel.Close()
		u.channel = nil
	}
	u.state = stateDeleted
	return nil
}
