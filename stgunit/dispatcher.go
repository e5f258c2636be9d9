// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package stgunit

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/gospd/gospd/scsi"
	"github.com/gospd/gospd/transact"
	"github.com/gospd/gospd/transport"
)

// StartDispatcher opens the transport channel and spawns threadCount
// dispatch goroutines, each running a blocking receive/dispatch/send loop.
// A threadCount of zero selects a default based on available concurrency.
func (u *StorageUnit) StartDispatcher(threadCount int) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state != stateCreated {
		return ErrDispatcherStarted
	}
	if threadCount <= 0 {
		threadCount = defaultThreadCount()
	}

	if u.channel == nil {
		ch, err := transport.Open(u.endpoint)
		if err != nil {
			return fmt.Errorf("stgunit: open transport: %w", err)
		}
		u.channel = ch
	}

	u.threadCount = threadCount
	u.workers.Add(threadCount)
	for i := 0; i < threadCount; i++ {
		go u.dispatchLoop(i)
	}
	u.state = stateRunning

	u.logger().Info().Int("threads", threadCount).Str("endpoint", u.endpoint).
		Msg("dispatcher started")
	return nil
}

// ShutdownDispatcher transitions the unit into shutdown and closes the
// transport channel, which unblocks every goroutine waiting in receive.
// Idempotent. A callback already in progress runs to completion; its
// goroutine notices the shutdown at the next blocking transport call.
func (u *StorageUnit) ShutdownDispatcher() {
	u.mu.Lock()
	var ch transport.Channel
	switch u.state {
	case stateRunning:
		u.state = stateShuttingDown
		ch = u.channel
	case stateCreated:
		u.state = stateStopped
	}
	u.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
}

// WaitDispatcher blocks until every dispatch goroutine has exited, then
// transitions the unit to stopped. It may be called before shutdown, in
// which case it waits for a natural exit such as the peer finishing.
func (u *StorageUnit) WaitDispatcher() {
	u.workers.Wait()

	u.mu.Lock()
	if u.state == stateRunning || u.state == stateShuttingDown {
		u.state = stateStopped
	}
	u.mu.Unlock()

	u.logger().Info().Msg("dispatcher stopped")
}

func defaultThreadCount() int {
	n := runtime.NumCPU()
	if n < 2 {
		n = 2
	}
	return n
}

// dispatchLoop is the body of one dispatch goroutine: receive a request,
// build a fresh operation context, invoke the interface, send the
// response, repeat. A clean channel closure ends the loop silently; a
// transport fault is committed to the shared error register and terminates
// only this goroutine, the rest of the pool keeps serving.
func (u *StorageUnit) dispatchLoop(worker int) {
	defer u.workers.Done()

	for {
		req, data, err := u.channel.Receive()
		if err != nil {
			if !errors.Is(err, transport.ErrChannelClosed) {
				u.SetDispatcherError(err)
				u.logger().Error().Err(err).Int("worker", worker).
					Msg("receive failed, dispatch goroutine exiting")
			}
			return
		}

		rsp, rspData := u.serveRequest(req, data)

		if err := u.channel.Send(rsp, rspData); err != nil {
			if !errors.Is(err, transport.ErrChannelClosed) {
				u.SetDispatcherError(err)
				u.logger().Error().Err(err).Int("worker", worker).
					Msg("send failed, dispatch goroutine exiting")
			}
			return
		}
	}
}

// serveRequest translates one request into an interface invocation and the
// response to transmit. All per-call state lives in the operation context
// constructed here and owned by the calling goroutine.
func (u *StorageUnit) serveRequest(req *transact.Request, data []byte) (*transact.Response, []byte) {
	op := &OperationContext{
		Request:  req,
		Response: &transact.Response{Hint: req.Hint, Kind: req.Kind},
	}
	status := &op.Response.Status
	u.logRequest(req)

	var rspData []byte

	switch req.Kind {
	case transact.KindRead:
		if u.checkTransfer(req, status) {
			op.DataBuffer = make([]byte, int(req.BlockCount)*int(u.params.BlockLength))
			if u.iface.Read(op, op.DataBuffer, req.BlockAddress, req.BlockCount,
				req.ForceUnitAccess, status) {
				rspData = op.DataBuffer
			}
		}

	case transact.KindWrite:
		if !u.caps.Has(CapWrite) {
			u.denyDataOut(status)
		} else if u.checkTransfer(req, status) {
			if len(data) != int(req.BlockCount)*int(u.params.BlockLength) {
				status.SetSense(scsi.SenseIllegalRequest, scsi.AscInvalidFieldInCdb)
			} else {
				op.DataBuffer = data
				u.iface.Write(op, op.DataBuffer, req.BlockAddress, req.BlockCount,
					req.ForceUnitAccess, status)
			}
		}

	case transact.KindFlush:
		// Without the flush capability nothing is cached and the
		// request succeeds without touching the backend.
		if u.caps.Has(CapFlush) && u.checkBounds(req.BlockAddress, req.BlockCount, status) {
			u.iface.Flush(op, req.BlockAddress, req.BlockCount, status)
		}

	case transact.KindUnmap:
		if !u.caps.Has(CapUnmap) {
			u.denyDataOut(status)
		} else if u.checkDescriptors(req.Descriptors, status) {
			if len(req.Descriptors) > 0 {
				u.iface.Unmap(op, req.Descriptors, status)
			}
		}

	default:
		status.SetSense(scsi.SenseIllegalRequest, scsi.AscInvalidCommandOperationCode)
	}

	u.logResponse(op.Response)
	return op.Response, rspData
}

// checkBounds verifies that the addressed range lies within the unit. On
// failure the offending block address travels in the information field.
func (u *StorageUnit) checkBounds(blockAddress uint64, blockCount uint32, status *scsi.Status) bool {
	if blockAddress > u.params.BlockCount ||
		uint64(blockCount) > u.params.BlockCount-blockAddress {
		status.SetSenseWithInformation(scsi.SenseIllegalRequest, scsi.AscLbaOutOfRange,
			blockAddress)
		return false
	}
	return true
}

func (u *StorageUnit) checkTransfer(req *transact.Request, status *scsi.Status) bool {
	if !u.checkBounds(req.BlockAddress, req.BlockCount, status) {
		return false
	}
	if uint64(req.BlockCount)*uint64(u.params.BlockLength) > uint64(u.params.MaxTransferLength) {
		status.SetSense(scsi.SenseIllegalRequest, scsi.AscInvalidFieldInCdb)
		return false
	}
	return true
}

func (u *StorageUnit) checkDescriptors(descriptors []transact.UnmapDescriptor, status *scsi.Status) bool {
	for _, d := range descriptors {
		if !u.checkBounds(d.BlockAddress, d.BlockCount, status) {
			return false
		}
	}
	return true
}

// denyDataOut produces the sense condition for a data-modifying request
// outside the negotiated capability set.
func (u *StorageUnit) denyDataOut(status *scsi.Status) {
	if u.params.WriteProtected {
		status.SetSense(scsi.SenseDataProtect, scsi.AscWriteProtected)
		return
	}
	status.SetSense(scsi.SenseIllegalRequest, scsi.AscInvalidCommandOperationCode)
}

func (u *StorageUnit) logRequest(req *transact.Request) {
	if atomic.LoadUint32(&u.debugLog)&DebugLogRequests == 0 {
		return
	}
	u.logger().Debug().
		Uint64("hint", req.Hint).
		Stringer("kind", req.Kind).
		Uint64("block_address", req.BlockAddress).
		Uint32("block_count", req.BlockCount).
		Bool("fua", req.ForceUnitAccess).
		Msg("request")
}

func (u *StorageUnit) logResponse(rsp *transact.Response) {
	if atomic.LoadUint32(&u.debugLog)&DebugLogResponses == 0 {
		return
	}
	u.logger().Debug().
		Uint64("hint", rsp.Hint).
		Stringer("kind", rsp.Kind).
		Uint8("scsi_status", rsp.Status.ScsiStatus).
		Uint8("sense_key", rsp.Status.SenseKey).
		Uint8("asc", rsp.Status.Asc).
		Msg("response")
}
