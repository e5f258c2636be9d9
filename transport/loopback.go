// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package transport

import (
	"sync"

	"github.com/gospd/gospd/transact"
)

// Completion pairs a response with its data buffer on the peer side of a
// loopback channel.
type Completion struct {
	Response *transact.Response
	Data     []byte
}

// Loopback is an in-memory Channel with the peer side driven directly from
// the same process. It exists for tests and for harnesses that want to
// exercise a storage unit without any endpoint, but behaves exactly like a
// real channel: Receive blocks, Close unblocks it, and a finished peer
// reads as "no more work".
type Loopback struct {
	requests   chan inbound
	responses  chan Completion
	done       chan struct{}
	closeOnce  sync.Once
	finishOnce sync.Once
}

// NewLoopback returns a loopback channel whose request and response queues
// hold up to depth entries each. The peer must size depth so that it never
// outruns its own response draining.
func NewLoopback(depth int) *Loopback {
	return &Loopback{
		requests:  make(chan inbound, depth),
		responses: make(chan Completion, depth),
		done:      make(chan struct{}),
	}
}

// Inject queues one request on the peer side. For write requests data holds
// the blocks to be written. Inject must not be called after Finish.
func (l *Loopback) Inject(req *transact.Request, data []byte) error {
	select {
	case l.requests <- inbound{req: req, data: data}:
		return nil
	case <-l.done:
		return ErrChannelClosed
	}
}

// InjectError queues a transport fault. Exactly one Receive call will
// return err; requests queued after it are still delivered.
func (l *Loopback) InjectError(err error) error {
	select {
	case l.requests <- inbound{err: err}:
		return nil
	case <-l.done:
		return ErrChannelClosed
	}
}

// Finish marks the peer side done. Once the queue drains, every Receive
// returns ErrChannelClosed.
func (l *Loopback) Finish() {
	l.finishOnce.Do(func() {
		close(l.requests)
	})
}

// Responses exposes the peer side completion queue.
func (l *Loopback) Responses() <-chan Completion {
	return l.responses
}

func (l *Loopback) Receive() (*transact.Request, []byte, error) {
	select {
	case in, ok := <-l.requests:
		if !ok {
			return nil, nil, ErrChannelClosed
		}
		return in.req, in.data, in.err
	case <-l.done:
		return nil, nil, ErrChannelClosed
	}
}

func (l *Loopback) Send(rsp *transact.Response, data []byte) error {
	select {
	case l.responses <- Completion{Response: rsp, Data: data}:
		return nil
	case <-l.done:
		return ErrChannelClosed
	}
}

func (l *Loopback) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	return nil
}
