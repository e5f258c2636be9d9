// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package firsterr provides a write-once error register. The first non-nil
// error stored is retained forever, every later store is discarded no
// matter its value. Reads and writes are atomic, a reader always observes
// either nil or one fully written error.
package firsterr

import "sync/atomic"

// box keeps the stored type of the atomic pointer uniform regardless of the
// concrete error type inside.
type box struct {
	err error
}

// Register is a first-write-wins error register. The zero value is ready to
// use and holds no error. It must not be copied after first use.
type Register struct {
	p atomic.Pointer[box]
}

// Set stores err unless the register already holds an error. Storing nil is
// a no-op. It reports whether err was retained.
func (r *Register) Set(err error) bool {
	if err == nil {
		return false
	}
	return r.p.CompareAndSwap(nil, &box{err: err})
}

// Get returns the retained error or nil.
func (r *Register) Get() error {
	if b := r.p.Load(); b != nil {
		return b.err
	}
	return nil
}
