// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package stgunit emulates a block storage unit in user space. A storage
// unit owns a transport channel towards its peer and a pool of dispatch
// goroutines which shuttle transact requests to the pluggable
// StorageUnitInterface supplied by the owning application, returning
// completion status with SCSI error semantics.
//
// The lifecycle is Create, StartDispatcher, ShutdownDispatcher,
// WaitDispatcher, Delete. Shutdown is cooperative: it closes the channel so
// every goroutine blocked in receive unblocks, while a callback already in
// progress always runs to completion.
package stgunit
