// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package scsi holds the small subset of SCSI constants the storage unit
// needs to report operation outcomes to its peer: status codes, sense keys
// and additional sense codes. Values are taken from the SAM and SPC
// specifications; the sense code list is at www.t10.org/lists/asc-num.txt.
package scsi

// Status codes as defined by the SCSI Architecture Model.
const (
	StatusGood                = 0x00
	StatusCheckCondition      = 0x02
	StatusConditionMet        = 0x04
	StatusBusy                = 0x08
	StatusReservationConflict = 0x18
	StatusTaskSetFull         = 0x28
	StatusTaskAborted         = 0x40
)

// Sense keys.
const (
	SenseNoSense        = 0x00
	SenseRecoveredError = 0x01
	SenseNotReady       = 0x02
	SenseMediumError    = 0x03
	SenseHardwareError  = 0x04
	SenseIllegalRequest = 0x05
	SenseUnitAttention  = 0x06
	SenseDataProtect    = 0x07
	SenseBlankCheck     = 0x08
	SenseCopyAborted    = 0x0a
	SenseAbortedCommand = 0x0b
	SenseVolumeOverflow = 0x0d
	SenseMiscompare     = 0x0e
)

// Additional sense codes.
const (
	AscNoAdditionalSense           = 0x00
	AscWriteError                  = 0x0c
	AscUnrecoveredReadError        = 0x11
	AscInvalidCommandOperationCode = 0x20
	AscLbaOutOfRange               = 0x21
	AscInvalidFieldInCdb           = 0x24
	AscWriteProtected              = 0x27
	AscInternalTargetFailure       = 0x44
)
