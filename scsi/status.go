// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package scsi

// Status is the structured outcome of one storage unit operation. A zero
// Status means success. On failure the callback fills in a sense condition
// via SetSense or SetSenseWithInformation and the dispatcher relays it to
// the peer verbatim, it never interprets the content.
//
// Information carries an operation specific 64-bit value, typically the
// offending logical block address. It is meaningful only when
// InformationValid is set.
type Status struct {
	ScsiStatus       uint8
	SenseKey         uint8
	Asc              uint8
	Information      uint64
	InformationValid bool
}

// IsGood reports whether the status describes a successful operation.
func (s *Status) IsGood() bool {
	return s.ScsiStatus == StatusGood
}

// SetSense records a sense condition. Setting any sense condition forces
// ScsiStatus to CHECK CONDITION. The information field is left untouched.
func (s *Status) SetSense(senseKey, asc uint8) {
	s.ScsiStatus = StatusCheckCondition
	s.SenseKey = senseKey
	s.Asc = asc
}

// SetSenseWithInformation records a sense condition together with an
// information value and marks the information field valid.
func (s *Status) SetSenseWithInformation(senseKey, asc uint8, information uint64) {
	s.SetSense(senseKey, asc)
	s.Information = information
	s.InformationValid = true
}
