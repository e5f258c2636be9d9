// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/gospd/gospd/transact"
)

// Wire framing for transact envelopes. Everything is little-endian. Both
// frame types use a fixed 32 byte header followed by a variable payload:
// write data or unmap descriptors for requests, read data for responses.
// The layout is internal to this package; the dispatcher treats the
// channel as an opaque envelope carrier.
const (
	requestMagic  = 0x71647073 // "spdq"
	responseMagic = 0x72647073 // "spdr"

	headerSize     = 32
	descriptorSize = 16

	// Upper bound on a single frame payload. Anything bigger than this
	// is a corrupted stream, not a real request.
	maxPayload = 64 << 20

	flagForceUnitAccess = 1 << 0
)

func writeRequest(w io.Writer, req *transact.Request, data []byte) error {
	var hdr [headerSize]byte

	payload := data
	blockCount := req.BlockCount
	if req.Kind == transact.KindUnmap {
		payload = encodeDescriptors(req.Descriptors)
		// On the wire the block count field of an unmap frame carries the
		// descriptor count; derive it so callers cannot get it wrong.
		blockCount = uint32(len(req.Descriptors))
	}
	if len(payload) > maxPayload {
		return fmt.Errorf("transport: request payload %d exceeds limit", len(payload))
	}

	var flags byte
	if req.ForceUnitAccess {
		flags |= flagForceUnitAccess
	}

	binary.LittleEndian.PutUint32(hdr[0:], requestMagic)
	hdr[4] = byte(req.Kind)
	hdr[5] = flags
	binary.LittleEndian.PutUint64(hdr[8:], req.Hint)
	binary.LittleEndian.PutUint64(hdr[16:], req.BlockAddress)
	binary.LittleEndian.PutUint32(hdr[24:], blockCount)
	binary.LittleEndian.PutUint32(hdr[28:], uint32(len(payload)))

	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

func readRequest(r io.Reader) (*transact.Request, []byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, nil, err
	}
	if binary.LittleEndian.Uint32(hdr[0:]) != requestMagic {
		return nil, nil, fmt.Errorf("transport: bad request magic")
	}

	req := &transact.Request{
		Kind:            transact.Kind(hdr[4]),
		ForceUnitAccess: hdr[5]&flagForceUnitAccess != 0,
		Hint:            binary.LittleEndian.Uint64(hdr[8:]),
		BlockAddress:    binary.LittleEndian.Uint64(hdr[16:]),
		BlockCount:      binary.LittleEndian.Uint32(hdr[24:]),
	}

	payloadLen := binary.LittleEndian.Uint32(hdr[28:])
	if payloadLen > maxPayload {
		return nil, nil, fmt.Errorf("transport: request payload %d exceeds limit", payloadLen)
	}

	var payload []byte
	if payloadLen > 0 {
		payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, nil, err
		}
	}

	if req.Kind == transact.KindUnmap {
		descriptors, err := decodeDescriptors(payload, req.BlockCount)
		if err != nil {
			return nil, nil, err
		}
		req.Descriptors = descriptors
		return req, nil, nil
	}
	return req, payload, nil
}

func writeResponse(w io.Writer, rsp *transact.Response, data []byte) error {
	var hdr [headerSize]byte

	if len(data) > maxPayload {
		return fmt.Errorf("transport: response payload %d exceeds limit", len(data))
	}

	binary.LittleEndian.PutUint32(hdr[0:], responseMagic)
	hdr[4] = byte(rsp.Kind)
	hdr[5] = rsp.Status.ScsiStatus
	hdr[6] = rsp.Status.SenseKey
	hdr[7] = rsp.Status.Asc
	binary.LittleEndian.PutUint64(hdr[8:], rsp.Hint)
	binary.LittleEndian.PutUint64(hdr[16:], rsp.Status.Information)
	if rsp.Status.InformationValid {
		hdr[24] = 1
	}
	binary.LittleEndian.PutUint32(hdr[28:], uint32(len(data)))

	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	_, err := w.Write(data)
	return err
}

func readResponse(r io.Reader) (*transact.Response, []byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, nil, err
	}
	if binary.LittleEndian.Uint32(hdr[0:]) != responseMagic {
		return nil, nil, fmt.Errorf("transport: bad response magic")
	}

	rsp := &transact.Response{
		Kind: transact.Kind(hdr[4]),
		Hint: binary.LittleEndian.Uint64(hdr[8:]),
	}
	rsp.Status.ScsiStatus = hdr[5]
	rsp.Status.SenseKey = hdr[6]
	rsp.Status.Asc = hdr[7]
	rsp.Status.Information = binary.LittleEndian.Uint64(hdr[16:])
	rsp.Status.InformationValid = hdr[24] != 0

	payloadLen := binary.LittleEndian.Uint32(hdr[28:])
	if payloadLen > maxPayload {
		return nil, nil, fmt.Errorf("transport: response payload %d exceeds limit", payloadLen)
	}

	var data []byte
	if payloadLen > 0 {
		data = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, nil, err
		}
	}
	return rsp, data, nil
}

func encodeDescriptors(descriptors []transact.UnmapDescriptor) []byte {
	buf := make([]byte, len(descriptors)*descriptorSize)
	for i, d := range descriptors {
		binary.LittleEndian.PutUint64(buf[i*descriptorSize:], d.BlockAddress)
		binary.LittleEndian.PutUint32(buf[i*descriptorSize+8:], d.BlockCount)
	}
	return buf
}

func decodeDescriptors(payload []byte, count uint32) ([]transact.UnmapDescriptor, error) {
	// The count comes straight off the wire; widen before multiplying so
	// a huge value cannot wrap around and sneak past the length check.
	if count > maxPayload/descriptorSize ||
		uint64(len(payload)) != uint64(count)*descriptorSize {
		return nil, fmt.Errorf("transport: unmap payload %d does not match %d descriptors",
			len(payload), count)
	}
	if count == 0 {
		return nil, nil
	}
	descriptors := make([]transact.UnmapDescriptor, count)
	for i := range descriptors {
		descriptors[i].BlockAddress = binary.LittleEndian.Uint64(payload[i*descriptorSize:])
		descriptors[i].BlockCount = binary.LittleEndian.Uint32(payload[i*descriptorSize+8:])
	}
	return descriptors, nil
}
