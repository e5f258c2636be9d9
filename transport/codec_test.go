package transport

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/gospd/gospd/transact"
)

// Build a raw request frame byte by byte, bypassing writeRequest, so tests
// can produce headers no well-behaved peer would send.
func rawRequestFrame(kind transact.Kind, blockCount, payloadLen uint32, payload []byte) []byte {
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], requestMagic)
	hdr[4] = byte(kind)
	binary.LittleEndian.PutUint32(hdr[24:], blockCount)
	binary.LittleEndian.PutUint32(hdr[28:], payloadLen)
	return append(hdr[:], payload...)
}

// An unmap header whose descriptor count wraps the 32-bit length product
// back onto the actual payload size must be rejected as corrupted, not
// decoded. 0x10000001 * 16 is 16 again modulo 2^32.
func TestReadRequestRejectsWrappedDescriptorCount(t *testing.T) {
	frame := rawRequestFrame(transact.KindUnmap, 0x10000001, descriptorSize,
		make([]byte, descriptorSize))

	_, _, err := readRequest(bytes.NewReader(frame))
	if err == nil {
		t.Fatal("corrupted descriptor count was accepted")
	}
}

func TestReadRequestRejectsDescriptorCountMismatch(t *testing.T) {
	frame := rawRequestFrame(transact.KindUnmap, 3, 2*descriptorSize,
		make([]byte, 2*descriptorSize))

	_, _, err := readRequest(bytes.NewReader(frame))
	if err == nil {
		t.Fatal("descriptor count not matching the payload was accepted")
	}
}

func TestReadRequestRejectsOversizedPayload(t *testing.T) {
	frame := rawRequestFrame(transact.KindRead, 1, maxPayload+1, nil)

	_, _, err := readRequest(bytes.NewReader(frame))
	if err == nil {
		t.Fatal("payload length beyond the frame limit was accepted")
	}
}

func TestReadRequestRejectsBadMagic(t *testing.T) {
	frame := rawRequestFrame(transact.KindRead, 1, 0, nil)
	frame[0] ^= 0xff

	_, _, err := readRequest(bytes.NewReader(frame))
	if err == nil {
		t.Fatal("frame with a foreign magic was accepted")
	}
}

// The descriptor count travels in the block count field of an unmap frame
// and is derived from the descriptor slice on the sending side, whatever
// the request struct says.
func TestWriteRequestDerivesDescriptorCount(t *testing.T) {
	var buf bytes.Buffer
	err := writeRequest(&buf, &transact.Request{
		Hint: 5,
		Kind: transact.KindUnmap,
		Descriptors: []transact.UnmapDescriptor{
			{BlockAddress: 1, BlockCount: 2},
			{BlockAddress: 9, BlockCount: 4},
		},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	req, _, err := readRequest(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if req.BlockCount != 2 || len(req.Descriptors) != 2 {
		t.Fatalf("count = %d with %d descriptors, want 2 and 2",
			req.BlockCount, len(req.Descriptors))
	}
	if req.Descriptors[1].BlockAddress != 9 {
		t.Fatalf("descriptor = %+v", req.Descriptors[1])
	}
}
