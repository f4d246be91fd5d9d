// Package frame implements the link-layer framing used to carry APDU
// buffers over a packet-size-limited BLE connection: a small big-endian
// header, a sequence number per frame, and a total-length prefix on the
// first frame of each message.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Kind tags a frame as APDU data or as transport control traffic.
type Kind byte

const (
	KindData    Kind = 0x05 // carries a slice of an APDU
	KindControl Kind = 0x08 // MTU negotiation handshake
)

// Frame header layout
const (
	HeaderSize = 3 // kind (1 byte) + sequence (2 bytes)
	LengthSize = 2 // total-length prefix, present only when Seq == 0

	// DefaultBudget is the usable bytes per frame after the fixed header
	// before negotiation: the classic 23-byte link MTU minus HeaderSize.
	DefaultBudget = 20

	// MinBudget is the smallest budget the fragmenter accepts; below this
	// the first frame cannot fit the length prefix plus any payload.
	MinBudget = 4

	// MTUOverhead is subtracted from the announced link MTU to obtain the
	// packet budget.
	MTUOverhead = HeaderSize
)

var (
	ErrMalformed = errors.New("frame: malformed frame")
	ErrProtocol  = errors.New("frame: protocol violation")
	ErrBudget    = errors.New("frame: packet budget too small")
)

// Frame is one decoded link packet.
// Total is meaningful only on frames with Seq == 0, where it declares the
// length of the whole message the frame belongs to.
type Frame struct {
	Kind    Kind
	Seq     uint16
	Total   uint16
	Payload []byte
}

// Encode serializes a frame. The total-length field is written exactly when
// Seq == 0, mirroring what Decode expects.
func (f *Frame) Encode() []byte {
	size := HeaderSize + len(f.Payload)
	if f.Seq == 0 {
		size += LengthSize
	}

	buf := make([]byte, size)
	buf[0] = byte(f.Kind)
	binary.BigEndian.PutUint16(buf[1:3], f.Seq)

	if f.Seq == 0 {
		binary.BigEndian.PutUint16(buf[3:5], f.Total)
		copy(buf[5:], f.Payload)
	} else {
		copy(buf[3:], f.Payload)
	}

	return buf
}

// Decode parses a raw link packet into a Frame. It fails with ErrMalformed
// when the buffer is shorter than the header demands or the kind byte is
// unrecognized.
func Decode(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformed, len(data), HeaderSize)
	}

	kind := Kind(data[0])
	if kind != KindData && kind != KindControl {
		return nil, fmt.Errorf("%w: unknown kind 0x%02X", ErrMalformed, data[0])
	}

	seq := binary.BigEndian.Uint16(data[1:3])

	var total uint16
	body := data[HeaderSize:]
	if seq == 0 {
		if len(data) < HeaderSize+LengthSize {
			return nil, fmt.Errorf("%w: first frame needs %d bytes, got %d", ErrMalformed, HeaderSize+LengthSize, len(data))
		}
		total = binary.BigEndian.Uint16(data[3:5])
		body = data[HeaderSize+LengthSize:]
	}

	payload := make([]byte, len(body))
	copy(payload, body)

	return &Frame{
		Kind:    kind,
		Seq:     seq,
		Total:   total,
		Payload: payload,
	}, nil
}
