package frame

import (
	"fmt"
)

// ChunkSize returns the APDU bytes carried per frame for a given packet
// budget. The length prefix is reserved on every frame even though only
// frame 0 spends it, so the chunk size is uniform across the message.
func ChunkSize(budget int) int {
	return budget - LengthSize
}

// Split fragments an APDU into encoded frames sized to the packet budget.
// Frame 0 carries the total message length; sequence numbers increase by
// one per frame. An empty message still produces exactly one frame
// declaring length zero. The caller must write the frames strictly in
// order, waiting for each link acknowledgement before the next write.
func Split(msg []byte, budget int) ([][]byte, error) {
	if budget < MinBudget {
		return nil, fmt.Errorf("%w: %d, need at least %d", ErrBudget, budget, MinBudget)
	}
	if len(msg) > 0xFFFF {
		return nil, fmt.Errorf("%w: message length %d exceeds 65535", ErrProtocol, len(msg))
	}

	chunk := ChunkSize(budget)

	frames := [][]byte{}
	seq := uint16(0)
	offset := 0
	for {
		end := offset + chunk
		if end > len(msg) {
			end = len(msg)
		}

		f := &Frame{
			Kind:    KindData,
			Seq:     seq,
			Payload: msg[offset:end],
		}
		if seq == 0 {
			f.Total = uint16(len(msg))
		}
		frames = append(frames, f.Encode())

		offset = end
		seq++
		if offset >= len(msg) {
			break
		}
	}

	return frames, nil
}

// ControlRequest builds the MTU negotiation request frame: a control frame
// with no payload, which encodes to the 5 bytes [08 00 00 00 00].
func ControlRequest() []byte {
	f := &Frame{Kind: KindControl, Seq: 0}
	return f.Encode()
}

// ControlResponse builds the peer's MTU announcement: a control frame whose
// first payload byte (wire offset 5) is the announced link MTU.
func ControlResponse(mtu byte) []byte {
	f := &Frame{Kind: KindControl, Seq: 0, Total: 1, Payload: []byte{mtu}}
	return f.Encode()
}
