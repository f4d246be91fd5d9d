package frame

import (
	"bytes"
	"fmt"
)

// Reassembler accumulates data frames back into one APDU. It is strictly
// sequential: the first frame must carry sequence 0 and the total length,
// every following frame must carry the next sequence number, and the
// message is complete exactly when the accumulated payload reaches the
// declared total. Control frames are not part of a message and are
// discarded. A Reassembler handles one in-flight message at a time; call
// Reset before reusing it.
type Reassembler struct {
	buf      bytes.Buffer
	expected uint16
	total    int
	complete bool
}

// NewReassembler creates an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// Accept decodes one raw link packet and folds it into the message.
// It returns true once the message is complete. Sequence gaps and payload
// overruns fail with ErrProtocol; undecodable packets fail with
// ErrMalformed. After an error the in-flight message is unrecoverable and
// no partial result is ever returned.
func (r *Reassembler) Accept(raw []byte) (bool, error) {
	f, err := Decode(raw)
	if err != nil {
		return false, err
	}

	if f.Kind != KindData {
		// Wrong message type for reassembly (e.g. a stale negotiation
		// response); skip it and keep waiting.
		return r.complete, nil
	}

	if f.Seq != r.expected {
		return false, fmt.Errorf("%w: sequence %d, expected %d", ErrProtocol, f.Seq, r.expected)
	}

	if f.Seq == 0 {
		r.total = int(f.Total)
	}

	if r.buf.Len()+len(f.Payload) > r.total {
		return false, fmt.Errorf("%w: payload exceeds declared length %d", ErrProtocol, r.total)
	}

	r.buf.Write(f.Payload)
	r.expected++

	if r.buf.Len() == r.total {
		r.complete = true
	}
	return r.complete, nil
}

// Complete reports whether the full message has been received.
func (r *Reassembler) Complete() bool {
	return r.complete
}

// Message returns the reassembled APDU, or nil while incomplete.
func (r *Reassembler) Message() []byte {
	if !r.complete {
		return nil
	}
	out := make([]byte, r.buf.Len())
	copy(out, r.buf.Bytes())
	return out
}

// Reset discards all state so the Reassembler can take another message.
func (r *Reassembler) Reset() {
	r.buf.Reset()
	r.expected = 0
	r.total = 0
	r.complete = false
}
