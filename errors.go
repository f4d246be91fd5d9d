package bleapdu

import (
	"errors"

	"github.com/user/bleapdu/frame"
)

var (
	// ErrRadioNotReady means the adapter is not powered; the operation is
	// surfaced immediately and never retried internally.
	ErrRadioNotReady = errors.New("bleapdu: radio not ready")

	// ErrOpenCancelled means the caller abandoned the open sequence.
	ErrOpenCancelled = errors.New("bleapdu: open cancelled")

	// ErrDeviceDisconnected means the operation targeted a device with no
	// live session, or the link dropped while the operation was running.
	ErrDeviceDisconnected = errors.New("bleapdu: device disconnected")

	// ErrServiceNotFound means the peripheral does not expose the expected
	// service; fatal for that open attempt.
	ErrServiceNotFound = errors.New("bleapdu: service not found")

	// ErrCharacteristicNotFound means the service lacks the write or notify
	// characteristic; fatal for that open attempt.
	ErrCharacteristicNotFound = errors.New("bleapdu: characteristic not found")

	// ErrNegotiationFailed means the MTU handshake produced no usable
	// answer; the link is force-disconnected afterwards.
	ErrNegotiationFailed = errors.New("bleapdu: mtu negotiation failed")

	// ErrWriteFailed means the link reported a failed write acknowledgement.
	ErrWriteFailed = errors.New("bleapdu: link write failed")
)

// Framing errors re-exported for callers that only import this package.
var (
	ErrMalformedFrame = frame.ErrMalformed
	ErrProtocol       = frame.ErrProtocol
)
