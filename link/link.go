// Package link defines the surface the transport needs from an underlying
// BLE stack: scanning, connecting, attribute discovery, acknowledged
// writes, and notification delivery. Implementations wrap a platform radio
// stack; the linksim package provides an in-memory one for tests and demos.
package link

import (
	"context"

	"github.com/google/uuid"
)

// DeviceInfo describes a peripheral seen while scanning. It is produced by
// the link stack and immutable.
type DeviceInfo struct {
	ID       string      // platform-assigned stable identifier
	Name     string      // advertised local name, "" when not advertised
	Services []uuid.UUID // advertised service identifiers
}

// Property is the capability bitmask of a characteristic.
type Property uint8

const (
	PropWrite  Property = 1 << iota // acknowledged write
	PropNotify                      // server-initiated notifications
)

// Central is the host side of the radio.
type Central interface {
	// Ready reports whether the radio is powered and usable.
	Ready() bool

	// Scan streams advertising peripherals matching the service filter to
	// found until the returned stop function is called. Stop is idempotent.
	// A device beaconing repeatedly may be reported more than once; the
	// caller deduplicates.
	Scan(filter uuid.UUID, found func(DeviceInfo)) (stop func(), err error)

	// Connect establishes a fresh link to the identified device. Links
	// are not coalesced: two connects yield two independent links, and
	// the caller keeps at most one live link per device.
	Connect(ctx context.Context, id string) (Conn, error)
}

// Conn is one established link to a peripheral. Its lifetime is owned by
// the link stack; the transport only borrows it.
type Conn interface {
	// ID returns the identifier of the connected device.
	ID() string

	// Services runs service discovery on the peripheral.
	Services(ctx context.Context) ([]Service, error)

	// OnDisconnect registers a callback fired exactly once when the link
	// drops, whether by Close or by the peer or radio going away.
	OnDisconnect(fn func(reason error))

	// Close severs the link. It is idempotent.
	Close() error
}

// Service is a discovered GATT service.
type Service interface {
	UUID() uuid.UUID

	// Characteristics runs characteristic discovery on the service.
	Characteristics(ctx context.Context) ([]Characteristic, error)
}

// Characteristic is a discovered GATT characteristic.
type Characteristic interface {
	UUID() uuid.UUID
	Properties() Property

	// Write sends one link packet. With ack set it blocks until the
	// peripheral acknowledges; the link permits a single outstanding
	// acknowledged write at a time.
	Write(p []byte, ack bool) error

	// Subscribe starts notification delivery on a fresh channel with the
	// given buffer depth. The channel is closed when the link disconnects
	// or the returned cancel function runs.
	Subscribe(buf int) (<-chan []byte, func(), error)
}
