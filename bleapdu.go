// Package bleapdu carries APDU request/response buffers over a BLE GATT
// link.
//
// A Transport owns one link.Central. Listen surfaces nearby devices
// advertising the configured service, Open turns one of them into a
// Session, and Session.Exchange moves one request and one response as
// sequenced frames over the device's write and notify characteristics.
// At most one session exists per device at any time, and exchanges on a
// session run strictly one after another.
package bleapdu

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/user/bleapdu/link"
)

// Transport drives one BLE central and the sessions opened through it.
type Transport struct {
	central link.Central
	opts    Options
	reg     *registry
	log     zerolog.Logger
}

// New builds a Transport over the given central. Zero-value Options pick
// the defaults; see Options for the knobs.
func New(central link.Central, opts Options) (*Transport, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Transport{
		central: central,
		opts:    opts,
		reg:     newRegistry(),
		log:     opts.Logger.With().Str("component", "transport").Logger(),
	}, nil
}

// IsAvailable reports whether the radio is powered and ready to use.
func (t *Transport) IsAvailable() bool {
	return t.central.Ready()
}

// Listen scans for devices advertising the configured service and calls
// found once per usable device. Devices advertising no name, or only the
// placeholder "unknown", are dropped, and repeat advertisements from a
// device already reported are ignored. The returned stop function ends
// the scan and may be called more than once.
func (t *Transport) Listen(found func(link.DeviceInfo)) (stop func(), err error) {
	if !t.central.Ready() {
		return nil, fmt.Errorf("%w: radio is not powered", ErrRadioNotReady)
	}

	var mu sync.Mutex
	seen := make(map[string]bool)
	stop, err = t.central.Scan(t.opts.Service, func(dev link.DeviceInfo) {
		if !usableName(dev.Name) {
			return
		}
		mu.Lock()
		dup := seen[dev.ID]
		seen[dev.ID] = true
		mu.Unlock()
		if dup {
			return
		}
		t.log.Debug().Str("device", dev.ID).Str("name", dev.Name).Msg("device discovered")
		found(dev)
	})
	if err != nil {
		return nil, fmt.Errorf("bleapdu: start scan: %w", err)
	}
	return stop, nil
}

// usableName rejects the empty and placeholder names some stacks report
// before they have read the advertisement's local name.
func usableName(name string) bool {
	name = strings.TrimSpace(name)
	return name != "" && !strings.EqualFold(name, "unknown")
}

// Disconnect force-evicts the session for a device ID and severs its
// link. An ID with no live session fails with ErrDeviceDisconnected.
func (t *Transport) Disconnect(id string) error {
	s := t.reg.get(id)
	if s == nil {
		return fmt.Errorf("%w: no live session for %q", ErrDeviceDisconnected, id)
	}
	t.log.Info().Str("device", id).Msg("force disconnect")
	s.drop()
	return nil
}

// Shutdown severs every live session. In-flight exchanges fail with
// ErrDeviceDisconnected. Safe to call more than once.
func (t *Transport) Shutdown() {
	var g errgroup.Group
	for _, s := range t.reg.all() {
		s := s
		g.Go(func() error {
			s.drop()
			return nil
		})
	}
	_ = g.Wait()
}
