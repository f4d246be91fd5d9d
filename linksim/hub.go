// Package linksim is an in-memory BLE link for tests and demos. A Hub
// plays the central's radio and the air around it; Peripherals attached
// to the Hub advertise, accept connections, and speak the APDU framing
// protocol, with knobs for the slow and broken behaviors real devices
// exhibit.
package linksim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/bleapdu/link"
)

// ErrRadioOff is returned by radio operations while the hub is powered
// down.
var ErrRadioOff = errors.New("linksim: radio off")

// Hub simulates one central radio and the peripherals in range of it.
// It implements link.Central. The zero of everything is a powered-on hub
// with empty air.
type Hub struct {
	mu          sync.Mutex
	powered     bool
	peripherals map[string]*Peripheral
	scans       map[*scan]struct{}
}

type scan struct {
	filter uuid.UUID
	found  func(link.DeviceInfo)
}

// NewHub returns a powered-on hub with no peripherals in range.
func NewHub() *Hub {
	return &Hub{
		powered:     true,
		peripherals: make(map[string]*Peripheral),
		scans:       make(map[*scan]struct{}),
	}
}

// SetPowered flips the radio. Powering down severs every attached
// connection, the way pulling the adapter does.
func (h *Hub) SetPowered(on bool) {
	h.mu.Lock()
	h.powered = on
	var severed []*Peripheral
	if !on {
		for _, p := range h.peripherals {
			severed = append(severed, p)
		}
	}
	h.mu.Unlock()
	for _, p := range severed {
		p.DropLink()
	}
}

// Ready reports whether the radio is powered.
func (h *Hub) Ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.powered
}

// Add puts a peripheral in range and announces it to active scans.
func (h *Hub) Add(p *Peripheral) {
	h.mu.Lock()
	p.hub = h
	h.peripherals[p.ID] = p
	h.mu.Unlock()
	h.announce(p)
}

// Remove takes a peripheral out of range without severing an existing
// connection; real devices stay connected after advertising stops.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	delete(h.peripherals, id)
	h.mu.Unlock()
}

// Scan reports every in-range peripheral advertising the filter service,
// now and as they appear, until the returned stop function is called.
func (h *Hub) Scan(filter uuid.UUID, found func(link.DeviceInfo)) (func(), error) {
	h.mu.Lock()
	if !h.powered {
		h.mu.Unlock()
		return nil, ErrRadioOff
	}
	sc := &scan{filter: filter, found: found}
	h.scans[sc] = struct{}{}
	var infos []link.DeviceInfo
	for _, p := range h.peripherals {
		if p.advertises(filter) {
			infos = append(infos, p.info())
		}
	}
	h.mu.Unlock()

	for _, info := range infos {
		found(info)
	}
	stop := func() {
		h.mu.Lock()
		delete(h.scans, sc)
		h.mu.Unlock()
	}
	return stop, nil
}

// announce replays p's advertisement to every matching active scan.
func (h *Hub) announce(p *Peripheral) {
	h.mu.Lock()
	if !h.powered {
		h.mu.Unlock()
		return
	}
	info := p.info()
	var targets []func(link.DeviceInfo)
	for sc := range h.scans {
		if p.advertises(sc.filter) {
			targets = append(targets, sc.found)
		}
	}
	h.mu.Unlock()
	for _, f := range targets {
		f(info)
	}
}

// Connect attaches to an in-range peripheral by ID.
func (h *Hub) Connect(ctx context.Context, id string) (link.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	powered := h.powered
	p := h.peripherals[id]
	h.mu.Unlock()
	if !powered {
		return nil, ErrRadioOff
	}
	if p == nil {
		return nil, fmt.Errorf("linksim: no peripheral %q in range", id)
	}
	if p.ConnectDelay > 0 {
		select {
		case <-time.After(p.ConnectDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return p.attach(), nil
}
