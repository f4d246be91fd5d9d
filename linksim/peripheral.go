package linksim

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/bleapdu/frame"
	"github.com/user/bleapdu/link"
)

// Attribute layout every peripheral serves unless overridden: the Nordic
// UART arrangement of one service with a central-to-device write
// characteristic and a device-to-central notify characteristic.
var (
	DefaultService = uuid.MustParse("6e400001-b5a3-f393-e0a9-e50e24dcca9e")
	DefaultWrite   = uuid.MustParse("6e400002-b5a3-f393-e0a9-e50e24dcca9e")
	DefaultNotify  = uuid.MustParse("6e400003-b5a3-f393-e0a9-e50e24dcca9e")
)

// DefaultAnnounceMTU is the BLE minimum ATT MTU, which yields the default
// 20-byte payload budget.
const DefaultAnnounceMTU = 23

// Peripheral is a scriptable device. Configure the exported fields before
// Hub.Add; the simulator reads them concurrently afterwards.
type Peripheral struct {
	ID   string
	Name string

	// Service, WriteChar, NotifyChar are the attributes the peripheral
	// hosts and advertises.
	Service    uuid.UUID
	WriteChar  uuid.UUID
	NotifyChar uuid.UUID

	// AnnounceMTU is the link size reported when the central asks.
	AnnounceMTU byte

	// NegotiateDelay stalls every size announcement, the way freshly
	// paired devices with buggy firmware do.
	NegotiateDelay time.Duration

	// MuteNegotiation swallows size inquiries without answering.
	MuteNegotiation bool

	// ConnectDelay stalls connect attempts.
	ConnectDelay time.Duration

	// Handle computes the response APDU for a request. Nil echoes.
	Handle func(req []byte) []byte

	// HandleRaw, when set, wins over Handle: its buffers are notified
	// verbatim with no framing applied, so replies can be scripted
	// corrupt, truncated, or out of order.
	HandleRaw func(req []byte) [][]byte

	hub *Hub

	mu          sync.Mutex
	conns       map[*conn]struct{}
	writeErr    error
	writes      [][]byte
	requests    [][]byte
	connects    int
	disconnects int
}

// NewPeripheral returns a peripheral with the default attribute layout
// that echoes every request.
func NewPeripheral(id, name string) *Peripheral {
	return &Peripheral{
		ID:          id,
		Name:        name,
		Service:     DefaultService,
		WriteChar:   DefaultWrite,
		NotifyChar:  DefaultNotify,
		AnnounceMTU: DefaultAnnounceMTU,
		conns:       make(map[*conn]struct{}),
	}
}

func (p *Peripheral) info() link.DeviceInfo {
	return link.DeviceInfo{ID: p.ID, Name: p.Name, Services: []uuid.UUID{p.Service}}
}

func (p *Peripheral) advertises(filter uuid.UUID) bool {
	return filter == uuid.Nil || filter == p.Service
}

// Advertise re-broadcasts the advertisement to active scans, the way a
// real device beacons repeatedly.
func (p *Peripheral) Advertise() {
	if p.hub != nil {
		p.hub.announce(p)
	}
}

// attach opens fresh server-side connection state. Multiple simultaneous
// attachments are allowed; each keeps its own framing state.
func (p *Peripheral) attach() *conn {
	c := newConn(p)
	p.mu.Lock()
	p.conns[c] = struct{}{}
	p.connects++
	p.mu.Unlock()
	return c
}

func (p *Peripheral) detach(c *conn) {
	p.mu.Lock()
	if _, ok := p.conns[c]; ok {
		delete(p.conns, c)
		p.disconnects++
	}
	p.mu.Unlock()
}

// DropLink severs every live connection from the peripheral's side.
func (p *Peripheral) DropLink() {
	p.mu.Lock()
	conns := make([]*conn, 0, len(p.conns))
	for c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()
	for _, c := range conns {
		c.teardown(errors.New("linksim: peripheral dropped the link"))
	}
}

// answerInquiry reports the announced link size after any configured
// stall. Runs off the writer's goroutine, as the real answer arrives
// after the write acknowledgement.
func (p *Peripheral) answerInquiry(c *conn) {
	if p.MuteNegotiation {
		return
	}
	if p.NegotiateDelay > 0 {
		time.Sleep(p.NegotiateDelay)
	}
	c.notify(frame.ControlResponse(p.AnnounceMTU))
}

// respond runs the handler and streams the response back, chunked at the
// peripheral's own budget.
func (p *Peripheral) respond(c *conn, req []byte) {
	p.mu.Lock()
	p.requests = append(p.requests, append([]byte(nil), req...))
	p.mu.Unlock()

	if p.HandleRaw != nil {
		for _, raw := range p.HandleRaw(req) {
			c.notify(raw)
		}
		return
	}

	resp := req
	if p.Handle != nil {
		resp = p.Handle(req)
	}
	frames, err := frame.Split(resp, p.budget())
	if err != nil {
		return
	}
	for _, f := range frames {
		c.notify(f)
	}
}

// budget mirrors the central's floor rule so both ends chunk alike.
func (p *Peripheral) budget() int {
	b := int(p.AnnounceMTU) - frame.MTUOverhead
	if b < frame.DefaultBudget {
		b = frame.DefaultBudget
	}
	return b
}

// FailWrites makes every subsequent central write fail with err, the way
// a link reports a lost acknowledgement. A nil err restores writes.
func (p *Peripheral) FailWrites(err error) {
	p.mu.Lock()
	p.writeErr = err
	p.mu.Unlock()
}

func (p *Peripheral) writeFault() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeErr
}

func (p *Peripheral) recordWrite(raw []byte) {
	p.mu.Lock()
	p.writes = append(p.writes, append([]byte(nil), raw...))
	p.mu.Unlock()
}

// Writes returns every raw frame the central has written, in arrival
// order across all connections.
func (p *Peripheral) Writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.writes))
	copy(out, p.writes)
	return out
}

// Requests returns every fully reassembled request APDU, in order.
func (p *Peripheral) Requests() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.requests))
	copy(out, p.requests)
	return out
}

// Connects counts attachments over the peripheral's lifetime.
func (p *Peripheral) Connects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects
}

// Disconnects counts severed attachments over the peripheral's lifetime.
func (p *Peripheral) Disconnects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnects
}
