package linksim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/bleapdu/frame"
	"github.com/user/bleapdu/link"
)

var errDisconnected = errors.New("linksim: disconnected")

// conn is one central-to-peripheral attachment with its own framing
// state. It implements link.Conn.
type conn struct {
	p *Peripheral

	mu     sync.Mutex
	closed bool
	onGone []func(error)
	subs   map[uuid.UUID]chan []byte
	re     *frame.Reassembler
}

func newConn(p *Peripheral) *conn {
	return &conn{
		p:    p,
		subs: make(map[uuid.UUID]chan []byte),
		re:   frame.NewReassembler(),
	}
}

func (c *conn) ID() string { return c.p.ID }

func (c *conn) Services(ctx context.Context) ([]link.Service, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errDisconnected
	}
	return []link.Service{&service{c: c}}, nil
}

func (c *conn) OnDisconnect(fn func(reason error)) {
	c.mu.Lock()
	if !c.closed {
		c.onGone = append(c.onGone, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	go fn(errDisconnected)
}

func (c *conn) Close() error {
	c.teardown(errors.New("linksim: connection closed by central"))
	return nil
}

// teardown severs the attachment once: notification channels close, the
// peripheral detaches, and disconnect callbacks fire asynchronously the
// way a real stack's delegate events do.
func (c *conn) teardown(reason error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	chans := make([]chan []byte, 0, len(c.subs))
	for id, ch := range c.subs {
		chans = append(chans, ch)
		delete(c.subs, id)
	}
	callbacks := c.onGone
	c.onGone = nil
	c.mu.Unlock()

	for _, ch := range chans {
		close(ch)
	}
	c.p.detach(c)
	for _, fn := range callbacks {
		go fn(reason)
	}
}

// notify delivers one frame to the notify subscription. A full
// subscriber buffer applies backpressure, like the link's own flow
// control; delivery stops silently once the attachment is gone.
func (c *conn) notify(data []byte) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		ch, ok := c.subs[c.p.NotifyChar]
		if !ok {
			c.mu.Unlock()
			return
		}
		select {
		case ch <- data:
			c.mu.Unlock()
			return
		default:
		}
		c.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
}

// receiveWrite is the peripheral's write handler. Size inquiries are
// answered off this goroutine, since the real answer arrives after the
// write acknowledgement; data frames feed the reassembler until a full
// request is up, then the handler runs.
func (c *conn) receiveWrite(raw []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errDisconnected
	}
	c.mu.Unlock()
	if err := c.p.writeFault(); err != nil {
		return err
	}
	c.p.recordWrite(raw)

	f, err := frame.Decode(raw)
	if err != nil {
		return err
	}
	if f.Kind == frame.KindControl {
		go c.p.answerInquiry(c)
		return nil
	}

	c.mu.Lock()
	done, err := c.re.Accept(raw)
	if err != nil {
		c.re.Reset()
		c.mu.Unlock()
		return err
	}
	var req []byte
	if done {
		req = c.re.Message()
		c.re.Reset()
	}
	c.mu.Unlock()

	if done {
		go c.p.respond(c, req)
	}
	return nil
}

// unsubscribe drops a subscription if it is still the one handed out.
func (c *conn) unsubscribe(id uuid.UUID, ch chan []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.subs[id]; ok && cur == ch {
		delete(c.subs, id)
		close(ch)
	}
}

type service struct{ c *conn }

func (s *service) UUID() uuid.UUID { return s.c.p.Service }

func (s *service) Characteristics(ctx context.Context) ([]link.Characteristic, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []link.Characteristic{
		&characteristic{c: s.c, id: s.c.p.WriteChar, props: link.PropWrite},
		&characteristic{c: s.c, id: s.c.p.NotifyChar, props: link.PropNotify},
	}, nil
}

type characteristic struct {
	c     *conn
	id    uuid.UUID
	props link.Property
}

func (ch *characteristic) UUID() uuid.UUID           { return ch.id }
func (ch *characteristic) Properties() link.Property { return ch.props }

func (ch *characteristic) Write(p []byte, ack bool) error {
	if ch.props&link.PropWrite == 0 {
		return fmt.Errorf("linksim: characteristic %s is not writable", ch.id)
	}
	return ch.c.receiveWrite(p)
}

func (ch *characteristic) Subscribe(buf int) (<-chan []byte, func(), error) {
	if ch.props&link.PropNotify == 0 {
		return nil, nil, fmt.Errorf("linksim: characteristic %s does not notify", ch.id)
	}
	if buf <= 0 {
		buf = 1
	}
	ch.c.mu.Lock()
	defer ch.c.mu.Unlock()
	if ch.c.closed {
		return nil, nil, errDisconnected
	}
	if _, dup := ch.c.subs[ch.id]; dup {
		return nil, nil, fmt.Errorf("linksim: characteristic %s already subscribed", ch.id)
	}
	n := make(chan []byte, buf)
	ch.c.subs[ch.id] = n
	unsub := func() { ch.c.unsubscribe(ch.id, n) }
	return n, unsub, nil
}
