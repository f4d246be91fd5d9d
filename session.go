package bleapdu

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/user/bleapdu/frame"
	"github.com/user/bleapdu/link"
)

// SessionState tracks where a session is in its lifecycle. Closed and
// Disconnected are terminal.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateNegotiating
	StateReady
	StateExchanging
	StateClosed
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateNegotiating:
		return "negotiating"
	case StateReady:
		return "ready"
	case StateExchanging:
		return "exchanging"
	case StateClosed:
		return "closed"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s SessionState) terminal() bool {
	return s == StateClosed || s == StateDisconnected
}

// Session is an open APDU channel to one device. Exchanges are serialized:
// callers queue on an internal lock and run one at a time, in FIFO order.
type Session struct {
	id   string
	name string

	conn        link.Conn
	writeChar   link.Characteristic
	notifs      <-chan []byte
	unsubscribe func()

	// budget is the per-frame payload allowance settled by negotiation.
	budget atomic.Int32

	sem       *semaphore.Weighted
	state     atomic.Int32
	dropOnce  sync.Once
	closeOnce sync.Once

	reg *registry
	log zerolog.Logger
}

func newSession(dev link.DeviceInfo, conn link.Conn, writeChar link.Characteristic, notifs <-chan []byte, unsubscribe func(), reg *registry, log zerolog.Logger) *Session {
	s := &Session{
		id:          dev.ID,
		name:        dev.Name,
		conn:        conn,
		writeChar:   writeChar,
		notifs:      notifs,
		unsubscribe: unsubscribe,
		sem:         semaphore.NewWeighted(1),
		reg:         reg,
		log:         log.With().Str("device", dev.ID).Logger(),
	}
	s.state.Store(int32(StateConnecting))
	s.budget.Store(int32(frame.DefaultBudget))
	return s
}

// ID returns the device identifier this session is bound to.
func (s *Session) ID() string { return s.id }

// Name returns the advertised device name, if any.
func (s *Session) Name() string { return s.name }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// PacketBudget returns the negotiated per-frame payload allowance.
func (s *Session) PacketBudget() int {
	return int(s.budget.Load())
}

// Exchange sends one request APDU and returns the device's response.
// Concurrent callers are serialized in arrival order; ctx governs only the
// wait for a turn, because a write already on the air cannot be recalled.
// Any failure mid-exchange severs the link and leaves the session
// disconnected.
func (s *Session) Exchange(ctx context.Context, req []byte) ([]byte, error) {
	if st := s.State(); st.terminal() {
		return nil, fmt.Errorf("%w: session is %s", ErrDeviceDisconnected, st)
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("bleapdu: waiting for exchange turn: %w", err)
	}
	defer s.sem.Release(1)

	if !s.state.CompareAndSwap(int32(StateReady), int32(StateExchanging)) {
		return nil, fmt.Errorf("%w: session is %s", ErrDeviceDisconnected, s.State())
	}

	s.log.Debug().Int("request_len", len(req)).Msg("exchange start")
	resp, err := s.exchangeLocked(req)
	if err != nil {
		s.log.Warn().Err(err).Msg("exchange failed, dropping session")
		s.drop()
		return nil, err
	}
	s.state.CompareAndSwap(int32(StateExchanging), int32(StateReady))
	s.log.Debug().Int("response_len", len(resp)).Msg("exchange done")
	return resp, nil
}

// exchangeLocked runs one request/response cycle. The frame writer and the
// reassembling reader run concurrently so a device that starts answering
// before the last write is acknowledged cannot stall either side.
func (s *Session) exchangeLocked(req []byte) ([]byte, error) {
	frames, err := frame.Split(req, s.PacketBudget())
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(context.Background())

	g.Go(func() error {
		for _, f := range frames {
			if gctx.Err() != nil {
				// The reader already failed; its error wins.
				return nil
			}
			if err := s.writeChar.Write(f, true); err != nil {
				return fmt.Errorf("%w: %v", ErrWriteFailed, err)
			}
		}
		return nil
	})

	var resp []byte
	g.Go(func() error {
		re := frame.NewReassembler()
		for {
			select {
			case raw, open := <-s.notifs:
				if !open {
					return fmt.Errorf("%w: notification stream closed mid-exchange", ErrDeviceDisconnected)
				}
				done, err := re.Accept(raw)
				if err != nil {
					return err
				}
				if done {
					resp = re.Message()
					return nil
				}
			case <-gctx.Done():
				// The writer already failed; its error wins.
				return nil
			}
		}
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return resp, nil
}

// Close waits for any in-flight exchange, marks the session closed, and
// unregisters it. The link itself stays connected so the device can be
// reopened quickly; use Transport.Disconnect to sever it.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		_ = s.sem.Acquire(context.Background(), 1)
		defer s.sem.Release(1)
		if s.state.CompareAndSwap(int32(StateReady), int32(StateClosed)) {
			s.unsubscribe()
		}
		s.reg.removeSession(s)
		s.log.Debug().Msg("session closed")
	})
	return nil
}

// drop tears the session down after a link fault: terminal state, no
// further notifications, link severed, registry slot freed. Safe to call
// from any goroutine, any number of times.
func (s *Session) drop() {
	s.dropOnce.Do(func() {
		if !s.State().terminal() {
			s.state.Store(int32(StateDisconnected))
		}
		s.unsubscribe()
		_ = s.conn.Close()
		s.reg.removeSession(s)
		s.log.Debug().Msg("session dropped")
	})
}

// handleDisconnect runs when the link layer reports the device gone.
func (s *Session) handleDisconnect(reason error) {
	s.log.Debug().AnErr("reason", reason).Msg("device disconnected")
	s.drop()
}
