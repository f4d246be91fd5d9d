package bleapdu

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/user/bleapdu/link"
)

// Open connects to a scanned device and returns a session ready for
// exchanges. If the device already has a live session, that session is
// returned as is.
//
// Freshly paired devices running buggy firmware answer the first size
// inquiry only after a long stall. When the inquiry round trip exceeds
// Options.PairingDelayThreshold on the first attempt, Open severs the
// link, waits Options.SettleDelay, and runs the whole sequence exactly
// once more.
func (t *Transport) Open(ctx context.Context, dev link.DeviceInfo) (*Session, error) {
	if !t.central.Ready() {
		return nil, fmt.Errorf("%w: radio is not powered", ErrRadioNotReady)
	}
	if s := t.reg.get(dev.ID); s != nil {
		return s, nil
	}

	workaround := !t.opts.SkipPairingWorkaround
	for attempt := 0; ; attempt++ {
		s, rtt, err := t.openAttempt(ctx, dev)
		if err != nil {
			return nil, err
		}
		if workaround && attempt == 0 && rtt > t.opts.PairingDelayThreshold {
			t.log.Info().
				Dur("rtt", rtt).
				Dur("threshold", t.opts.PairingDelayThreshold).
				Str("device", dev.ID).
				Msg("slow size inquiry after pairing, cycling the connection")
			s.drop()
			select {
			case <-time.After(t.opts.SettleDelay):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrOpenCancelled, ctx.Err())
			}
			continue
		}
		return s, nil
	}
}

// OpenID returns the live session previously opened for a device ID. It
// never touches the radio: an unknown or already-dropped ID fails with
// ErrDeviceDisconnected, and the caller should rescan and open from a
// DeviceInfo instead.
func (t *Transport) OpenID(id string) (*Session, error) {
	if s := t.reg.get(id); s != nil {
		return s, nil
	}
	return nil, fmt.Errorf("%w: no live session for %q", ErrDeviceDisconnected, id)
}

// openAttempt runs one connect, discover, subscribe, negotiate, register
// sequence. On a registry collision the freshly built session is released
// and the established one adopted; its round trip is reported as zero so
// the caller never judges the winner's link by our timing.
func (t *Transport) openAttempt(ctx context.Context, dev link.DeviceInfo) (*Session, time.Duration, error) {
	conn, err := t.central.Connect(ctx, dev.ID)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, 0, fmt.Errorf("%w: %v", ErrOpenCancelled, err)
		}
		return nil, 0, fmt.Errorf("%w: connect: %v", ErrDeviceDisconnected, err)
	}

	svc, err := findService(ctx, conn, t.opts.Service)
	if err != nil {
		_ = conn.Close()
		return nil, 0, err
	}
	writeChar, notifyChar, err := findCharacteristics(ctx, svc, t.opts.WriteChar, t.opts.NotifyChar)
	if err != nil {
		_ = conn.Close()
		return nil, 0, err
	}

	notifs, unsubscribe, err := notifyChar.Subscribe(t.opts.NotifyBuffer)
	if err != nil {
		_ = conn.Close()
		return nil, 0, fmt.Errorf("bleapdu: enable notifications: %w", err)
	}

	s := newSession(dev, conn, writeChar, notifs, unsubscribe, t.reg, *t.opts.Logger)
	conn.OnDisconnect(s.handleDisconnect)

	rtt, err := s.negotiate(t.opts.NegotiateTimeout)
	if err != nil {
		s.drop()
		return nil, 0, err
	}

	if existing, ok := t.reg.put(s); !ok {
		s.drop()
		return existing, 0, nil
	}
	if s.State().terminal() {
		// The link dropped between negotiation and registration, so the
		// drop's eviction ran before the session was in the registry.
		// Undo the registration or the dead session would be served
		// forever.
		t.reg.removeSession(s)
		return nil, 0, fmt.Errorf("%w: link dropped during open", ErrDeviceDisconnected)
	}
	t.log.Info().
		Str("device", dev.ID).
		Str("name", dev.Name).
		Int("budget", s.PacketBudget()).
		Msg("session open")
	return s, rtt, nil
}

func findService(ctx context.Context, conn link.Conn, id uuid.UUID) (link.Service, error) {
	services, err := conn.Services(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: discovery: %v", ErrServiceNotFound, err)
	}
	for _, svc := range services {
		if svc.UUID() == id {
			return svc, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, id)
}

func findCharacteristics(ctx context.Context, svc link.Service, writeID, notifyID uuid.UUID) (link.Characteristic, link.Characteristic, error) {
	chars, err := svc.Characteristics(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: discovery: %v", ErrCharacteristicNotFound, err)
	}
	var writeChar, notifyChar link.Characteristic
	for _, c := range chars {
		switch c.UUID() {
		case writeID:
			writeChar = c
		case notifyID:
			notifyChar = c
		}
	}
	if writeChar == nil {
		return nil, nil, fmt.Errorf("%w: write %s", ErrCharacteristicNotFound, writeID)
	}
	if notifyChar == nil {
		return nil, nil, fmt.Errorf("%w: notify %s", ErrCharacteristicNotFound, notifyID)
	}
	return writeChar, notifyChar, nil
}
