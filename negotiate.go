package bleapdu

import (
	"context"
	"fmt"
	"time"

	"github.com/user/bleapdu/frame"
)

// negotiate asks the device for its inquiry size and settles the packet
// budget from the answer. It returns the handshake round-trip time so the
// caller can spot the slow first answer of freshly paired buggy firmware.
// Runs once, before the session is handed to anyone.
func (s *Session) negotiate(timeout time.Duration) (time.Duration, error) {
	// The exchange lock is held across the whole handshake so negotiation
	// and exchanges can never overlap, whatever the caller does.
	if err := s.sem.Acquire(context.Background(), 1); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}
	defer s.sem.Release(1)

	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateNegotiating)) {
		return 0, fmt.Errorf("%w: session is %s", ErrNegotiationFailed, s.State())
	}

	start := time.Now()
	if err := s.writeChar.Write(frame.ControlRequest(), true); err != nil {
		return 0, fmt.Errorf("%w: sending size inquiry: %v", ErrNegotiationFailed, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case raw, open := <-s.notifs:
			if !open {
				return 0, fmt.Errorf("%w: notification stream closed", ErrNegotiationFailed)
			}
			f, err := frame.Decode(raw)
			if err != nil {
				return 0, err
			}
			if f.Kind != frame.KindControl {
				// Stale data frame from a previous link incarnation.
				continue
			}
			if len(f.Payload) == 0 {
				return 0, fmt.Errorf("%w: size announcement carries no value", frame.ErrMalformed)
			}
			rtt := time.Since(start)

			announced := int(f.Payload[0])
			budget := announced - frame.MTUOverhead
			if budget < frame.DefaultBudget {
				budget = frame.DefaultBudget
			}
			s.budget.Store(int32(budget))

			if !s.state.CompareAndSwap(int32(StateNegotiating), int32(StateReady)) {
				return 0, fmt.Errorf("%w: session is %s", ErrNegotiationFailed, s.State())
			}
			s.log.Debug().
				Int("announced", announced).
				Int("budget", budget).
				Dur("rtt", rtt).
				Msg("negotiated packet budget")
			return rtt, nil
		case <-timer.C:
			return 0, fmt.Errorf("%w: no size announcement within %s", ErrNegotiationFailed, timeout)
		}
	}
}
