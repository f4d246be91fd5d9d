package bleapdu

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/user/bleapdu/link"
	"github.com/user/bleapdu/linksim"
)

func TestOpenNegotiatesBudget(t *testing.T) {
	tests := []struct {
		name     string
		announce byte
		want     int
	}{
		{"roomy link", 158, 155},
		{"minimum link", 23, 20},
		{"tiny announcement floors at default", 10, 20},
		{"largest announcement", 255, 252},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := linksim.NewPeripheral("DEV-1", "Nano X")
			p.AnnounceMTU = tt.announce
			tr, _ := newTestTransport(t, Options{}, p)

			s, err := tr.Open(context.Background(), descriptor(p))
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			if got := s.PacketBudget(); got != tt.want {
				t.Errorf("PacketBudget() = %d, want %d", got, tt.want)
			}
			if got := s.State(); got != StateReady {
				t.Errorf("State() = %s, want %s", got, StateReady)
			}
		})
	}
}

func TestOpenReturnsExistingSession(t *testing.T) {
	p := linksim.NewPeripheral("DEV-1", "Nano X")
	tr, _ := newTestTransport(t, Options{}, p)

	first, err := tr.Open(context.Background(), descriptor(p))
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	second, err := tr.Open(context.Background(), descriptor(p))
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	if first != second {
		t.Error("second Open returned a different session")
	}
	if got := p.Connects(); got != 1 {
		t.Errorf("Connects() = %d, want 1", got)
	}
}

func TestOpenIDNeverTouchesTheRadio(t *testing.T) {
	p := linksim.NewPeripheral("DEV-1", "Nano X")
	tr, _ := newTestTransport(t, Options{}, p)

	if _, err := tr.OpenID("DEV-1"); !errors.Is(err, ErrDeviceDisconnected) {
		t.Fatalf("OpenID before Open: err = %v, want ErrDeviceDisconnected", err)
	}
	if got := p.Connects(); got != 0 {
		t.Fatalf("OpenID connected: Connects() = %d, want 0", got)
	}

	s, err := tr.Open(context.Background(), descriptor(p))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	byID, err := tr.OpenID("DEV-1")
	if err != nil {
		t.Fatalf("OpenID after Open: %v", err)
	}
	if byID != s {
		t.Error("OpenID returned a different session")
	}
	if got := p.Connects(); got != 1 {
		t.Errorf("Connects() = %d, want 1", got)
	}
}

func TestOpenRadioOff(t *testing.T) {
	p := linksim.NewPeripheral("DEV-1", "Nano X")
	tr, hub := newTestTransport(t, Options{}, p)
	hub.SetPowered(false)

	if tr.IsAvailable() {
		t.Error("IsAvailable() = true with the radio off")
	}
	if _, err := tr.Open(context.Background(), descriptor(p)); !errors.Is(err, ErrRadioNotReady) {
		t.Errorf("Open: err = %v, want ErrRadioNotReady", err)
	}
}

func TestOpenUnknownDevice(t *testing.T) {
	tr, _ := newTestTransport(t, Options{})

	_, err := tr.Open(context.Background(), link.DeviceInfo{ID: "GHOST", Name: "Ghost"})
	if !errors.Is(err, ErrDeviceDisconnected) {
		t.Errorf("Open: err = %v, want ErrDeviceDisconnected", err)
	}
}

func TestOpenWrongService(t *testing.T) {
	p := linksim.NewPeripheral("DEV-1", "Imposter")
	p.Service = uuid.MustParse("0000180f-0000-1000-8000-00805f9b34fb")
	tr, _ := newTestTransport(t, Options{}, p)

	_, err := tr.Open(context.Background(), descriptor(p))
	if !errors.Is(err, ErrServiceNotFound) {
		t.Fatalf("Open: err = %v, want ErrServiceNotFound", err)
	}
	if got := p.Disconnects(); got != 1 {
		t.Errorf("Disconnects() = %d, want 1 (failed open must release the link)", got)
	}
}

func TestOpenMissingCharacteristic(t *testing.T) {
	p := linksim.NewPeripheral("DEV-1", "Halfway")
	p.NotifyChar = uuid.MustParse("6e40ffff-b5a3-f393-e0a9-e50e24dcca9e")
	tr, _ := newTestTransport(t, Options{}, p)

	_, err := tr.Open(context.Background(), descriptor(p))
	if !errors.Is(err, ErrCharacteristicNotFound) {
		t.Fatalf("Open: err = %v, want ErrCharacteristicNotFound", err)
	}
	if got := p.Disconnects(); got != 1 {
		t.Errorf("Disconnects() = %d, want 1 (failed open must release the link)", got)
	}
}

func TestOpenNegotiationTimeout(t *testing.T) {
	p := linksim.NewPeripheral("DEV-1", "Mute")
	p.MuteNegotiation = true
	tr, _ := newTestTransport(t, Options{NegotiateTimeout: 60 * time.Millisecond}, p)

	_, err := tr.Open(context.Background(), descriptor(p))
	if !errors.Is(err, ErrNegotiationFailed) {
		t.Fatalf("Open: err = %v, want ErrNegotiationFailed", err)
	}
	if got := p.Connects(); got != 1 {
		t.Errorf("Connects() = %d, want 1 (a failed negotiation must not retry)", got)
	}
	if got := p.Disconnects(); got != 1 {
		t.Errorf("Disconnects() = %d, want exactly 1", got)
	}
	if got := tr.reg.count(); got != 0 {
		t.Errorf("registry holds %d sessions after failed open, want 0", got)
	}
}

func TestOpenCancelledDuringConnect(t *testing.T) {
	p := linksim.NewPeripheral("DEV-1", "Slowpoke")
	p.ConnectDelay = 200 * time.Millisecond
	tr, _ := newTestTransport(t, Options{}, p)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tr.Open(ctx, descriptor(p))
	if !errors.Is(err, ErrOpenCancelled) {
		t.Errorf("Open: err = %v, want ErrOpenCancelled", err)
	}
	if got := p.Connects(); got != 0 {
		t.Errorf("Connects() = %d, want 0", got)
	}
}

func TestOpenPairingWorkaroundCyclesOnce(t *testing.T) {
	p := linksim.NewPeripheral("DEV-1", "FreshPair")
	p.NegotiateDelay = 120 * time.Millisecond
	tr, _ := newTestTransport(t, Options{
		PairingDelayThreshold: 50 * time.Millisecond,
		SettleDelay:           10 * time.Millisecond,
	}, p)

	s, err := tr.Open(context.Background(), descriptor(p))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := p.Connects(); got != 2 {
		t.Errorf("Connects() = %d, want 2 (one cycle, then commit)", got)
	}
	if got := p.Disconnects(); got != 1 {
		t.Errorf("Disconnects() = %d, want 1", got)
	}
	if got := s.State(); got != StateReady {
		t.Errorf("State() = %s, want %s", got, StateReady)
	}

	// The session that survives the cycle must actually work.
	resp, err := s.Exchange(context.Background(), []byte{0xB0, 0x01})
	if err != nil {
		t.Fatalf("Exchange after workaround: %v", err)
	}
	if len(resp) != 2 || resp[0] != 0xB0 || resp[1] != 0x01 {
		t.Errorf("Exchange response = %x, want b001", resp)
	}
}

func TestOpenPairingWorkaroundNotTriggeredWhenFast(t *testing.T) {
	p := linksim.NewPeripheral("DEV-1", "Veteran")
	tr, _ := newTestTransport(t, Options{
		PairingDelayThreshold: 50 * time.Millisecond,
		SettleDelay:           10 * time.Millisecond,
	}, p)

	if _, err := tr.Open(context.Background(), descriptor(p)); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := p.Connects(); got != 1 {
		t.Errorf("Connects() = %d, want 1", got)
	}
	if got := p.Disconnects(); got != 0 {
		t.Errorf("Disconnects() = %d, want 0", got)
	}
}

func TestOpenPairingWorkaroundSkipped(t *testing.T) {
	p := linksim.NewPeripheral("DEV-1", "FreshPair")
	p.NegotiateDelay = 120 * time.Millisecond
	tr, _ := newTestTransport(t, Options{
		PairingDelayThreshold: 50 * time.Millisecond,
		SettleDelay:           10 * time.Millisecond,
		SkipPairingWorkaround: true,
	}, p)

	if _, err := tr.Open(context.Background(), descriptor(p)); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := p.Connects(); got != 1 {
		t.Errorf("Connects() = %d, want 1 (workaround disabled)", got)
	}
	if got := p.Disconnects(); got != 0 {
		t.Errorf("Disconnects() = %d, want 0", got)
	}
}

func TestOpenConcurrentSameDevice(t *testing.T) {
	p := linksim.NewPeripheral("DEV-1", "Popular")
	p.ConnectDelay = 30 * time.Millisecond
	tr, _ := newTestTransport(t, Options{}, p)

	type result struct {
		s   *Session
		err error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			s, err := tr.Open(context.Background(), descriptor(p))
			results <- result{s, err}
		}()
	}
	a := <-results
	b := <-results
	if a.err != nil || b.err != nil {
		t.Fatalf("concurrent Open errors: %v, %v", a.err, b.err)
	}
	if a.s != b.s {
		t.Error("concurrent Opens produced two distinct sessions")
	}
	if got := tr.reg.count(); got != 1 {
		t.Errorf("registry holds %d sessions, want 1", got)
	}
	waitFor(t, time.Second, func() bool { return p.Disconnects() == 1 },
		"loser of the open race to release its link")
}

// registrationGate is a session-logger sink that widens the gap between
// MTU negotiation and registry insertion: when negotiation announces its
// result it severs the link, then holds the opening goroutine until the
// teardown has fully finished.
type registrationGate struct {
	p       *linksim.Peripheral
	fire    sync.Once
	settle  sync.Once
	dropped chan struct{}
}

func (g *registrationGate) Write(b []byte) (int, error) {
	line := string(b)
	if strings.Contains(line, "negotiated packet budget") {
		g.fire.Do(func() { g.p.DropLink() })
		<-g.dropped
	}
	if strings.Contains(line, "session dropped") {
		g.settle.Do(func() { close(g.dropped) })
	}
	return len(b), nil
}

func TestOpenDisconnectBeforeRegistration(t *testing.T) {
	p := linksim.NewPeripheral("DEV-1", "Vanishing")
	gate := &registrationGate{p: p, dropped: make(chan struct{})}
	logger := zerolog.New(gate)
	tr, _ := newTestTransport(t, Options{Logger: &logger}, p)

	// The disconnect completes before the session can be registered; its
	// eviction has nothing to remove, so Open itself must catch the dead
	// session rather than hand it out.
	_, err := tr.Open(context.Background(), descriptor(p))
	if !errors.Is(err, ErrDeviceDisconnected) {
		t.Fatalf("Open: err = %v, want ErrDeviceDisconnected", err)
	}
	if got := tr.reg.count(); got != 0 {
		t.Fatalf("registry holds %d sessions after the failed open, want 0", got)
	}
	if _, err := tr.OpenID("DEV-1"); !errors.Is(err, ErrDeviceDisconnected) {
		t.Errorf("OpenID after the disconnect: err = %v, want ErrDeviceDisconnected", err)
	}

	// The device must be reachable again once the link settles.
	s, err := tr.Open(context.Background(), descriptor(p))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := s.State(); got != StateReady {
		t.Errorf("State() = %s, want %s", got, StateReady)
	}
	if _, err := s.Exchange(context.Background(), []byte{0x01}); err != nil {
		t.Fatalf("Exchange on the reopened session: %v", err)
	}
}

func TestReopenAfterDisconnect(t *testing.T) {
	p := linksim.NewPeripheral("DEV-1", "Flaky")
	tr, _ := newTestTransport(t, Options{}, p)

	first, err := tr.Open(context.Background(), descriptor(p))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	p.DropLink()
	waitFor(t, time.Second, func() bool { return tr.reg.count() == 0 },
		"registry to drop the severed session")
	waitFor(t, time.Second, func() bool { return first.State() == StateDisconnected },
		"session to reach the disconnected state")

	if _, err := tr.OpenID("DEV-1"); !errors.Is(err, ErrDeviceDisconnected) {
		t.Errorf("OpenID after disconnect: err = %v, want ErrDeviceDisconnected", err)
	}

	second, err := tr.Open(context.Background(), descriptor(p))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if second == first {
		t.Error("reopen returned the dead session")
	}
	if got := second.State(); got != StateReady {
		t.Errorf("State() = %s, want %s", got, StateReady)
	}
}
