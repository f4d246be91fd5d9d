package bleapdu

import (
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/user/bleapdu/link"
	"github.com/user/bleapdu/linksim"
	"github.com/user/bleapdu/logging"
)

var testLogger zerolog.Logger

func TestMain(m *testing.M) {
	testLogger = logging.ConfigureTests()
	os.Exit(m.Run())
}

// newTestTransport builds a transport over a fresh hub with the given
// peripherals already in range. Tests that do not bring their own logger
// share the test profile's.
func newTestTransport(t *testing.T, opts Options, peripherals ...*linksim.Peripheral) (*Transport, *linksim.Hub) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = &testLogger
	}
	hub := linksim.NewHub()
	for _, p := range peripherals {
		hub.Add(p)
	}
	tr, err := New(hub, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(tr.Shutdown)
	return tr, hub
}

// descriptor builds the DeviceInfo a scan would have produced for p.
func descriptor(p *linksim.Peripheral) link.DeviceInfo {
	return link.DeviceInfo{ID: p.ID, Name: p.Name, Services: []uuid.UUID{p.Service}}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out after %s waiting for %s", d, msg)
}
