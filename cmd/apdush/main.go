// Command apdush is an interactive harness for the APDU transport. It
// runs against a simulated link with a few scripted peripherals, so the
// whole open/exchange/disconnect surface can be exercised without a
// radio.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli"

	"github.com/user/bleapdu"
	"github.com/user/bleapdu/link"
	"github.com/user/bleapdu/linksim"
	"github.com/user/bleapdu/logging"
)

var (
	hub       *linksim.Hub
	transport *bleapdu.Transport
	logger    zerolog.Logger
)

func main() {
	app := cli.NewApp()

	app.Name = "apdush"
	app.Usage = "APDU-over-BLE transport shell (simulated link)"
	app.Version = "0.1.0"
	app.Action = cli.ShowAppHelp
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "TOML options file",
		},
	}

	app.Commands = []cli.Command{
		{
			Name:    "scan",
			Aliases: []string{"s"},
			Usage:   "List devices advertising the transport service",
			Action:  scan,
			Flags: []cli.Flag{
				cli.DurationFlag{Name: "duration, d", Value: time.Second, Usage: "how long to listen"},
			},
		},
		{
			Name:    "open",
			Aliases: []string{"o"},
			Usage:   "Open a device and print the negotiated session",
			Action:  open,
			Flags: []cli.Flag{
				cli.StringFlag{Name: "device, i", Usage: "device ID (defaults to the first one found)"},
				cli.DurationFlag{Name: "timeout, t", Value: 10 * time.Second, Usage: "open timeout"},
			},
		},
		{
			Name:    "exchange",
			Aliases: []string{"x"},
			Usage:   "Send a hex APDU and print the hex response",
			Action:  exchange,
			Flags: []cli.Flag{
				cli.StringFlag{Name: "device, i", Usage: "device ID (defaults to the first one found)"},
				cli.StringFlag{Name: "apdu, a", Value: "b001000000", Usage: "request APDU as hex"},
				cli.IntFlag{Name: "count, n", Value: 1, Usage: "repetitions"},
				cli.DurationFlag{Name: "timeout, t", Value: 10 * time.Second, Usage: "per-run timeout"},
			},
		},
		{
			Name:   "disconnect",
			Usage:  "Force-evict a device's session and sever its link",
			Action: disconnect,
			Flags: []cli.Flag{
				cli.StringFlag{Name: "device, i", Usage: "device ID"},
			},
		},
	}

	app.Before = setup
	defer func() {
		if transport != nil {
			transport.Shutdown()
		}
	}()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup builds the simulated air and the transport over it.
func setup(c *cli.Context) error {
	if transport != nil {
		return nil
	}
	logger = logging.ConfigureRuntime("apdush")

	opts := bleapdu.Options{}
	if path := c.GlobalString("config"); path != "" {
		loaded, err := bleapdu.LoadOptions(path)
		if err != nil {
			return err
		}
		opts = loaded
	}
	opts.Logger = &logger

	hub = linksim.NewHub()
	hub.Add(echoDevice())
	hub.Add(statusDevice())
	hub.Add(slothDevice())

	t, err := bleapdu.New(hub, opts)
	if err != nil {
		return err
	}
	transport = t
	return nil
}

// echoDevice answers every request with its own bytes over a roomy link.
func echoDevice() *linksim.Peripheral {
	p := linksim.NewPeripheral("SIM-ECHO-0001", "Echo One")
	p.AnnounceMTU = 158
	return p
}

// statusDevice appends an ok status word, the way smartcards answer.
func statusDevice() *linksim.Peripheral {
	p := linksim.NewPeripheral("SIM-STAT-0002", "Status Two")
	p.Handle = func(req []byte) []byte {
		return append(append([]byte(nil), req...), 0x90, 0x00)
	}
	return p
}

// slothDevice stalls its first size announcement long enough to trip the
// reconnect workaround.
func slothDevice() *linksim.Peripheral {
	p := linksim.NewPeripheral("SIM-SLOW-0003", "Sloth")
	p.NegotiateDelay = 700 * time.Millisecond
	return p
}

func scan(c *cli.Context) error {
	dur := c.Duration("duration")
	fmt.Printf("Scanning for %s...\n", dur)
	stop, err := transport.Listen(func(dev link.DeviceInfo) {
		fmt.Printf("  %-16s %-12q services=%v\n", dev.ID, dev.Name, dev.Services)
	})
	if err != nil {
		return err
	}
	defer stop()
	time.Sleep(dur)
	return nil
}

func open(c *cli.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
	defer cancel()

	s, err := openTarget(ctx, c.String("device"))
	if err != nil {
		return err
	}
	fmt.Printf("Session %s (%s): state=%s budget=%d\n", s.ID(), s.Name(), s.State(), s.PacketBudget())
	return nil
}

func exchange(c *cli.Context) error {
	apdu, err := parseHex(c.String("apdu"))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
	defer cancel()

	s, err := openTarget(ctx, c.String("device"))
	if err != nil {
		return err
	}
	for i := 0; i < c.Int("count"); i++ {
		start := time.Now()
		resp, err := s.Exchange(ctx, apdu)
		if err != nil {
			return err
		}
		fmt.Printf("=> %x\n<= %x  (%s)\n", apdu, resp, time.Since(start).Round(time.Microsecond))
	}
	return nil
}

func disconnect(c *cli.Context) error {
	id := c.String("device")
	if id == "" {
		return fmt.Errorf("disconnect needs --device")
	}
	return transport.Disconnect(id)
}

// openTarget reuses a live session when one exists, otherwise scans for
// the device and opens it.
func openTarget(ctx context.Context, id string) (*bleapdu.Session, error) {
	if id != "" {
		if s, err := transport.OpenID(id); err == nil {
			return s, nil
		}
	}
	dev, err := findDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	return transport.Open(ctx, dev)
}

func findDevice(ctx context.Context, id string) (link.DeviceInfo, error) {
	found := make(chan link.DeviceInfo, 1)
	stop, err := transport.Listen(func(dev link.DeviceInfo) {
		if id == "" || dev.ID == id {
			select {
			case found <- dev:
			default:
			}
		}
	})
	if err != nil {
		return link.DeviceInfo{}, err
	}
	defer stop()

	select {
	case dev := <-found:
		return dev, nil
	case <-ctx.Done():
		return link.DeviceInfo{}, fmt.Errorf("no device %q in range: %w", id, ctx.Err())
	}
}

func parseHex(raw string) ([]byte, error) {
	raw = strings.TrimPrefix(strings.ReplaceAll(raw, " ", ""), "0x")
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("bad hex apdu %q: %w", raw, err)
	}
	return b, nil
}
