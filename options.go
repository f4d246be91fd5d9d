package bleapdu

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Default attribute layout: one service exposing a host-to-device write
// characteristic and a device-to-host notify characteristic, in the Nordic
// UART arrangement most serial-over-BLE peripherals use.
var (
	DefaultServiceUUID = uuid.MustParse("6e400001-b5a3-f393-e0a9-e50e24dcca9e")
	DefaultWriteUUID   = uuid.MustParse("6e400002-b5a3-f393-e0a9-e50e24dcca9e")
	DefaultNotifyUUID  = uuid.MustParse("6e400003-b5a3-f393-e0a9-e50e24dcca9e")
)

// Timing defaults for negotiation and the pairing workaround.
const (
	DefaultNegotiateTimeout      = 5 * time.Second
	DefaultPairingDelayThreshold = 500 * time.Millisecond
	DefaultSettleDelay           = time.Second
	DefaultNotifyBuffer          = 32
)

// Options configures a Transport. The zero value selects every default.
type Options struct {
	// Service is the advertised service the transport scans for and talks
	// to once connected.
	Service uuid.UUID

	// WriteChar receives outgoing frames (acknowledged writes).
	WriteChar uuid.UUID

	// NotifyChar delivers incoming frames via notifications.
	NotifyChar uuid.UUID

	// NegotiateTimeout bounds the wait for the peer's MTU announcement.
	NegotiateTimeout time.Duration

	// PairingDelayThreshold is the negotiation round-trip time above which
	// a freshly paired peripheral is assumed to be in the buggy firmware
	// state that requires one disconnect/reconnect cycle to clear.
	PairingDelayThreshold time.Duration

	// SettleDelay is how long to wait between the workaround disconnect
	// and the second open attempt.
	SettleDelay time.Duration

	// SkipPairingWorkaround disables the reconnect cycle entirely.
	SkipPairingWorkaround bool

	// NotifyBuffer is the notification channel depth per session.
	NotifyBuffer int

	// Logger receives structured transport logs; nil disables logging.
	Logger *zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.Service == uuid.Nil {
		o.Service = DefaultServiceUUID
	}
	if o.WriteChar == uuid.Nil {
		o.WriteChar = DefaultWriteUUID
	}
	if o.NotifyChar == uuid.Nil {
		o.NotifyChar = DefaultNotifyUUID
	}
	if o.NegotiateTimeout <= 0 {
		o.NegotiateTimeout = DefaultNegotiateTimeout
	}
	if o.PairingDelayThreshold <= 0 {
		o.PairingDelayThreshold = DefaultPairingDelayThreshold
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = DefaultSettleDelay
	}
	if o.NotifyBuffer <= 0 {
		o.NotifyBuffer = DefaultNotifyBuffer
	}
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
	return o
}

// Validate rejects option sets that cannot work.
func (o Options) Validate() error {
	if o.WriteChar != uuid.Nil && o.WriteChar == o.NotifyChar {
		return fmt.Errorf("bleapdu: write and notify characteristics must differ")
	}
	return nil
}

// fileOptions is the TOML shape of Options. Durations are written as Go
// duration strings ("500ms", "5s").
type fileOptions struct {
	Service               string `toml:"service"`
	WriteCharacteristic   string `toml:"write_characteristic"`
	NotifyCharacteristic  string `toml:"notify_characteristic"`
	NegotiateTimeout      string `toml:"negotiate_timeout"`
	PairingDelayThreshold string `toml:"pairing_delay_threshold"`
	SettleDelay           string `toml:"settle_delay"`
	SkipPairingWorkaround bool   `toml:"skip_pairing_workaround"`
	NotifyBuffer          int    `toml:"notify_buffer"`
}

// LoadOptions reads Options from a TOML file. Omitted keys keep their
// defaults; malformed UUIDs or durations fail the load.
func LoadOptions(path string) (Options, error) {
	var fo fileOptions
	if _, err := toml.DecodeFile(path, &fo); err != nil {
		return Options{}, fmt.Errorf("bleapdu: load options %s: %w", path, err)
	}

	var opts Options
	var err error
	if opts.Service, err = parseUUID(fo.Service, "service"); err != nil {
		return Options{}, err
	}
	if opts.WriteChar, err = parseUUID(fo.WriteCharacteristic, "write_characteristic"); err != nil {
		return Options{}, err
	}
	if opts.NotifyChar, err = parseUUID(fo.NotifyCharacteristic, "notify_characteristic"); err != nil {
		return Options{}, err
	}
	if opts.NegotiateTimeout, err = parseDuration(fo.NegotiateTimeout, "negotiate_timeout"); err != nil {
		return Options{}, err
	}
	if opts.PairingDelayThreshold, err = parseDuration(fo.PairingDelayThreshold, "pairing_delay_threshold"); err != nil {
		return Options{}, err
	}
	if opts.SettleDelay, err = parseDuration(fo.SettleDelay, "settle_delay"); err != nil {
		return Options{}, err
	}
	opts.SkipPairingWorkaround = fo.SkipPairingWorkaround
	opts.NotifyBuffer = fo.NotifyBuffer

	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

func parseUUID(raw, key string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("bleapdu: option %s: %w", key, err)
	}
	return id, nil
}

func parseDuration(raw, key string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("bleapdu: option %s: %w", key, err)
	}
	return d, nil
}
