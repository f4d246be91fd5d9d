// Package logging wires zerolog for the transport's binaries and tests.
// Libraries embedding the transport should instead pass their own logger
// through Options and leave the global logger alone.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Environment overrides, applied on top of the profile defaults.
const (
	EnvLogLevel   = "BLEAPDU_LOG_LEVEL"
	EnvLogNoColor = "BLEAPDU_LOG_NOCOLOR"
	EnvLogJSON    = "BLEAPDU_LOG_JSON"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

type config struct {
	level   zerolog.Level
	noColor bool
	json    bool
}

var (
	configureOnce sync.Once
	root          zerolog.Logger
)

// ConfigureRuntime sets up logging for a long-running process.
func ConfigureRuntime(app string) zerolog.Logger {
	return Configure(ProfileRuntime, app)
}

// ConfigureTests sets up verbose, plain logging for test runs.
func ConfigureTests() zerolog.Logger {
	return Configure(ProfileTest, "test")
}

// Configure builds the root logger once and installs it as zerolog's
// global logger. Later calls return the first result unchanged.
func Configure(profile Profile, app string) zerolog.Logger {
	configureOnce.Do(func() {
		cfg := defaultConfig(profile)
		applyEnvOverrides(&cfg)

		var w io.Writer = os.Stderr
		if !cfg.json {
			w = zerolog.ConsoleWriter{
				Out:        os.Stderr,
				TimeFormat: time.RFC3339,
				NoColor:    cfg.noColor,
			}
		}
		root = zerolog.New(w).Level(cfg.level).With().Timestamp().Str("app", app).Logger()
		log.Logger = root
	})
	return root
}

func defaultConfig(profile Profile) config {
	switch profile {
	case ProfileTest:
		return config{level: zerolog.DebugLevel, noColor: true}
	default:
		return config{level: zerolog.InfoLevel}
	}
}

func applyEnvOverrides(cfg *config) {
	if lvl, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.level = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		cfg.noColor = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogJSON)); ok {
		cfg.json = v
	}
}

func parseLevel(raw string) (zerolog.Level, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	switch raw {
	case "":
		return zerolog.InfoLevel, false
	case "off", "none":
		return zerolog.Disabled, true
	}
	lvl, err := zerolog.ParseLevel(raw)
	if err != nil {
		return zerolog.InfoLevel, false
	}
	return lvl, true
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
