package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultShutdownTimeout   = 10 * time.Second
	DefaultBusyTimeout       = 5 * time.Second
	DefaultSaveTimeout       = 5 * time.Second
)

// Timeouts holds every duration of a Config, parsed. Fields with a default
// above get it when unset; the rest stay zero and the consuming component
// picks its own default.
type Timeouts struct {
	ReadHeader time.Duration
	Shutdown   time.Duration
	Command    time.Duration
	Busy       time.Duration
	Save       time.Duration
	TokenTTL   time.Duration
	Ping       time.Duration
	Write      time.Duration
}

// Timeouts parses the duration strings of c. Every bad field is reported,
// prefixed with its key.
func (c *Config) Timeouts() (Timeouts, error) {
	var t Timeouts
	fields := []struct {
		key string
		raw string
		dst *time.Duration
		def time.Duration
	}{
		{"server.read_header_timeout", c.Server.ReadHeaderTimeout, &t.ReadHeader, DefaultReadHeaderTimeout},
		{"server.shutdown_timeout", c.Server.ShutdownTimeout, &t.Shutdown, DefaultShutdownTimeout},
		{"server.command_timeout", c.Server.CommandTimeout, &t.Command, 0},
		{"storage.busy_timeout", c.Storage.BusyTimeout, &t.Busy, DefaultBusyTimeout},
		{"storage.save_timeout", c.Storage.SaveTimeout, &t.Save, DefaultSaveTimeout},
		{"auth.token_ttl", c.Auth.TokenTTL, &t.TokenTTL, 0},
		{"websocket.ping_interval", c.Websocket.PingInterval, &t.Ping, 0},
		{"websocket.write_timeout", c.Websocket.WriteTimeout, &t.Write, 0},
	}
	var errs []error
	for _, f := range fields {
		d, err := parseDuration(f.raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.key, err))
			continue
		}
		if d == 0 {
			d = f.def
		}
		*f.dst = d
	}
	return t, errors.Join(errs...)
}

func parseDuration(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q is negative", raw)
	}
	return d, nil
}
