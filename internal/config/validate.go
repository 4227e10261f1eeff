package config

import (
	"errors"
	"fmt"
	"strings"

	logx "livetimeline/pkg/logx"
)

// Validate checks everything that can be checked without opening
// resources. All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Server.Addr) == "" {
		add(errors.New("server.addr: required"))
	}
	if _, err := cfg.Timeouts(); err != nil {
		add(err)
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if !logx.ValidFormat(cfg.Logging.Format) {
		add(fmt.Errorf("logging.format: unknown format %q (use text or json)", cfg.Logging.Format))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "file", "sqlite", "sqlite3":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q (use file or sqlite)", cfg.Storage.Driver))
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		add(errors.New("storage.path: required"))
	}

	if cfg.Websocket.SendBuffer < 0 {
		add(errors.New("websocket.send_buffer: must be >= 0"))
	}
	if cfg.Websocket.CommandRatePerSec < 0 {
		add(errors.New("websocket.command_rate_per_sec: must be >= 0"))
	}
	if cfg.Websocket.CommandBurst < 0 {
		add(errors.New("websocket.command_burst: must be >= 0"))
	}

	if cfg.Auth.RequireToken && len(cfg.Auth.Admins) == 0 {
		add(errors.New("auth.require_token: no admins configured"))
	}
	return errors.Join(errs...)
}
