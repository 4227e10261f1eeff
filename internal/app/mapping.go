package app

import (
	"fmt"
	"strings"
	"time"

	"livetimeline/internal/auth"
	"livetimeline/internal/config"
	"livetimeline/internal/dispatcher"
	"livetimeline/internal/storage"
	"livetimeline/internal/transport/httpapi"
	"livetimeline/internal/transport/push"
	logx "livetimeline/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	t, err := cfg.Timeouts()
	if err != nil {
		return storage.Config{}, err
	}
	sc := cfg.Storage
	path := strings.TrimSpace(sc.Path)
	switch driver := strings.ToLower(strings.TrimSpace(sc.Driver)); driver {
	case "", "file":
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: t.Busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDispatcherConfig(cfg *config.Config) (dispatcher.Config, error) {
	t, err := cfg.Timeouts()
	if err != nil {
		return dispatcher.Config{}, err
	}
	return dispatcher.Config{SaveTimeout: t.Save}, nil
}

func mapAdmins(cfg *config.Config) []auth.Admin {
	out := make([]auth.Admin, 0, len(cfg.Auth.Admins))
	for _, a := range cfg.Auth.Admins {
		out = append(out, auth.Admin{
			Email:        a.Email,
			Name:         a.Name,
			Password:     a.Password,
			PasswordHash: a.PasswordHash,
		})
	}
	return out
}

func mapPushConfig(cfg *config.Config) (push.Config, error) {
	t, err := cfg.Timeouts()
	if err != nil {
		return push.Config{}, err
	}
	return push.Config{
		SendBuffer:     cfg.Websocket.SendBuffer,
		CommandRate:    cfg.Websocket.CommandRatePerSec,
		CommandBurst:   cfg.Websocket.CommandBurst,
		PingInterval:   t.Ping,
		WriteTimeout:   t.Write,
		RequireToken:   cfg.Auth.RequireToken,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		CommandTimeout: t.Command,
	}, nil
}

func mapAPIConfig(cfg *config.Config) (httpapi.Config, error) {
	t, err := cfg.Timeouts()
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequireToken:   cfg.Auth.RequireToken,
		CommandTimeout: t.Command,
	}, nil
}

func mapTokenTTL(cfg *config.Config) (time.Duration, error) {
	t, err := cfg.Timeouts()
	if err != nil {
		return 0, err
	}
	if t.TokenTTL <= 0 {
		return auth.DefaultTokenTTL, nil
	}
	return t.TokenTTL, nil
}
