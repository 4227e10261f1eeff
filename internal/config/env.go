package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// envOverrides are process environment values that win over the file.
type envOverrides struct {
	Addr          string `env:"TIMELINE_ADDR"`
	StorageDriver string `env:"TIMELINE_STORAGE_DRIVER"`
	StoragePath   string `env:"TIMELINE_STORAGE_PATH"`
	LogLevel      string `env:"TIMELINE_LOG_LEVEL"`
	TokenSecret   string `env:"TIMELINE_TOKEN_SECRET"`
}

// ApplyEnv overlays TIMELINE_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	var raw envOverrides
	if err := env.Parse(&raw); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if raw.Addr != "" {
		cfg.Server.Addr = raw.Addr
	}
	if raw.StorageDriver != "" {
		cfg.Storage.Driver = raw.StorageDriver
	}
	if raw.StoragePath != "" {
		cfg.Storage.Path = raw.StoragePath
	}
	if raw.LogLevel != "" {
		cfg.Logging.Level = raw.LogLevel
	}
	if raw.TokenSecret != "" {
		cfg.Auth.TokenSecret = raw.TokenSecret
	}
	return nil
}
