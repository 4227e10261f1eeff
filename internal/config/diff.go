package config

import (
	"reflect"
	"strings"

	logx "livetimeline/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes passwords or the
// token secret), and (3) the changed sections that only take effect after a
// restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)
	var restart []string

	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		changed = append(changed, "server")
		restart = append(restart, "server")
		attrs = append(attrs,
			logx.String("server.addr", strings.TrimSpace(newCfg.Server.Addr)),
			logx.Int("server.allowed_origins", len(newCfg.Server.AllowedOrigins)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		// flush_schedule alone is live; everything else reopens the store.
		o, n := oldCfg.Storage, newCfg.Storage
		o.FlushSchedule, n.FlushSchedule = "", ""
		if o != n {
			restart = append(restart, "storage")
		}
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
			logx.String("storage.flush_schedule", newCfg.Storage.FlushSchedule),
		)
	}

	if !reflect.DeepEqual(oldCfg.Auth, newCfg.Auth) {
		changed = append(changed, "auth")
		if oldCfg.Auth.TokenSecret != newCfg.Auth.TokenSecret || oldCfg.Auth.TokenTTL != newCfg.Auth.TokenTTL {
			restart = append(restart, "auth.token")
		}
		attrs = append(attrs,
			logx.Int("auth.admin_count", len(newCfg.Auth.Admins)),
			logx.Bool("auth.require_token", newCfg.Auth.RequireToken),
			logx.Bool("auth.token_secret_set", newCfg.Auth.TokenSecret != ""),
		)
	}

	if oldCfg.Websocket != newCfg.Websocket {
		changed = append(changed, "websocket")
		o, n := oldCfg.Websocket, newCfg.Websocket
		o.CommandRatePerSec, n.CommandRatePerSec = 0, 0
		o.CommandBurst, n.CommandBurst = 0, 0
		if o != n {
			restart = append(restart, "websocket")
		}
		attrs = append(attrs,
			logx.Any("websocket.command_rate_per_sec", newCfg.Websocket.CommandRatePerSec),
			logx.Int("websocket.command_burst", newCfg.Websocket.CommandBurst),
		)
	}

	return changed, attrs, restart
}
