package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "1m"); an empty duration means "use the default".
type Config struct {
	Server    ServerConfig    `json:"server"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Auth      AuthConfig      `json:"auth"`
	Websocket WebsocketConfig `json:"websocket"`
}

// ServerConfig controls the HTTP listener. Changes require a restart.
//
// Defaults (when fields are omitted/zero):
//   - addr: ":3000"
//   - allowed_origins: [] (any origin)
//   - read_header_timeout: "10s"
//   - shutdown_timeout: "10s"
//   - command_timeout: "10s"
type ServerConfig struct {
	Addr              string   `json:"addr"`
	AllowedOrigins    []string `json:"allowed_origins,omitempty"`
	ReadHeaderTimeout string   `json:"read_header_timeout,omitempty"`
	ShutdownTimeout   string   `json:"shutdown_timeout,omitempty"`
	CommandTimeout    string   `json:"command_timeout,omitempty"`
}

// LoggingConfig is applied live on reload.
type LoggingConfig struct {
	Level string `json:"level"`
	// Format of the console sink: "text" (default) or "json".
	Format  string            `json:"format"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the timeline store. Changes require a restart.
//
// Defaults (when fields are omitted/zero):
//   - driver: "file"
//   - path: "data/timeline.json"
//   - busy_timeout: "5s" (sqlite only)
//   - save_timeout: "5s"
//   - flush_schedule: "@every 30s"
type StorageConfig struct {
	Driver        string `json:"driver"`
	Path          string `json:"path"`
	BusyTimeout   string `json:"busy_timeout,omitempty"`
	SaveTimeout   string `json:"save_timeout,omitempty"`
	FlushSchedule string `json:"flush_schedule,omitempty"`
}

// AuthConfig holds the operator list and session token settings. The admin
// list and require_token are applied live on reload.
type AuthConfig struct {
	Admins       []AdminConfig `json:"admins"`
	TokenSecret  string        `json:"token_secret,omitempty"`
	TokenTTL     string        `json:"token_ttl,omitempty"`
	RequireToken bool          `json:"require_token,omitempty"`
}

// AdminConfig is one operator. Set password or password_hash (bcrypt).
type AdminConfig struct {
	Email        string `json:"email"`
	Name         string `json:"name"`
	Password     string `json:"password,omitempty"`
	PasswordHash string `json:"password_hash,omitempty"`
}

// WebsocketConfig controls push clients. Rate limits are applied live on
// reload.
//
// Defaults (when fields are omitted/zero):
//   - send_buffer: 64
//   - command_rate_per_sec: 10
//   - command_burst: 20
//   - ping_interval: "30s"
//   - write_timeout: "10s"
type WebsocketConfig struct {
	SendBuffer        int     `json:"send_buffer,omitempty"`
	CommandRatePerSec float64 `json:"command_rate_per_sec,omitempty"`
	CommandBurst      int     `json:"command_burst,omitempty"`
	PingInterval      string  `json:"ping_interval,omitempty"`
	WriteTimeout      string  `json:"write_timeout,omitempty"`
}

const (
	DefaultAddr          = ":3000"
	DefaultStorageDriver = "file"
	DefaultStoragePath   = "data/timeline.json"
	DefaultFlushSchedule = "@every 30s"
	DefaultLogLevel      = "info"
)

// ApplyDefaults fills the fields that must never be empty.
func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DefaultStorageDriver
	}
	if c.Storage.Path == "" {
		c.Storage.Path = DefaultStoragePath
	}
	if c.Storage.FlushSchedule == "" {
		c.Storage.FlushSchedule = DefaultFlushSchedule
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
}
