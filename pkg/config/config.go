// Package config defines the service configuration: storage backends,
// rule file location, server, escalation schedule, telemetry, and
// notifications. Configuration loads from YAML with environment
// variable overrides.
package config

import (
	"time"
)

// Config is the root configuration.
type Config struct {
	// Server configures the HTTP ops API.
	Server ServerConfig `yaml:"server"`

	// Storage configures the persistence backends.
	Storage StorageConfig `yaml:"storage"`

	// Rules configures rule loading and hot reload.
	Rules RulesConfig `yaml:"rules"`

	// Escalation configures the follow-up SLA sweep.
	Escalation EscalationConfig `yaml:"escalation"`

	// Telemetry configures logging and metrics.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Notifications configures the async event dispatcher.
	Notifications NotificationsConfig `yaml:"notifications"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// ListenAddress is the host:port the server binds to.
	ListenAddress string `yaml:"listen_address"`

	// ReadTimeout bounds request reads.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout bounds response writes.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// IdleTimeout bounds idle keep-alive connections.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects and configures the persistence backends.
type StorageConfig struct {
	// Backend is "sqlite" or "memory". The memory backend is for tests
	// and local experiments only.
	Backend string `yaml:"backend"`

	// InterventionPath is the SQLite database file for interventions,
	// workflow instances, and rule firings.
	InterventionPath string `yaml:"intervention_path"`

	// AuditPath is the SQLite database file for the audit log. Kept
	// separate so the append-only log can be backed up and retained on
	// its own schedule.
	AuditPath string `yaml:"audit_path"`

	// BusyTimeout is the SQLite busy timeout.
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// RulesConfig configures rule and workflow definition loading.
type RulesConfig struct {
	// Path is a YAML file or directory of YAML files.
	Path string `yaml:"path"`

	// Watch enables hot reload on file changes.
	Watch bool `yaml:"watch"`

	// DebounceInterval is the quiet period before a reload fires.
	DebounceInterval time.Duration `yaml:"debounce_interval"`
}

// EscalationConfig configures the SLA sweep.
type EscalationConfig struct {
	// Schedule is a standard cron expression; empty disables the sweep.
	Schedule string `yaml:"schedule"`
}

// TelemetryConfig configures logging and metrics.
type TelemetryConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is "debug", "info", "warn", or "error".
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`

	// AddSource includes file:line in log records.
	AddSource bool `yaml:"add_source"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	// Enabled exposes the /metrics endpoint.
	Enabled bool `yaml:"enabled"`

	// Namespace prefixes every metric name.
	Namespace string `yaml:"namespace"`
}

// NotificationsConfig configures the async event dispatcher.
type NotificationsConfig struct {
	// Enabled turns event dispatch on.
	Enabled bool `yaml:"enabled"`

	// BufferSize is the dispatch queue depth; events beyond it are
	// dropped and counted.
	BufferSize int `yaml:"buffer_size"`
}

// DefaultConfig returns the configuration used when a field is absent
// from the file.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:   ":8484",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			Backend:          "sqlite",
			InterventionPath: "meridian.db",
			AuditPath:        "meridian-audit.db",
			BusyTimeout:      5 * time.Second,
		},
		Rules: RulesConfig{
			Path:             "rules.yaml",
			Watch:            true,
			DebounceInterval: 250 * time.Millisecond,
		},
		Escalation: EscalationConfig{
			Schedule: "0 * * * *",
		},
		Telemetry: TelemetryConfig{
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "meridian",
			},
		},
		Notifications: NotificationsConfig{
			Enabled:    true,
			BufferSize: 256,
		},
	}
}

// ApplyDefaults fills zero-valued fields from DefaultConfig.
func ApplyDefaults(cfg *Config) {
	def := DefaultConfig()

	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = def.Server.ListenAddress
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = def.Server.ReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = def.Server.WriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = def.Server.IdleTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = def.Storage.Backend
	}
	if cfg.Storage.InterventionPath == "" {
		cfg.Storage.InterventionPath = def.Storage.InterventionPath
	}
	if cfg.Storage.AuditPath == "" {
		cfg.Storage.AuditPath = def.Storage.AuditPath
	}
	if cfg.Storage.BusyTimeout == 0 {
		cfg.Storage.BusyTimeout = def.Storage.BusyTimeout
	}

	if cfg.Rules.Path == "" {
		cfg.Rules.Path = def.Rules.Path
	}
	if cfg.Rules.DebounceInterval == 0 {
		cfg.Rules.DebounceInterval = def.Rules.DebounceInterval
	}

	if cfg.Telemetry.Logging.Level == "" {
		cfg.Telemetry.Logging.Level = def.Telemetry.Logging.Level
	}
	if cfg.Telemetry.Logging.Format == "" {
		cfg.Telemetry.Logging.Format = def.Telemetry.Logging.Format
	}
	if cfg.Telemetry.Metrics.Namespace == "" {
		cfg.Telemetry.Metrics.Namespace = def.Telemetry.Metrics.Namespace
	}

	if cfg.Notifications.BufferSize == 0 {
		cfg.Notifications.BufferSize = def.Notifications.BufferSize
	}
}
