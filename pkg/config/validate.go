package config

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

// Validate checks the configuration for errors a running service could
// not recover from.
func Validate(cfg *Config) error {
	switch cfg.Storage.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("storage.backend must be \"sqlite\" or \"memory\", got %q", cfg.Storage.Backend)
	}

	if cfg.Storage.Backend == "sqlite" {
		if cfg.Storage.InterventionPath == "" {
			return fmt.Errorf("storage.intervention_path is required for the sqlite backend")
		}
		if cfg.Storage.AuditPath == "" {
			return fmt.Errorf("storage.audit_path is required for the sqlite backend")
		}
		if cfg.Storage.InterventionPath == cfg.Storage.AuditPath {
			return fmt.Errorf("storage.intervention_path and storage.audit_path must differ")
		}
	}

	if cfg.Rules.Path == "" {
		return fmt.Errorf("rules.path is required")
	}
	if cfg.Rules.DebounceInterval < 0 {
		return fmt.Errorf("rules.debounce_interval cannot be negative")
	}

	if cfg.Escalation.Schedule != "" {
		if _, err := cron.ParseStandard(cfg.Escalation.Schedule); err != nil {
			return fmt.Errorf("escalation.schedule is not a valid cron expression: %w", err)
		}
	}

	if cfg.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address is required")
	}

	if cfg.Notifications.BufferSize < 0 {
		return fmt.Errorf("notifications.buffer_size cannot be negative")
	}

	return nil
}
