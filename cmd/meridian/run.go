package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"meridian-hq/meridian/pkg/audit"
	auditstorage "meridian-hq/meridian/pkg/audit/storage"
	"meridian-hq/meridian/pkg/cli"
	"meridian-hq/meridian/pkg/config"
	"meridian-hq/meridian/pkg/escalation"
	"meridian-hq/meridian/pkg/impact"
	"meridian-hq/meridian/pkg/intervention"
	ivstorage "meridian-hq/meridian/pkg/intervention/storage"
	"meridian-hq/meridian/pkg/metric"
	"meridian-hq/meridian/pkg/notify"
	"meridian-hq/meridian/pkg/rule"
	rengine "meridian-hq/meridian/pkg/rule/engine"
	"meridian-hq/meridian/pkg/rule/source"
	"meridian-hq/meridian/pkg/server"
	"meridian-hq/meridian/pkg/telemetry/logging"
	"meridian-hq/meridian/pkg/telemetry/metrics"
	"meridian-hq/meridian/pkg/workflow"
	wfengine "meridian-hq/meridian/pkg/workflow/engine"
)

var runFlags struct {
	listenAddress string
	logLevel      string
	dryRun        bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the Meridian service",
	Long: `Start the Meridian service with the specified configuration.

The service loads rules and workflow definitions, opens the storage
backends, and serves the HTTP ops API. With rule watching enabled,
changes to the rule files reload without a restart.

Examples:
  # Start with default config
  meridian run

  # Start with custom config
  meridian run --config /etc/meridian/config.yaml

  # Override listen address
  meridian run --listen 0.0.0.0:8080

  # Validate config without starting
  meridian run --dry-run`,
	RunE: runService,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override listen address")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting the service")
}

func runService(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return cli.NewCommandError("run", err)
	}

	if runFlags.listenAddress != "" {
		cfg.Server.ListenAddress = runFlags.listenAddress
	}
	if runFlags.logLevel != "" {
		cfg.Telemetry.Logging.Level = runFlags.logLevel
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	logger, err := logging.Setup(logging.Config{
		Level:     cfg.Telemetry.Logging.Level,
		Format:    cfg.Telemetry.Logging.Format,
		AddSource: cfg.Telemetry.Logging.AddSource,
	})
	if err != nil {
		return cli.NewCommandError("run", err)
	}

	if runFlags.dryRun {
		fmt.Println("✓ Configuration valid")
		return nil
	}

	ctx := cli.SetupSignalHandler()

	// Storage backends.
	store, auditStore, err := openStorage(cfg)
	if err != nil {
		return cli.NewCommandError("run", err)
	}
	defer store.Close()
	defer auditStore.Close()

	log, err := audit.NewLog(ctx, auditStore)
	if err != nil {
		return cli.NewCommandError("run", err)
	}

	var collector *metrics.Collector
	if cfg.Telemetry.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.Telemetry.Metrics.Namespace, nil)
		log.SetAppendObserver(collector.RecordAuditAppend)
	}

	var dispatcher notify.Dispatcher = notify.NopDispatcher{}
	if cfg.Notifications.Enabled {
		async := notify.NewAsyncDispatcher(notify.NewSlogSink(), cfg.Notifications.BufferSize)
		defer async.Close()
		dispatcher = async
	}

	// Registries and rule loading.
	rules := rule.NewRegistry()
	workflows := workflow.NewRegistry()
	fileSource := source.NewFileSource(cfg.Rules.Path, logger)
	reloader := source.NewReloader(fileSource, rules, workflows, log)
	if err := reloader.Reload(ctx); err != nil {
		return cli.NewCommandError("run", fmt.Errorf("initial rule load failed: %w", err))
	}

	if cfg.Rules.Watch {
		watcherCfg := source.DefaultWatcherConfig(cfg.Rules.Path)
		watcherCfg.DebounceInterval = cfg.Rules.DebounceInterval
		watcher, err := source.NewWatcher(watcherCfg, logger)
		if err != nil {
			return cli.NewCommandError("run", err)
		}
		go func() {
			if err := watcher.Watch(ctx, func() error { return reloader.Reload(ctx) }); err != nil {
				logger.Error("rule watcher exited", "error", err)
			}
		}()
	}

	// Engines.
	wfEngine := wfengine.New(store, workflows, log, dispatcher)
	ruleEngine := rengine.New(rules, store, wfEngine, log, dispatcher)
	if collector != nil {
		wfEngine.SetCollector(collector)
		ruleEngine.SetCollector(collector)
	}

	snapshots := metric.NewMemorySource()
	analyzer := impact.NewAnalyzer(store, snapshots)

	// SLA sweep.
	sweeper := escalation.NewSweeper(store, wfEngine)
	scheduler := escalation.NewScheduler(sweeper, cfg.Escalation.Schedule)
	if err := scheduler.Start(ctx); err != nil {
		return cli.NewCommandError("run", err)
	}
	defer scheduler.Stop()

	srv := server.New(cfg.Server, server.Deps{
		Recorder:   snapshots,
		Rules:      rules,
		RuleEngine: ruleEngine,
		Workflows:  wfEngine,
		Store:      store,
		AuditLog:   log,
		Analyzer:   analyzer,
		Collector:  collector,
	})

	if err := srv.Start(ctx); err != nil {
		return cli.NewCommandError("run", err)
	}
	return nil
}

// openStorage opens the configured intervention store and audit
// storage.
func openStorage(cfg *config.Config) (intervention.Store, audit.Storage, error) {
	if cfg.Storage.Backend == "memory" {
		return ivstorage.NewMemoryStore(), auditstorage.NewMemoryStorage(), nil
	}

	store, err := ivstorage.NewSQLiteStore(ivstorage.SQLiteConfig{
		Path:        cfg.Storage.InterventionPath,
		BusyTimeout: cfg.Storage.BusyTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("opening intervention store: %w", err)
	}

	auditStore, err := auditstorage.NewSQLiteStorage(auditstorage.SQLiteConfig{
		Path:        cfg.Storage.AuditPath,
		BusyTimeout: cfg.Storage.BusyTimeout,
	})
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("opening audit storage: %w", err)
	}

	return store, auditStore, nil
}
