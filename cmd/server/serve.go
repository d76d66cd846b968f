package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/recipebox/recipebox/internal/api"
	"github.com/recipebox/recipebox/internal/auth"
	"github.com/recipebox/recipebox/internal/blocking"
	"github.com/recipebox/recipebox/internal/cache"
	"github.com/recipebox/recipebox/internal/config"
	"github.com/recipebox/recipebox/internal/database"
	"github.com/recipebox/recipebox/internal/eventbus"
	"github.com/recipebox/recipebox/internal/metrics"
	"github.com/recipebox/recipebox/internal/orchestrator"
	"github.com/recipebox/recipebox/internal/queue"
	"github.com/recipebox/recipebox/internal/reporting"
	"github.com/recipebox/recipebox/internal/search"
	"github.com/recipebox/recipebox/internal/shutdown"
	"github.com/recipebox/recipebox/internal/stream"
	"github.com/recipebox/recipebox/internal/supervisor"
	"github.com/recipebox/recipebox/internal/watch"
)

// startupTimeout bounds connecting to the database and Redis and running
// migrations.
const startupTimeout = 30 * time.Second

// reportFlushTimeout bounds delivery of pending error reports at exit.
const reportFlushTimeout = 2 * time.Second

// Job names as shown by the admin API and metrics.
const (
	jobQueue      = "queue"
	jobSearchSync = "search-sync"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the server (default command)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts.ConfigPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	// Initialize structured logger
	logger, logFile, err := initLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logFile.Close()
	slog.SetDefault(logger)

	logger.Info("Starting recipebox",
		"version", version,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"config", configPath,
	)

	reporter, err := reporting.New(cfg.Sentry, "recipebox@"+version, logger)
	if err != nil {
		return err
	}
	defer reporter.Flush(reportFlushTimeout)

	cfgs := watch.New(cfg)
	defer cfgs.Close()

	sig := shutdown.New()
	stopSignals := sig.NotifyOS(ctx, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	reg := metrics.NewRegistry()

	bus := eventbus.New(
		eventbus.Config{Capacity: cfg.Events.SubscriberCapacity},
		eventbus.WithObserver(reg),
		eventbus.WithLogger(logger),
	)
	bus.CloseOn(sig.Done())
	logger.Info("Event bus initialized", "subscriber_capacity", cfg.Events.SubscriberCapacity)

	// Hot reload
	watcher := config.NewWatcher(configPath, cfgs,
		config.WithWatchLogger(logger),
		config.WithOnReload(func(_, _ *config.Config, version uint64) {
			reg.ConfigReloaded(version)
			bus.Publish(eventbus.NewNotification(eventbus.KindConfigReloaded, eventbus.ConfigReloaded{
				Version: version,
				Source:  configPath,
			}))
		}),
	)
	if err := watcher.Start(); err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}
	defer watcher.Stop()

	startCtx, cancel := startupContext(ctx, sig)
	defer cancel()

	// Initialize database connection
	db, err := database.Connect(startCtx, cfg.Database, logger)
	if err != nil {
		return startupError(startCtx, sig, logger, err)
	}
	defer db.Close()

	// Run embedded migrations (compiled into the binary)
	if err := database.RunMigrations(startCtx, db, logger); err != nil {
		return startupError(startCtx, sig, logger, err)
	}

	sessions, err := cache.New(startCtx, cfg.Redis, logger)
	if err != nil {
		return startupError(startCtx, sig, logger, err)
	}
	defer sessions.Close()

	pool := blocking.NewPool(cfg.Blocking.MaxConcurrent)
	authService := auth.NewService(cfgs, pool)

	// Background jobs
	worker := queue.NewWorker(queue.NewPgStore(db), cfgs, queue.WithLogger(logger))
	worker.Register(queue.KindNotify, queue.NotifyHandler(bus))

	index := search.NewMeiliIndex(func() config.SearchConfig { return cfgs.Current().Search }, &http.Client{})
	syncer := search.NewSyncer(search.NewPgSource(db), index, cfgs,
		search.WithLogger(logger),
		search.WithBus(bus),
	)

	jobOpts := []supervisor.Option{
		supervisor.WithBackoff(backoffFrom(cfg.Supervisor)),
		supervisor.WithFatalRule(database.IsFatal),
		supervisor.WithObserver(supervisor.Observers{reg, orchestrator.NewJobNotifier(bus), reporter}),
		supervisor.WithLogger(logger),
	}

	orch := orchestrator.New(sig,
		orchestrator.WithGracePeriod(cfg.Shutdown.GracePeriod()),
		orchestrator.WithFailureReporter(reporter),
		orchestrator.WithLogger(logger),
	)
	for _, job := range []*supervisor.Supervisor{
		supervisor.New(jobQueue, worker.Run, jobOpts...),
		supervisor.New(jobSearchSync, syncer.Run, jobOpts...),
	} {
		if err := orch.Add(job); err != nil {
			return err
		}
	}

	// Client push streams
	lagPolicy, err := stream.ParseLagPolicy(cfg.Events.LagPolicy)
	if err != nil {
		return err
	}
	bridge := stream.NewBridge(bus, sig,
		stream.WithKeepAlive(cfg.Events.KeepAlive()),
		stream.WithLagPolicy(lagPolicy),
		stream.WithObserver(reg),
		stream.WithLogger(logger),
	)

	// Listener
	router := api.NewRouter(&api.Dependencies{
		Configs: cfgs,
		Signal:  sig,
		Bus:     bus,
		Bridge:  bridge,
		Jobs:    orch,
		Auth:    authService,
		DB: api.PingFunc(func(ctx context.Context) error {
			return database.Ping(ctx, db)
		}),
		Redis:    sessions,
		Queue:    worker,
		Reloader: watcher,
		Metrics:  reg.Handler(),
		Panics:   reporter,
		Logger:   logger,
	})
	server := api.NewServer(router, cfg.Server, cfg.Shutdown.GracePeriod(), logger)
	orch.AddListener("http", server.Run)

	err = orch.Run(ctx)
	if err != nil {
		logger.Error("recipebox stopped with error", "reason", sig.Reason(), "error", err)
		return err
	}
	logger.Info("recipebox stopped", "reason", sig.Reason())
	return nil
}

// startupContext bounds startup by startupTimeout and aborts it as soon as
// the shutdown signal fires.
func startupContext(ctx context.Context, sig *shutdown.Signal) (context.Context, context.CancelFunc) {
	sigCtx, stop := sig.Context(ctx)
	startCtx, cancel := context.WithTimeout(sigCtx, startupTimeout)
	return startCtx, func() {
		cancel()
		stop()
	}
}

// startupError treats a startup step aborted by the shutdown signal as a
// clean stop.
func startupError(startCtx context.Context, sig *shutdown.Signal, logger *slog.Logger, err error) error {
	if errors.Is(context.Cause(startCtx), shutdown.ErrShutdown) {
		logger.Info("startup interrupted", "reason", sig.Reason(), "error", err)
		return nil
	}
	return err
}

func backoffFrom(cfg config.SupervisorConfig) supervisor.Backoff {
	return supervisor.Backoff{
		Min:        cfg.MinBackoff(),
		Max:        cfg.MaxBackoff(),
		Multiplier: cfg.Multiplier,
		ResetAfter: cfg.ResetAfter(),
	}
}
