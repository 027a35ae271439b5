package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/djlord-it/easyflow/internal/analytics"
	"github.com/djlord-it/easyflow/internal/api"
	"github.com/djlord-it/easyflow/internal/circuitbreaker"
	"github.com/djlord-it/easyflow/internal/config"
	"github.com/djlord-it/easyflow/internal/domain"
	"github.com/djlord-it/easyflow/internal/engine"
	"github.com/djlord-it/easyflow/internal/jobs"
	"github.com/djlord-it/easyflow/internal/leaderelection"
	"github.com/djlord-it/easyflow/internal/logging"
	"github.com/djlord-it/easyflow/internal/metrics"
	"github.com/djlord-it/easyflow/internal/reconciler"
	"github.com/djlord-it/easyflow/internal/store/postgres"
	"github.com/djlord-it/easyflow/internal/tracing"
	"github.com/djlord-it/easyflow/internal/transport/amqp"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start a full node: admin API, leader-elected scheduler and dispatcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd.Context(), false)
		},
	}
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start a worker node that only executes work from the shared AMQP queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd.Context(), true)
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := postgres.Open(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return runtimeError("%w", err)
			}
			defer db.Close()

			if err := postgres.Migrate(db.DB); err != nil {
				return runtimeError("%w", err)
			}
			cmd.Println("migrations applied")
			return nil
		},
	}
}

func runNode(parent context.Context, workerOnly bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if workerOnly && cfg.WorkTransport != "amqp" {
		return &exitError{code: exitInvalidConfig, err: errors.New("worker requires WORK_TRANSPORT=amqp")}
	}

	logger := logging.New(os.Stderr, logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	slog.SetDefault(logger)
	logConfigWarnings(cfg, logger)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, "easyflow", cfg.OTLPEndpoint)
	if err != nil {
		return runtimeError("init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	db, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return runtimeError("%w", err)
	}
	defer db.Close()
	configurePool(db, cfg)
	logger.Info("db pool configured",
		"max_open", cfg.DBMaxOpenConns, "max_idle", cfg.DBMaxIdleConns,
		"max_lifetime", cfg.DBConnMaxLifetime, "max_idle_time", cfg.DBConnMaxIdleTime)

	if err := checkSchema(ctx, db.DB); err != nil {
		return runtimeError("database schema not ready (run \"easyflow migrate\"): %w", err)
	}

	store := postgres.New(db, logger)
	deps := engine.Deps{
		Begin:    store.Begin,
		Jobs:     store,
		Claims:   store,
		Messages: store,
	}

	var sink metrics.Sink
	if cfg.MetricsEnabled {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer, logger)
		deps.Metrics = sink
	}

	if cfg.AnalyticsEnabled {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		deps.Analytics = analytics.NewRedisSink(client, domain.AnalyticsConfig{
			Enabled:   true,
			Window:    cfg.AnalyticsWindow,
			Retention: cfg.AnalyticsRetention,
		}, logger).WithBreaker(circuitbreaker.New(5, 30*time.Second))
		logger.Info("analytics enabled", "redis", cfg.RedisAddr, "window", cfg.AnalyticsWindow)
	}

	var amqpQueue *amqp.WorkQueue
	if cfg.WorkTransport == "amqp" {
		amqpQueue, err = amqp.Dial(amqp.Config{URL: cfg.AMQPURL, Queue: cfg.AMQPQueue, Prefetch: cfg.DispatcherWorkers}, logger)
		if err != nil {
			return runtimeError("%w", err)
		}
		defer amqpQueue.Close()
		deps.Queue = amqpQueue
	}

	eng := engine.New(engine.Config{
		NodeName:         cfg.NodeName,
		Workers:          cfg.DispatcherWorkers,
		QueueSize:        cfg.WorkQueueSize,
		DrainTimeout:     cfg.DispatcherDrainTimeout,
		AllowImmediate:   cfg.AllowImmediateWork,
		MisfireThreshold: cfg.MisfireThreshold,
		CandidateLimit:   cfg.CorrelationCandidateLimit,
	}, deps, logger)

	if err := eng.Start(ctx); err != nil {
		return runtimeError("start dispatcher: %w", err)
	}
	if amqpQueue != nil {
		if err := amqpQueue.Start(ctx, cfg.NodeName); err != nil {
			eng.Stop()
			return runtimeError("start consumer: %w", err)
		}
	}

	if workerOnly {
		logger.Info("worker started", "node", cfg.NodeName, "workers", cfg.DispatcherWorkers)
		<-ctx.Done()
		logger.Info("shutting down")
		eng.Stop()
		logger.Info("stopped")
		return nil
	}

	var defs []jobs.Definition
	if cfg.JobsFile != "" {
		defs, err = jobs.LoadFile(cfg.JobsFile)
		if err != nil {
			eng.Stop()
			return &exitError{code: exitInvalidConfig, err: err}
		}
	}

	// Every node follows the persisted triggers so admin calls served here
	// reach the leader's timer; only the leader fires them.
	if err := eng.Scheduler.Sync(ctx); err != nil {
		eng.Stop()
		return runtimeError("load jobs: %w", err)
	}
	changes := make(chan struct{}, 1)
	followCtx, cancelFollow := context.WithCancel(ctx)
	var followWg sync.WaitGroup
	followWg.Add(2)
	go func() {
		defer followWg.Done()
		if err := postgres.WatchSchedulerChanges(followCtx, cfg.DatabaseURL, changes, logger); err != nil {
			logger.Error("scheduler change listener failed, falling back to periodic sync",
				"interval", cfg.SchedulerSyncInterval, "error", err)
		}
	}()
	go func() {
		defer followWg.Done()
		eng.Scheduler.Follow(followCtx, changes, cfg.SchedulerSyncInterval)
	}()

	duties := &leaderDuties{
		engine: eng,
		defs:   defs,
		logger: logger,
	}
	if cfg.ReconcileEnabled {
		duties.reconciler = reconciler.New(reconciler.Config{
			Interval:  cfg.ReconcileInterval,
			Threshold: cfg.ReconcileThreshold,
			BatchSize: cfg.ReconcileBatchSize,
		}, store, eng.Queue, logger)
		if sink != nil {
			duties.reconciler.WithMetrics(sink)
		}
	}

	elector := leaderelection.New(db.DB, cfg.LeaderLockKey,
		cfg.LeaderRetryInterval, cfg.LeaderHeartbeatInterval,
		duties.start, duties.stop, logger)
	if sink != nil {
		elector.WithMetrics(sink)
	}

	electionCtx, cancelElection := context.WithCancel(ctx)
	var electionWg sync.WaitGroup
	electionWg.Add(1)
	go func() {
		defer electionWg.Done()
		elector.Run(electionCtx)
	}()

	gin.SetMode(gin.ReleaseMode)
	handler := api.NewHandler(eng, eng.Scheduler, eng.Dispatcher, cfg.NodeName, logger).
		WithHealthChecker(db).
		WithLeaderStatus(elector)
	router := api.NewRouter(handler, logger)
	if cfg.MetricsEnabled {
		router.GET(cfg.MetricsPath, gin.WrapH(promhttp.Handler()))
	}

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	logger.Info("started", "node", cfg.NodeName, "transport", cfg.WorkTransport, "http", cfg.HTTPAddr)
	<-ctx.Done()
	logger.Info("shutting down")

	// Leadership goes first so no new fires reach the draining dispatcher.
	cancelElection()
	electionWg.Wait()
	duties.stop()
	cancelFollow()
	followWg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown failed", "error", err)
	}

	eng.Stop()
	logger.Info("stopped")
	return nil
}

func configurePool(db *sqlx.DB, cfg config.Config) {
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)
}

// leaderDuties runs the scheduler and the reconciler while this node holds
// leadership.
type leaderDuties struct {
	engine     *engine.Engine
	reconciler *reconciler.Reconciler // nil when disabled
	defs       []jobs.Definition
	logger     *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (d *leaderDuties) start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}

	if err := d.engine.StartScheduler(ctx); err != nil {
		d.logger.Error("start scheduler failed", "error", err)
		return
	}
	if len(d.defs) > 0 {
		n, err := d.engine.Bootstrap(ctx, d.defs)
		if err != nil {
			d.logger.Error("bootstrap jobs failed", "error", err)
		} else {
			d.logger.Info("bootstrap jobs scheduled", "created", n, "defined", len(d.defs))
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	if d.reconciler != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.reconciler.Run(runCtx)
		}()
	}
}

// stop is idempotent.
func (d *leaderDuties) stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
		d.wg.Wait()
	}
	d.engine.Scheduler.Stop()
}
