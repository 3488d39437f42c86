/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the contravention engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (CONFIG_FILE, then environment)
  2. Initialize SQLite store and the escalation policy
  3. Wire metrics, notification sinks, the points engine and the workflow
  4. Configure HTTP router and the maintenance scheduler
  5. Start server with graceful shutdown

ENVIRONMENT:
  See config/config.go for the full list. The most common ones:
  PORT, DATABASE_PATH, POLICY_FILE, LOG_LEVEL, REDIS_URL, SCHEDULER_ENABLED

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the Redis client and the database

EXAMPLES:
  # Run with an in-memory database and pretty logs
  DATABASE_PATH=":memory:" LOG_PRETTY=true ./server

  # Publish events to Redis and run nightly jobs hourly
  REDIS_URL=redis://localhost:6379/0 SCHEDULER_ENABLED=true ./server

SEE ALSO:
  - api/server.go: Router configuration
  - api/scheduler.go: Maintenance scheduler
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/warp/contravention-engine/api"
	"github.com/warp/contravention-engine/config"
	"github.com/warp/contravention-engine/contravention"
	"github.com/warp/contravention-engine/factory"
	"github.com/warp/contravention-engine/metrics"
	"github.com/warp/contravention-engine/notify"
	"github.com/warp/contravention-engine/points"
	"github.com/warp/contravention-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log := cfg.Log.Logger()

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	store, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	policy, err := factory.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return err
	}
	if cfg.DecayEnabled != nil {
		policy.Decay.Enabled = *cfg.DecayEnabled
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	sinks := []notify.Sink{notify.NewLogSink(log.With().Str("component", "notify").Logger())}
	var rdb *redis.Client
	if cfg.Notify.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Notify.Timeout)
		rdb, err = notify.Connect(ctx, cfg.Notify.RedisURL)
		cancel()
		if err != nil {
			return err
		}
		defer rdb.Close()
		sinks = append(sinks, notify.NewRedisStreamSink(rdb, cfg.Notify.Stream, cfg.Notify.StreamMaxLen))
	}
	dispatcher := notify.NewDispatcher(sinks,
		notify.WithTimeout(cfg.Notify.Timeout),
		notify.WithMetrics(m),
		notify.WithLogger(log.With().Str("component", "notify").Logger()))

	engine, err := points.New(contravention.PointsStore(store),
		points.WithPolicy(policy),
		points.WithNotifier(dispatcher),
		points.WithMetrics(m),
		points.WithLogger(log.With().Str("component", "points").Logger()))
	if err != nil {
		return fmt.Errorf("initialize points engine: %w", err)
	}
	workflow := contravention.NewWorkflow(store, engine.Ledger,
		contravention.WithNotifier(dispatcher),
		contravention.WithMetrics(m),
		contravention.WithLogger(log.With().Str("component", "workflow").Logger()))

	handler := api.NewHandler(store, engine, workflow,
		api.WithGatherer(reg),
		api.WithLogger(log.With().Str("component", "api").Logger()))
	router := api.NewRouter(handler)

	scheduler := api.NewMaintenanceScheduler(engine, log.With().Str("component", "scheduler").Logger())
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.CheckInterval = cfg.Scheduler.Interval
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().
			Int("port", cfg.Port).
			Str("db", cfg.DatabasePath).
			Strs("sinks", dispatcher.Sinks()).
			Str("fiscal_year", points.FiscalYearLabel(engine.Now())).
			Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down server")
	case err := <-errc:
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}
