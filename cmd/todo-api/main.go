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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/todo-1m/todo-api/internal/app/todo"
	"github.com/todo-1m/todo-api/internal/app/todoapi"
	"github.com/todo-1m/todo-api/internal/platform/config"
	"github.com/todo-1m/todo-api/internal/platform/dbpool"
	"github.com/todo-1m/todo-api/internal/platform/logging"
	"github.com/todo-1m/todo-api/internal/platform/metrics"
	"github.com/todo-1m/todo-api/internal/platform/natsutil"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "todo-api: %v\n", err)
		os.Exit(2)
	}
	logger, err := logging.New(cfg.Log, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "todo-api: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("todo-api stopped")
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := metrics.NewRegistry()
	if err := metrics.RegisterRuntime(registry); err != nil {
		return err
	}

	var (
		store  todo.Store
		readyz []readinessCheck
	)
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		store = todo.NewMemoryStore(cfg.DB.MaxConns())
		logger.Warn().Msg("using in-memory store, data is lost on exit")
	default:
		pool, err := dbpool.New(runCtx, cfg.DatabaseURL, cfg.DB)
		if err != nil {
			return fmt.Errorf("create pool: %w", err)
		}
		defer pool.Close()

		pgStore := todo.NewPostgresStore(pool)
		if err := waitForSchema(runCtx, pgStore, cfg.DB.SchemaWait, logger); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		if err := metrics.RegisterPool(registry, pool.Stat); err != nil {
			return err
		}
		logPoolConfig(logger, pool)
		store = pgStore
		readyz = append(readyz, readinessCheck{name: "postgres schema", check: pgStore.CheckSchema})
	}
	readyz = append([]readinessCheck{{name: "store", check: store.Ping}}, readyz...)

	var notifier *todoapi.Notifier
	if cfg.NATSURL != "" {
		client, err := natsutil.ConnectJetStreamWithRetry(runCtx, cfg.NATSURL, cfg.Log.ServiceName, 20*time.Second, logger)
		if err != nil {
			return err
		}
		defer client.Close()

		publisher := natsutil.JetStreamPublisher{JS: client.JS}
		notifier = todoapi.NewNotifier(publisher.Publish, logger)
		readyz = append(readyz, readinessCheck{name: "nats", check: natsReady(client.Conn)})
		logger.Info().Str("nats.url", cfg.NATSURL).Msg("change feed enabled")
	}

	httpMetrics, err := todoapi.NewMetrics(registry)
	if err != nil {
		return err
	}
	scope := todo.NewScope(store, cfg.DB.PoolTimeout, logger)
	handler := todoapi.NewHandler(scope, notifier, httpMetrics, logger, cfg.AllowedOrigin)
	handler.ServiceName = cfg.Log.ServiceName
	handler.MaxBodyBytes = cfg.MaxBodyBytes

	mux := http.NewServeMux()
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := checkReadiness(r.Context(), readyz); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler(registry))
	mux.Handle("/", handler.Router())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.DB.PoolTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info().Str("addr", cfg.Addr).Str("store", cfg.StoreDriver).Msg("todo-api listening")
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-runCtx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	return nil
}

// waitForSchema retries the bootstrap DDL until the database accepts it,
// which covers a database container that is still starting.
func waitForSchema(ctx context.Context, store *todo.PostgresStore, timeout time.Duration, logger zerolog.Logger) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		lastErr = store.EnsureSchema(attemptCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		logger.Warn().Err(lastErr).Msg("waiting for todo schema readiness")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return lastErr
}

func logPoolConfig(logger zerolog.Logger, pool *pgxpool.Pool) {
	cfg := pool.Config()
	logger.Info().
		Int32("db.pool.min_conns", cfg.MinConns).
		Int32("db.pool.max_conns", cfg.MaxConns).
		Dur("db.pool.max_conn_idle_time", cfg.MaxConnIdleTime).
		Msg("database pool ready")
}

type readinessCheck struct {
	name  string
	check func(context.Context) error
}

func checkReadiness(ctx context.Context, checks []readinessCheck) error {
	checkCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	defer cancel()
	for _, c := range checks {
		if err := c.check(checkCtx); err != nil {
			return fmt.Errorf("%s: %w", c.name, err)
		}
	}
	return nil
}

func natsReady(conn *nats.Conn) func(context.Context) error {
	return func(context.Context) error {
		if conn == nil {
			return errors.New("nats connection is nil")
		}
		if conn.Status() != nats.CONNECTED {
			return fmt.Errorf("nats is not connected: %s", conn.Status().String())
		}
		return nil
	}
}
