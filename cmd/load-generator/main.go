package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/todo-1m/todo-api/internal/platform/config"
	"github.com/todo-1m/todo-api/internal/platform/logging"
	"github.com/todo-1m/todo-api/internal/platform/metrics"
)

type loadConfig struct {
	APIBase              string        `env:"LOADGEN_API_BASE" envDefault:"http://localhost:8000"`
	Workers              int           `env:"LOADGEN_WORKERS" envDefault:"50"`
	StartupWait          time.Duration `env:"LOADGEN_STARTUP_WAIT" envDefault:"2m"`
	Duration             time.Duration `env:"LOADGEN_DURATION" envDefault:"5m"`
	RampUp               time.Duration `env:"LOADGEN_RAMP_UP" envDefault:"10s"`
	ActionsPerWorkerPerS float64       `env:"LOADGEN_ACTIONS_PER_WORKER_PER_SECOND" envDefault:"2"`
	RequestTimeout       time.Duration `env:"LOADGEN_REQUEST_TIMEOUT" envDefault:"35s"`
	MetricsAddr          string        `env:"LOADGEN_METRICS_ADDR" envDefault:":9099"`
	LogLevel             string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat            string        `env:"LOG_FORMAT" envDefault:"console"`
}

func (c loadConfig) validate() error {
	var errs []error
	if c.Workers <= 0 {
		errs = append(errs, errors.New("LOADGEN_WORKERS must be > 0"))
	}
	if strings.TrimSpace(c.APIBase) == "" {
		errs = append(errs, errors.New("LOADGEN_API_BASE must not be empty"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("LOADGEN_REQUEST_TIMEOUT must be > 0"))
	}
	return errors.Join(errs...)
}

func main() {
	var cfg loadConfig
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "load-generator: %v\n", err)
		os.Exit(2)
	}
	if err := cfg.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "load-generator: %v\n", err)
		os.Exit(2)
	}
	cfg.APIBase = strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")

	logger, err := logging.New(config.Log{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		ServiceName: "todo-load-generator",
	}, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load-generator: %v\n", err)
		os.Exit(2)
	}

	baseCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx := baseCtx
	if cfg.Duration > 0 {
		timeoutCtx, cancel := context.WithTimeout(baseCtx, cfg.Duration)
		defer cancel()
		ctx = timeoutCtx
	}

	registry := metrics.NewRegistry()
	r, err := newRunner(cfg, registry, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build runner")
	}
	if err := metrics.RegisterRuntime(registry); err != nil {
		logger.Fatal().Err(err).Msg("register runtime metrics")
	}
	go runMetricsServer(cfg.MetricsAddr, registry, logger)

	if err := r.waitForHTTPStatus(ctx, cfg.APIBase+"/health", http.StatusOK, cfg.StartupWait); err != nil {
		logger.Fatal().Err(err).Msg("todo-api not ready")
	}

	report := r.run(ctx)
	logger.Info().
		Int64("requests.success", report.Success).
		Int64("requests.error", report.Errors).
		Int("todos.created", report.Created).
		Int("todos.duplicate_ids", report.DuplicateIDs).
		Msg("load test complete")
	if report.DuplicateIDs > 0 {
		os.Exit(1)
	}
}

func runMetricsServer(addr string, registry *prometheus.Registry, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(registry))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info().Str("addr", addr).Msg("load generator metrics endpoint listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("load generator metrics server failed")
	}
}
