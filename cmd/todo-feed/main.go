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

	"github.com/caarlos0/env/v10"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/todo-1m/todo-api/internal/app/feed"
	"github.com/todo-1m/todo-api/internal/platform/config"
	"github.com/todo-1m/todo-api/internal/platform/logging"
	"github.com/todo-1m/todo-api/internal/platform/metrics"
	"github.com/todo-1m/todo-api/internal/platform/natsutil"
	"github.com/todo-1m/todo-api/internal/sharding"
)

type feedConfig struct {
	NATSURL     string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	Queue       string `env:"FEED_QUEUE" envDefault:"todo-feed"`
	Shard       int    `env:"FEED_SHARD" envDefault:"-1"`
	MetricsAddr string `env:"FEED_METRICS_ADDR" envDefault:":9100"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"json"`
}

// subject returns the whole feed, or one shard when FEED_SHARD is set.
func (c feedConfig) subject() (string, error) {
	switch {
	case c.Shard < 0:
		return sharding.EventSubjectPrefix + ".>", nil
	case c.Shard >= sharding.ShardCount:
		return "", fmt.Errorf("FEED_SHARD must be < %d", sharding.ShardCount)
	default:
		return sharding.ShardWildcard(c.Shard), nil
	}
}

func main() {
	var cfg feedConfig
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "todo-feed: %v\n", err)
		os.Exit(2)
	}
	subject, err := cfg.subject()
	if err != nil {
		fmt.Fprintf(os.Stderr, "todo-feed: %v\n", err)
		os.Exit(2)
	}
	logger, err := logging.New(config.Log{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		ServiceName: "todo-feed",
	}, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "todo-feed: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg, subject, logger); err != nil {
		logger.Fatal().Err(err).Msg("todo-feed stopped")
	}
}

func run(cfg feedConfig, subject string, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := metrics.NewRegistry()
	if err := metrics.RegisterRuntime(registry); err != nil {
		return err
	}
	tally, err := feed.NewTally(registry, logger)
	if err != nil {
		return err
	}
	service := feed.NewService(tally)

	client, err := natsutil.ConnectJetStreamWithRetry(ctx, cfg.NATSURL, "todo-feed", 20*time.Second, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	sub, err := client.JS.QueueSubscribe(subject, cfg.Queue, func(msg *nats.Msg) {
		var streamSeq uint64
		if meta, metaErr := msg.Metadata(); metaErr == nil {
			streamSeq = meta.Sequence.Stream
		}

		handleCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := service.Handle(handleCtx, msg.Subject, msg.Data, streamSeq); err != nil {
			if errors.Is(err, feed.ErrInvalidEventPayload) ||
				errors.Is(err, feed.ErrUnsupportedEventType) ||
				errors.Is(err, feed.ErrShardMismatch) {
				logger.Warn().Err(err).Str("subject", msg.Subject).Msg("discarding event")
				_ = msg.Term()
				return
			}
			logger.Error().Err(err).Str("subject", msg.Subject).Msg("event handling failed")
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	}, nats.ManualAck())
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	defer func() { _ = sub.Drain() }()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(registry))
	server := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("feed metrics server failed")
		}
	}()

	logger.Info().Str("subject", sub.Subject).Str("queue", cfg.Queue).Msg("todo-feed listening")
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info().Int("todos.live", tally.LiveCount()).Uint64("stream.seq", tally.LastSeq()).Msg("todo-feed stopped")
	return nil
}
