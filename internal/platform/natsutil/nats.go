package natsutil

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/todo-1m/todo-api/internal/messaging"
)

type Client struct {
	Conn *nats.Conn
	JS   nats.JetStreamContext
}

func connectOptions(name string, logger zerolog.Logger) []nats.Option {
	return []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			logger.Info().Str("nats.url", conn.ConnectedUrl()).Msg("nats reconnected")
		}),
	}
}

func ConnectJetStream(url, name string, logger zerolog.Logger) (*Client, error) {
	conn, err := nats.Connect(url, connectOptions(name, logger)...)
	if err != nil {
		return nil, err
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := messaging.EnsureStreams(js); err != nil {
		conn.Close()
		return nil, err
	}
	return &Client{Conn: conn, JS: js}, nil
}

// ConnectJetStreamWithRetry keeps dialing until it succeeds, ctx ends or
// timeout elapses.
func ConnectJetStreamWithRetry(ctx context.Context, url, name string, timeout time.Duration, logger zerolog.Logger) (*Client, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var lastErr error
	for attempt := 1; ; attempt++ {
		client, err := ConnectJetStream(url, name, logger)
		if err == nil {
			return client, nil
		}
		lastErr = err
		logger.Debug().Err(err).Int("attempt", attempt).Msg("jetstream connect failed")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connect jetstream timeout after %s: %w", timeout, lastErr)
		case <-ticker.C:
		}
	}
}

func (c *Client) Close() {
	if c == nil || c.Conn == nil {
		return
	}
	_ = c.Conn.Drain()
	c.Conn.Close()
}

// JetStreamPublisher publishes with a message id so retried publishes of the
// same event are deduplicated by the stream.
type JetStreamPublisher struct {
	JS nats.JetStreamContext
}

func (p JetStreamPublisher) Publish(ctx context.Context, subject, msgID string, payload []byte) error {
	opts := []nats.PubOpt{nats.Context(ctx)}
	if msgID != "" {
		opts = append(opts, nats.MsgId(msgID))
	}
	_, err := p.JS.Publish(subject, payload, opts...)
	return err
}
