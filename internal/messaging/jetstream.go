package messaging

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/todo-1m/todo-api/internal/sharding"
)

const (
	EventsStream = "TODO_EVENTS"

	// Duplicate publishes carrying the same Nats-Msg-Id inside this window are
	// dropped by the server.
	DuplicateWindow = 2 * time.Minute
)

func EventsStreamConfig() *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:       EventsStream,
		Subjects:   []string{sharding.EventSubjectPrefix + ".>"},
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		Replicas:   1,
		MaxAge:     7 * 24 * time.Hour,
		Duplicates: DuplicateWindow,
	}
}

// EnsureStreams creates the change-feed stream when it does not exist yet.
func EnsureStreams(js nats.JetStreamContext) error {
	cfg := EventsStreamConfig()
	if _, err := js.StreamInfo(cfg.Name); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("stream info %s: %w", cfg.Name, err)
		}
		if _, err := js.AddStream(cfg); err != nil {
			return fmt.Errorf("add stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}
