package todoapi

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nuid"
	"github.com/rs/zerolog"
	"github.com/todo-1m/todo-api/internal/app/todo"
	"github.com/todo-1m/todo-api/internal/contracts"
	"github.com/todo-1m/todo-api/internal/sharding"
)

const publishTimeout = 2 * time.Second

type PublishFunc func(ctx context.Context, subject, msgID string, payload []byte) error

// Notifier publishes change-feed events for committed writes. A nil
// Notifier publishes nothing.
type Notifier struct {
	Publish PublishFunc
	Now     func() time.Time
	NewID   func() string
	Logger  zerolog.Logger
}

func NewNotifier(publish PublishFunc, logger zerolog.Logger) *Notifier {
	return &Notifier{
		Publish: publish,
		Now:     func() time.Time { return time.Now().UTC() },
		NewID:   nuid.Next,
		Logger:  logger,
	}
}

func (n *Notifier) event(eventType string, t todo.Todo, fields []string) contracts.TodoEvent {
	return contracts.TodoEvent{
		EventID:    n.NewID(),
		TodoID:     t.ID,
		EventType:  eventType,
		Title:      t.Title,
		Completed:  t.Completed,
		Fields:     fields,
		OccurredAt: n.Now(),
		ShardID:    sharding.ShardID(t.ID),
	}
}

// Notify publishes one event. Failures are logged; the write has already
// committed and its response does not depend on the feed.
func (n *Notifier) Notify(ctx context.Context, eventType string, t todo.Todo, fields []string) {
	if n == nil || n.Publish == nil {
		return
	}
	evt := n.event(eventType, t, fields)
	payload, err := json.Marshal(evt)
	if err != nil {
		n.Logger.Error().Err(err).Str("todo.id", t.ID).Msg("encode todo event")
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := n.Publish(pubCtx, sharding.EventSubject(t.ID), evt.EventID, payload); err != nil {
		n.Logger.Warn().Err(err).
			Str("todo.id", t.ID).
			Str("event.type", eventType).
			Msg("publish todo event failed")
	}
}
