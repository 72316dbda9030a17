package feed

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/todo-1m/todo-api/internal/contracts"
	"github.com/todo-1m/todo-api/internal/platform/metrics"
)

// Tally keeps a running view of the feed: events seen per type and the set
// of todos that have been created and not yet deleted.
type Tally struct {
	Logger zerolog.Logger
	Events *prometheus.CounterVec
	Live   prometheus.Gauge

	mu   sync.Mutex
	live map[string]bool
	// ids are never reused, so a deleted id stays deleted even when a
	// redelivered or reordered create or update arrives later
	deleted map[string]bool
	lastSeq uint64
}

func NewTally(reg prometheus.Registerer, logger zerolog.Logger) (*Tally, error) {
	t := &Tally{
		Logger: logger,
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "todo_feed_events_total",
			Help: "Change-feed events consumed by type.",
		}, []string{"event_type"}),
		Live: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "todo_feed_live_todos",
			Help: "Todos created and not yet deleted according to the feed.",
		}),
		live:    map[string]bool{},
		deleted: map[string]bool{},
	}
	if reg != nil {
		if err := metrics.Register(reg, t.Events, t.Live); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Tally) Apply(_ context.Context, event contracts.TodoEvent, streamSeq uint64) error {
	t.mu.Lock()
	switch event.EventType {
	case contracts.EventTodoCreated:
		if !t.deleted[event.TodoID] {
			t.live[event.TodoID] = true
		}
	case contracts.EventTodoDeleted:
		delete(t.live, event.TodoID)
		t.deleted[event.TodoID] = true
	}
	if streamSeq > t.lastSeq {
		t.lastSeq = streamSeq
	}
	live := len(t.live)
	t.mu.Unlock()

	t.Events.WithLabelValues(event.EventType).Inc()
	t.Live.Set(float64(live))
	t.Logger.Info().
		Str("event.id", event.EventID).
		Str("event.type", event.EventType).
		Str("todo.id", event.TodoID).
		Int("shard", event.ShardID).
		Uint64("stream.seq", streamSeq).
		Msg("todo event")
	return nil
}

func (t *Tally) LiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

func (t *Tally) LastSeq() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSeq
}
