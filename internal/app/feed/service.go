// Package feed consumes the todo change feed.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/todo-1m/todo-api/internal/contracts"
	"github.com/todo-1m/todo-api/internal/sharding"
)

var ErrInvalidEventPayload = errors.New("invalid event payload")
var ErrUnsupportedEventType = errors.New("unsupported event type")

// ErrShardMismatch means the subject's shard does not match the shard of the
// todo id it carries, so the publisher and consumer disagree on sharding.
var ErrShardMismatch = errors.New("event shard does not match subject")

type Sink interface {
	Apply(ctx context.Context, event contracts.TodoEvent, streamSeq uint64) error
}

type Service struct {
	Sink Sink
}

func NewService(sink Sink) *Service {
	return &Service{Sink: sink}
}

func (s *Service) Handle(ctx context.Context, subject string, payload []byte, streamSeq uint64) error {
	var event contracts.TodoEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEventPayload, err)
	}
	if strings.TrimSpace(event.TodoID) == "" || strings.TrimSpace(event.EventID) == "" {
		return fmt.Errorf("%w: missing todo_id or event_id", ErrInvalidEventPayload)
	}
	switch event.EventType {
	case contracts.EventTodoCreated, contracts.EventTodoUpdated, contracts.EventTodoDeleted:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedEventType, event.EventType)
	}

	want := sharding.ShardID(event.TodoID)
	if shard, ok := ShardFromSubject(subject); ok && shard != want {
		return fmt.Errorf("%w: subject shard %d, todo shard %d", ErrShardMismatch, shard, want)
	}
	if event.ShardID != want {
		return fmt.Errorf("%w: payload shard %d, todo shard %d", ErrShardMismatch, event.ShardID, want)
	}
	return s.Sink.Apply(ctx, event, streamSeq)
}

// ShardFromSubject extracts the shard from todo.event.{shard}.{id}.
func ShardFromSubject(subject string) (int, bool) {
	rest, ok := strings.CutPrefix(subject, sharding.EventSubjectPrefix+".")
	if !ok {
		return 0, false
	}
	shardPart, _, _ := strings.Cut(rest, ".")
	shard, err := strconv.Atoi(shardPart)
	if err != nil {
		return 0, false
	}
	return shard, true
}
