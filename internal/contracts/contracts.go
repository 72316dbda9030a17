package contracts

import "time"

const (
	EventTodoCreated = "todo.created"
	EventTodoUpdated = "todo.updated"
	EventTodoDeleted = "todo.deleted"
)

// TodoEvent is published on the change feed after a write has committed.
// Title and Completed carry the post-write state; for deletes they carry the
// last known state.
type TodoEvent struct {
	EventID    string    `json:"event_id"`
	TodoID     string    `json:"todo_id"`
	EventType  string    `json:"event_type"`
	Title      string    `json:"title"`
	Completed  bool      `json:"completed"`
	Fields     []string  `json:"fields,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	ShardID    int       `json:"shard_id"`
}
