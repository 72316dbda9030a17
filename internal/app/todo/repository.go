package todo

import "context"

// Repository is the set of operations on todos available inside a
// transaction scope. Writes are staged and become durable on commit.
type Repository interface {
	List(ctx context.Context, skip, limit int) ([]Todo, error)
	Get(ctx context.Context, id string) (Todo, error)
	Create(ctx context.Context, t Todo) (Todo, error)
	Update(ctx context.Context, id string, patch Patch) (Todo, error)
	Delete(ctx context.Context, id string) error
}

// Session is one pooled store connection with an open transaction.
// Release must be safe to call more than once and after Commit/Rollback.
type Session interface {
	Todos() Repository
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Release()
}

// Store hands out sessions. Begin blocks while the pool is exhausted until
// a session is released or ctx is done.
type Store interface {
	Begin(ctx context.Context) (Session, error)
	Ping(ctx context.Context) error
}
