package todo

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createTodosTableSQL = `
CREATE TABLE IF NOT EXISTS todos (
  id uuid PRIMARY KEY,
  title varchar(200) NOT NULL,
  description text,
  completed boolean NOT NULL DEFAULT false,
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now()
)`

const alterTodosSeqSQL = `
ALTER TABLE todos
ADD COLUMN IF NOT EXISTS seq bigserial`

const createTodosCreatedAtIndexSQL = `
CREATE INDEX IF NOT EXISTS todos_created_at_seq_idx ON todos (created_at DESC, seq)`

const checkTodosTableSQL = `SELECT 1 FROM todos LIMIT 1`

const todoColumns = `id, title, description, completed, created_at, updated_at`

const listTodosSQL = `
SELECT ` + todoColumns + `
FROM todos
ORDER BY created_at DESC, seq ASC
OFFSET $1 LIMIT $2`

const getTodoSQL = `
SELECT ` + todoColumns + `
FROM todos
WHERE id = $1`

const insertTodoSQL = `
INSERT INTO todos (id, title, description, completed)
VALUES ($1, $2, $3, $4)
RETURNING ` + todoColumns

const updateTodoSQL = `
UPDATE todos
SET title = $2,
    description = $3,
    completed = $4,
    updated_at = GREATEST(now(), updated_at + interval '1 microsecond')
WHERE id = $1
RETURNING ` + todoColumns

const deleteTodoSQL = `
DELETE FROM todos
WHERE id = $1`

// PostgresStore is the Store backed by a pgx pool. Each session holds one
// acquired connection with an open transaction.
type PostgresStore struct {
	Pool  *pgxpool.Pool
	NewID func() uuid.UUID
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool, NewID: uuid.New}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, createTodosTableSQL); err != nil {
		return wrapStoreError("ensure schema", err)
	}
	if _, err := s.Pool.Exec(ctx, alterTodosSeqSQL); err != nil {
		return wrapStoreError("ensure schema", err)
	}
	if _, err := s.Pool.Exec(ctx, createTodosCreatedAtIndexSQL); err != nil {
		return wrapStoreError("ensure schema", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.Pool.Ping(ctx); err != nil {
		return wrapStoreError("ping", err)
	}
	return nil
}

// ErrSchemaMissing is returned by CheckSchema while the todos table does not
// exist yet.
var ErrSchemaMissing = errors.New("todos table does not exist")

func (s *PostgresStore) CheckSchema(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, checkTodosTableSQL); err != nil {
		if IsUndefinedTable(err) {
			return ErrSchemaMissing
		}
		return wrapStoreError("check schema", err)
	}
	return nil
}

func (s *PostgresStore) Begin(ctx context.Context) (Session, error) {
	conn, err := s.Pool.Acquire(ctx)
	if err != nil {
		return nil, wrapStoreError("acquire", err)
	}
	tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		conn.Release()
		return nil, wrapStoreError("begin", err)
	}
	return &postgresSession{
		conn: conn,
		tx:   tx,
		repo: &postgresRepository{tx: tx, newID: s.NewID},
	}, nil
}

type postgresSession struct {
	conn *pgxpool.Conn
	tx   pgx.Tx
	repo *postgresRepository

	done        bool
	releaseOnce sync.Once
}

func (p *postgresSession) Todos() Repository {
	return p.repo
}

func (p *postgresSession) Commit(ctx context.Context) error {
	p.done = true
	if err := p.tx.Commit(ctx); err != nil {
		return wrapStoreError("commit", err)
	}
	return nil
}

func (p *postgresSession) Rollback(ctx context.Context) error {
	p.done = true
	if err := p.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return wrapStoreError("rollback", err)
	}
	return nil
}

func (p *postgresSession) Release() {
	p.releaseOnce.Do(func() {
		if !p.done {
			_ = p.Rollback(context.Background())
		}
		p.conn.Release()
	})
}

type postgresRepository struct {
	tx    pgx.Tx
	newID func() uuid.UUID
}

func (r *postgresRepository) List(ctx context.Context, skip, limit int) ([]Todo, error) {
	rows, err := r.tx.Query(ctx, listTodosSQL, skip, limit)
	if err != nil {
		return nil, wrapStoreError("list", err)
	}
	defer rows.Close()

	result := make([]Todo, 0, min(limit, DefaultLimit))
	for rows.Next() {
		t, err := scanTodo(rows)
		if err != nil {
			return nil, wrapStoreError("list", err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError("list", err)
	}
	return result, nil
}

func (r *postgresRepository) Get(ctx context.Context, id string) (Todo, error) {
	key, err := uuid.Parse(id)
	if err != nil {
		// Every stored id is a UUID, so anything else cannot exist.
		return Todo{}, &NotFoundError{ID: id}
	}
	t, err := scanTodo(r.tx.QueryRow(ctx, getTodoSQL, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Todo{}, &NotFoundError{ID: id}
		}
		return Todo{}, wrapStoreError("get", err)
	}
	return t, nil
}

func (r *postgresRepository) Create(ctx context.Context, t Todo) (Todo, error) {
	created, err := scanTodo(r.tx.QueryRow(ctx, insertTodoSQL,
		r.newID(),
		t.Title,
		t.Description,
		t.Completed,
	))
	if err != nil {
		return Todo{}, wrapStoreError("create", err)
	}
	return created, nil
}

func (r *postgresRepository) Update(ctx context.Context, id string, patch Patch) (Todo, error) {
	existing, err := r.Get(ctx, id)
	if err != nil {
		return Todo{}, err
	}
	merged := Merge(existing, patch)

	key, _ := uuid.Parse(existing.ID)
	updated, err := scanTodo(r.tx.QueryRow(ctx, updateTodoSQL,
		key,
		merged.Title,
		merged.Description,
		merged.Completed,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Todo{}, &NotFoundError{ID: id}
		}
		return Todo{}, wrapStoreError("update", err)
	}
	return updated, nil
}

func (r *postgresRepository) Delete(ctx context.Context, id string) error {
	key, err := uuid.Parse(id)
	if err != nil {
		return &NotFoundError{ID: id}
	}
	tag, err := r.tx.Exec(ctx, deleteTodoSQL, key)
	if err != nil {
		return wrapStoreError("delete", err)
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{ID: id}
	}
	return nil
}

func scanTodo(row pgx.Row) (Todo, error) {
	var (
		t  Todo
		id uuid.UUID
	)
	if err := row.Scan(
		&id,
		&t.Title,
		&t.Description,
		&t.Completed,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return Todo{}, err
	}
	t.ID = id.String()
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}

func wrapStoreError(op string, err error) error {
	storeErr := &StoreError{Op: op, Err: err}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		storeErr.Code = pgErr.Code
		storeErr.Retryable = pgerrcode.IsConnectionException(pgErr.Code) ||
			pgerrcode.IsTransactionRollback(pgErr.Code) ||
			pgErr.Code == pgerrcode.TooManyConnections
	}
	return storeErr
}

// IsUndefinedTable reports whether err comes from a missing relation, which
// happens while the schema is still being bootstrapped.
func IsUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable
}
