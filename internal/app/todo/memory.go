package todo

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var errSessionClosed = errors.New("session already committed or rolled back")

type memoryRow struct {
	todo Todo
	seq  uint64
}

// MemoryStore is a process-local Store. Sessions stage their writes and apply
// them on commit; concurrent commits to the same id are last-committer-wins.
type MemoryStore struct {
	Now   func() time.Time
	NewID func() string

	mu   sync.Mutex
	rows map[string]memoryRow
	seq  uint64

	slots chan struct{}
}

// NewMemoryStore returns a store that allows at most maxSessions open
// sessions at once. maxSessions <= 0 means unbounded.
func NewMemoryStore(maxSessions int) *MemoryStore {
	s := &MemoryStore{
		Now:   func() time.Time { return time.Now().UTC() },
		NewID: uuid.NewString,
		rows:  map[string]memoryRow{},
	}
	if maxSessions > 0 {
		s.slots = make(chan struct{}, maxSessions)
	}
	return s
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Begin(ctx context.Context) (Session, error) {
	if s.slots != nil {
		select {
		case s.slots <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &memorySession{
		store:   s,
		staged:  map[string]*memoryRow{},
		created: map[string]bool{},
	}, nil
}

// Len reports the number of committed todos.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *MemoryStore) nextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

func (s *MemoryStore) committed(id string) (memoryRow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	return row, ok
}

type memorySession struct {
	store *MemoryStore

	// staged holds pending writes keyed by id; a nil entry is a delete.
	staged  map[string]*memoryRow
	created map[string]bool
	order   []string

	done        bool
	releaseOnce sync.Once
}

func (m *memorySession) Todos() Repository {
	return m
}

func (m *memorySession) Commit(ctx context.Context) error {
	if m.done {
		return errSessionClosed
	}
	m.done = true

	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range m.order {
		row := m.staged[id]
		if row == nil {
			delete(s.rows, id)
			continue
		}
		if _, exists := s.rows[id]; !exists && !m.created[id] {
			// Updated here but deleted by a session that committed first.
			continue
		}
		s.rows[id] = *row
	}
	m.staged = nil
	return nil
}

func (m *memorySession) Rollback(ctx context.Context) error {
	if m.done {
		return nil
	}
	m.done = true
	m.staged = nil
	return nil
}

func (m *memorySession) Release() {
	m.releaseOnce.Do(func() {
		_ = m.Rollback(context.Background())
		if m.store.slots != nil {
			<-m.store.slots
		}
	})
}

func (m *memorySession) stage(id string, row *memoryRow) {
	if _, seen := m.staged[id]; !seen {
		m.order = append(m.order, id)
	}
	m.staged[id] = row
}

func (m *memorySession) lookup(id string) (memoryRow, bool) {
	if row, ok := m.staged[id]; ok {
		if row == nil {
			return memoryRow{}, false
		}
		return *row, true
	}
	return m.store.committed(id)
}

func (m *memorySession) List(ctx context.Context, skip, limit int) ([]Todo, error) {
	if m.done {
		return nil, errSessionClosed
	}
	s := m.store
	s.mu.Lock()
	rows := make(map[string]memoryRow, len(s.rows)+len(m.staged))
	for id, row := range s.rows {
		rows[id] = row
	}
	s.mu.Unlock()
	for id, row := range m.staged {
		if row == nil {
			delete(rows, id)
			continue
		}
		rows[id] = *row
	}

	ordered := make([]memoryRow, 0, len(rows))
	for _, row := range rows {
		ordered = append(ordered, row)
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if !a.todo.CreatedAt.Equal(b.todo.CreatedAt) {
			return a.todo.CreatedAt.After(b.todo.CreatedAt)
		}
		return a.seq < b.seq
	})

	if skip >= len(ordered) {
		return []Todo{}, nil
	}
	end := len(ordered)
	if limit < end-skip {
		end = skip + limit
	}
	result := make([]Todo, 0, end-skip)
	for _, row := range ordered[skip:end] {
		result = append(result, row.todo)
	}
	return result, nil
}

func (m *memorySession) Get(ctx context.Context, id string) (Todo, error) {
	if m.done {
		return Todo{}, errSessionClosed
	}
	row, ok := m.lookup(id)
	if !ok {
		return Todo{}, &NotFoundError{ID: id}
	}
	return row.todo, nil
}

func (m *memorySession) Create(ctx context.Context, t Todo) (Todo, error) {
	if m.done {
		return Todo{}, errSessionClosed
	}
	now := m.store.Now()
	t.ID = m.store.NewID()
	t.Description = cloneString(t.Description)
	t.CreatedAt = now
	t.UpdatedAt = now
	m.created[t.ID] = true
	m.stage(t.ID, &memoryRow{todo: t, seq: m.store.nextSeq()})
	return t, nil
}

func (m *memorySession) Update(ctx context.Context, id string, patch Patch) (Todo, error) {
	if m.done {
		return Todo{}, errSessionClosed
	}
	row, ok := m.lookup(id)
	if !ok {
		return Todo{}, &NotFoundError{ID: id}
	}
	updated := Merge(row.todo, patch)
	now := m.store.Now()
	if !now.After(row.todo.UpdatedAt) {
		now = row.todo.UpdatedAt.Add(time.Microsecond)
	}
	updated.UpdatedAt = now
	m.stage(id, &memoryRow{todo: updated, seq: row.seq})
	return updated, nil
}

func (m *memorySession) Delete(ctx context.Context, id string) error {
	if m.done {
		return errSessionClosed
	}
	if _, ok := m.lookup(id); !ok {
		return &NotFoundError{ID: id}
	}
	m.stage(id, nil)
	return nil
}
