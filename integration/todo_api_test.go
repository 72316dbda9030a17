//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/todo-1m/todo-api/internal/app/todo"
	"github.com/todo-1m/todo-api/internal/app/todoapi"
	"github.com/todo-1m/todo-api/internal/platform/config"
	"github.com/todo-1m/todo-api/internal/platform/dbpool"
)

const databaseURLEnv = "TODO_TEST_DATABASE_URL"

type stack struct {
	pool  *pgxpool.Pool
	store *todo.PostgresStore
	srv   *httptest.Server
}

func startStack(t *testing.T, db config.DB) *stack {
	t.Helper()
	databaseURL := os.Getenv(databaseURLEnv)
	if databaseURL == "" {
		t.Skipf("%s not set", databaseURLEnv)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := dbpool.New(ctx, databaseURL, db)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)

	store := todo.NewPostgresStore(pool)
	waitForSchema(t, ctx, store)
	if _, err := pool.Exec(ctx, "TRUNCATE todos"); err != nil {
		t.Fatalf("truncate todos: %v", err)
	}

	scope := todo.NewScope(store, db.PoolTimeout, zerolog.Nop())
	handler := todoapi.NewHandler(scope, nil, nil, zerolog.Nop(), "*")
	srv := httptest.NewServer(handler.Router())
	t.Cleanup(srv.Close)

	return &stack{pool: pool, store: store, srv: srv}
}

func defaultDB() config.DB {
	return config.Default().DB
}

func waitForSchema(t *testing.T, ctx context.Context, store *todo.PostgresStore) {
	t.Helper()
	var lastErr error
	for ctx.Err() == nil {
		if lastErr = store.EnsureSchema(ctx); lastErr == nil {
			if err := store.CheckSchema(ctx); err != nil {
				t.Fatalf("schema check after ensure: %v", err)
			}
			return
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("schema not ready: %v", lastErr)
}

func (s *stack) request(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, s.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, raw
}

func (s *stack) create(t *testing.T, body string) todoapi.TodoResponse {
	t.Helper()
	status, raw := s.request(t, http.MethodPost, "/todos", body)
	if status != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", status, raw)
	}
	var out todoapi.TodoResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode create: %v", err)
	}
	return out
}

func TestPostgres_RoundTripAndPartialUpdate(t *testing.T) {
	s := startStack(t, defaultDB())

	created := s.create(t, `{"title":"Buy milk","description":"2 liters"}`)
	if created.Completed || created.Description == nil || *created.Description != "2 liters" {
		t.Fatalf("unexpected created todo: %+v", created)
	}

	status, raw := s.request(t, http.MethodPut, "/todos/"+created.ID, `{"completed":true}`)
	if status != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", status, raw)
	}
	var updated todoapi.TodoResponse
	if err := json.Unmarshal(raw, &updated); err != nil {
		t.Fatalf("decode update: %v", err)
	}
	if !updated.Completed || updated.Title != "Buy milk" || *updated.Description != "2 liters" {
		t.Fatalf("unexpected merge: %+v", updated)
	}
	if !updated.UpdatedAt.After(created.UpdatedAt) || !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Fatalf("unexpected timestamps: created=%+v updated=%+v", created, updated)
	}

	status, raw = s.request(t, http.MethodPut, "/todos/"+created.ID, `{}`)
	if status != http.StatusOK {
		t.Fatalf("empty update: expected 200, got %d: %s", status, raw)
	}
	var refreshed todoapi.TodoResponse
	_ = json.Unmarshal(raw, &refreshed)
	if !refreshed.UpdatedAt.After(updated.UpdatedAt) {
		t.Fatalf("empty update did not refresh updated_at: %s -> %s", updated.UpdatedAt, refreshed.UpdatedAt)
	}
}

func TestPostgres_NotFoundAndDelete(t *testing.T) {
	s := startStack(t, defaultDB())

	for _, id := range []string{"00000000-0000-0000-0000-000000000000", "not-a-uuid"} {
		status, raw := s.request(t, http.MethodGet, "/todos/"+id, "")
		if status != http.StatusNotFound || !strings.Contains(string(raw), "Todo with id "+id+" not found") {
			t.Fatalf("GET %s: expected 404 naming id, got %d %s", id, status, raw)
		}
	}

	created := s.create(t, `{"title":"temporary"}`)
	if status, _ := s.request(t, http.MethodDelete, "/todos/"+created.ID, ""); status != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", status)
	}
	if status, _ := s.request(t, http.MethodGet, "/todos/"+created.ID, ""); status != http.StatusNotFound {
		t.Fatalf("get after delete: expected 404, got %d", status)
	}
	if status, _ := s.request(t, http.MethodDelete, "/todos/"+created.ID, ""); status != http.StatusNotFound {
		t.Fatalf("second delete: expected 404, got %d", status)
	}
}

func TestPostgres_ValidationCreatesNothing(t *testing.T) {
	s := startStack(t, defaultDB())

	status, _ := s.request(t, http.MethodPost, "/todos", fmt.Sprintf(`{"title":%q}`, strings.Repeat("x", 201)))
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
	var count int
	if err := s.pool.QueryRow(context.Background(), "SELECT count(*) FROM todos").Scan(&count); err != nil {
		t.Fatalf("count todos: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no rows, got %d", count)
	}
}

func TestPostgres_PaginationNewestFirst(t *testing.T) {
	s := startStack(t, defaultDB())

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, s.create(t, fmt.Sprintf(`{"title":"todo %d"}`, i)).ID)
	}

	status, raw := s.request(t, http.MethodGet, "/todos?skip=1&limit=2", "")
	if status != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", status)
	}
	var page []todoapi.TodoResponse
	if err := json.Unmarshal(raw, &page); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(page) != 2 || page[0].ID != ids[3] || page[1].ID != ids[2] {
		t.Fatalf("unexpected page: %+v", page)
	}

	status, raw = s.request(t, http.MethodGet, "/todos?skip=10", "")
	if status != http.StatusOK || strings.TrimSpace(string(raw)) != "[]" {
		t.Fatalf("expected empty page, got %d %s", status, raw)
	}
}

func TestPostgres_ConcurrentCreatesDistinctIDs(t *testing.T) {
	s := startStack(t, defaultDB())

	const n = 60
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ids  = map[string]bool{}
		errs = make(chan error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := http.Post(s.srv.URL+"/todos", "application/json", strings.NewReader(fmt.Sprintf(`{"title":"concurrent %d"}`, i)))
			if err != nil {
				errs <- err
				return
			}
			defer resp.Body.Close()
			var created todoapi.TodoResponse
			if resp.StatusCode != http.StatusCreated {
				errs <- fmt.Errorf("unexpected status %d", resp.StatusCode)
				return
			}
			if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
				errs <- err
				return
			}
			mu.Lock()
			ids[created.ID] = true
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent create failed: %v", err)
	}
	if len(ids) != n {
		t.Fatalf("expected %d distinct ids, got %d", n, len(ids))
	}
}

func TestPostgres_PoolTimeout(t *testing.T) {
	db := defaultDB()
	db.PoolSize = 1
	db.MaxOverflow = 0
	db.PoolTimeout = 300 * time.Millisecond
	s := startStack(t, db)

	held, err := s.store.Begin(context.Background())
	if err != nil {
		t.Fatalf("hold session: %v", err)
	}

	scope := todo.NewScope(s.store, db.PoolTimeout, zerolog.Nop())
	err = scope.Run(context.Background(), func(ctx context.Context, repo todo.Repository) error {
		_, err := repo.List(ctx, 0, 1)
		return err
	})
	if !errors.Is(err, todo.ErrPoolTimeout) || todo.KindOf(err) != todo.KindStore {
		t.Fatalf("expected pool timeout store error, got %v", err)
	}

	held.Release()
	err = scope.Run(context.Background(), func(ctx context.Context, repo todo.Repository) error {
		_, err := repo.List(ctx, 0, 1)
		return err
	})
	if err != nil {
		t.Fatalf("scope should succeed after release: %v", err)
	}
}
