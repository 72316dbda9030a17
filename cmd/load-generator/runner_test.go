package main

import (
	"context"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/todo-1m/todo-api/internal/app/todo"
	"github.com/todo-1m/todo-api/internal/app/todoapi"
	"github.com/todo-1m/todo-api/internal/platform/metrics"
)

func newTestServer(t *testing.T) (*httptest.Server, *todo.MemoryStore) {
	t.Helper()
	store := todo.NewMemoryStore(8)
	scope := todo.NewScope(store, time.Second, zerolog.Nop())
	h := todoapi.NewHandler(scope, nil, nil, zerolog.Nop(), "*")
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return srv, store
}

func newTestRunner(t *testing.T, base string) *runner {
	t.Helper()
	r, err := newRunner(loadConfig{APIBase: base, Workers: 4, RequestTimeout: 5 * time.Second}, metrics.NewRegistry(), zerolog.Nop())
	if err != nil {
		t.Fatalf("newRunner returned error: %v", err)
	}
	return r
}

func TestRunner_CRUDCycle(t *testing.T) {
	srv, store := newTestServer(t)
	r := newTestRunner(t, srv.URL)
	ctx := context.Background()

	id, err := r.createTodo(ctx, "first")
	if err != nil {
		t.Fatalf("createTodo returned error: %v", err)
	}
	if err := r.updateTodo(ctx, id, map[string]any{"completed": true}); err != nil {
		t.Fatalf("updateTodo returned error: %v", err)
	}
	list, err := r.listTodos(ctx, 0, 10)
	if err != nil || len(list) != 1 || !list[0].Completed {
		t.Fatalf("unexpected list: %+v err=%v", list, err)
	}
	if err := r.deleteTodo(ctx, id); err != nil {
		t.Fatalf("deleteTodo returned error: %v", err)
	}
	if err := r.deleteTodo(ctx, id); err == nil {
		t.Fatal("second delete should fail with 404")
	}
	if store.Len() != 0 {
		t.Fatalf("store should be empty, has %d", store.Len())
	}

	rep := r.report()
	if rep.Created != 1 || rep.DuplicateIDs != 0 || rep.Success != 4 || rep.Errors != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if got := testutil.ToFloat64(r.requestsTotal.WithLabelValues("delete", http.MethodDelete, "404", "error")); got != 1 {
		t.Fatalf("expected one failed delete recorded, got %v", got)
	}
}

func TestRunner_RandomActionsYieldDistinctIDs(t *testing.T) {
	srv, store := newTestServer(t)
	r := newTestRunner(t, srv.URL)
	ctx := context.Background()

	rng := rand.New(rand.NewSource(42))
	var owned []string
	for i := 0; i < 200; i++ {
		owned = r.runAction(ctx, rng, owned)
	}

	rep := r.report()
	if rep.DuplicateIDs != 0 {
		t.Fatalf("duplicate ids: %+v", rep)
	}
	if rep.Errors != 0 {
		t.Fatalf("unexpected request errors: %+v", rep)
	}
	if store.Len() != len(owned) {
		t.Fatalf("store has %d todos, worker owns %d", store.Len(), len(owned))
	}
}

func TestRunner_DuplicateDetection(t *testing.T) {
	r := newTestRunner(t, "http://unused")
	r.recordCreated("a")
	r.recordCreated("b")
	r.recordCreated("a")

	rep := r.report()
	if rep.Created != 3 || rep.DuplicateIDs != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
}

func TestWaitForHTTPStatus(t *testing.T) {
	srv, _ := newTestServer(t)
	r := newTestRunner(t, srv.URL)

	if err := r.waitForHTTPStatus(context.Background(), srv.URL+"/health", http.StatusOK, time.Second); err != nil {
		t.Fatalf("health wait failed: %v", err)
	}
	if err := r.waitForHTTPStatus(context.Background(), srv.URL+"/nope", http.StatusOK, 100*time.Millisecond); err == nil {
		t.Fatal("expected timeout waiting for missing route")
	}
}

func TestLoadConfigValidate(t *testing.T) {
	if err := (loadConfig{APIBase: "http://x", Workers: 1, RequestTimeout: time.Second}).validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	if err := (loadConfig{}).validate(); err == nil {
		t.Fatal("expected error for empty config")
	}
}
