package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/todo-1m/todo-api/internal/platform/metrics"
)

type todoResponse struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
}

type runner struct {
	cfg    loadConfig
	client *http.Client
	logger zerolog.Logger

	requestsTotal *prometheus.CounterVec
	actionsTotal  *prometheus.CounterVec
	activeWorkers prometheus.Gauge

	success  atomic.Int64
	failures atomic.Int64
	active   atomic.Int64

	// every id the API has ever returned from a create, with its count
	idsMu sync.Mutex
	ids   map[string]int
}

type report struct {
	Success      int64
	Errors       int64
	Created      int
	DuplicateIDs int
}

func newRunner(cfg loadConfig, registry prometheus.Registerer, logger zerolog.Logger) (*runner, error) {
	r := &runner{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        cfg.Workers * 2,
				MaxIdleConnsPerHost: cfg.Workers * 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "todo_loadgen_requests_total",
			Help: "HTTP requests sent by the load generator.",
		}, []string{"endpoint", "method", "status", "outcome"}),
		actionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "todo_loadgen_actions_total",
			Help: "Worker actions executed by the load generator.",
		}, []string{"action", "outcome"}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "todo_loadgen_active_workers",
			Help: "Workers currently sending traffic.",
		}),
		ids: map[string]int{},
	}
	if registry != nil {
		if err := metrics.Register(registry, r.requestsTotal, r.actionsTotal, r.activeWorkers); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *runner) run(ctx context.Context) report {
	go r.logProgress(ctx)

	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			r.runWorker(ctx, idx)
		}(i)
	}
	wg.Wait()
	return r.report()
}

func (r *runner) report() report {
	r.idsMu.Lock()
	defer r.idsMu.Unlock()
	rep := report{
		Success: r.success.Load(),
		Errors:  r.failures.Load(),
	}
	for _, n := range r.ids {
		rep.Created += n
		if n > 1 {
			rep.DuplicateIDs++
		}
	}
	return rep
}

func (r *runner) recordCreated(id string) {
	r.idsMu.Lock()
	r.ids[id]++
	n := r.ids[id]
	r.idsMu.Unlock()
	if n > 1 {
		r.logger.Error().Str("todo.id", id).Int("seen", n).Msg("duplicate todo id returned by create")
	}
}

func (r *runner) runWorker(ctx context.Context, idx int) {
	if r.cfg.RampUp > 0 {
		delay := time.Duration(float64(r.cfg.RampUp) / float64(max(r.cfg.Workers, 1)) * float64(idx))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	r.activeWorkers.Inc()
	r.active.Add(1)
	defer func() {
		r.activeWorkers.Dec()
		r.active.Add(-1)
	}()

	interval := time.Second
	if r.cfg.ActionsPerWorkerPerS > 0 {
		interval = max(time.Duration(float64(time.Second)/r.cfg.ActionsPerWorkerPerS), 10*time.Millisecond)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(idx*7)))
	var owned []string

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			owned = r.runAction(ctx, rng, owned)
		}
	}
}

// runAction creates, updates or deletes one todo and returns the worker's
// updated set of live ids.
func (r *runner) runAction(ctx context.Context, rng *rand.Rand, owned []string) []string {
	choice := rng.Float64()
	switch {
	case len(owned) == 0 || choice < 0.5:
		id, err := r.createTodo(ctx, fmt.Sprintf("Load Todo %d", rng.Intn(1_000_000)))
		r.countAction("create", err)
		if err == nil {
			owned = append(owned, id)
		}
	case choice < 0.8:
		id := owned[rng.Intn(len(owned))]
		err := r.updateTodo(ctx, id, map[string]any{"completed": rng.Intn(2) == 0})
		r.countAction("update", err)
	case choice < 0.9:
		_, err := r.listTodos(ctx, rng.Intn(50), 20)
		r.countAction("list", err)
	default:
		pos := rng.Intn(len(owned))
		err := r.deleteTodo(ctx, owned[pos])
		r.countAction("delete", err)
		if err == nil {
			owned[pos] = owned[len(owned)-1]
			owned = owned[:len(owned)-1]
		}
	}
	return owned
}

func (r *runner) countAction(action string, err error) {
	if err != nil {
		r.actionsTotal.WithLabelValues(action, "error").Inc()
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			r.logger.Debug().Err(err).Str("action", action).Msg("action failed")
		}
		return
	}
	r.actionsTotal.WithLabelValues(action, "success").Inc()
}

func (r *runner) createTodo(ctx context.Context, title string) (string, error) {
	var out todoResponse
	if _, err := r.requestJSON(ctx, "create", http.MethodPost, "/todos", map[string]any{"title": title}, &out, http.StatusCreated); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("create returned empty id")
	}
	r.recordCreated(out.ID)
	return out.ID, nil
}

func (r *runner) updateTodo(ctx context.Context, id string, fields map[string]any) error {
	_, err := r.requestJSON(ctx, "update", http.MethodPut, "/todos/"+id, fields, nil, http.StatusOK)
	return err
}

func (r *runner) listTodos(ctx context.Context, skip, limit int) ([]todoResponse, error) {
	var out []todoResponse
	path := "/todos?skip=" + strconv.Itoa(skip) + "&limit=" + strconv.Itoa(limit)
	_, err := r.requestJSON(ctx, "list", http.MethodGet, path, nil, &out, http.StatusOK)
	return out, err
}

func (r *runner) deleteTodo(ctx context.Context, id string) error {
	_, err := r.requestJSON(ctx, "delete", http.MethodDelete, "/todos/"+id, nil, nil, http.StatusNoContent)
	return err
}

func (r *runner) requestJSON(ctx context.Context, endpoint, method, path string, payload, out any, expected ...int) (int, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.cfg.APIBase+path, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.requestsTotal.WithLabelValues(endpoint, method, "0", "error").Inc()
		r.failures.Add(1)
		return 0, err
	}
	defer resp.Body.Close()

	status := strconv.Itoa(resp.StatusCode)
	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		r.requestsTotal.WithLabelValues(endpoint, method, status, "error").Inc()
		r.failures.Add(1)
		return resp.StatusCode, err
	}

	for _, want := range expected {
		if resp.StatusCode != want {
			continue
		}
		r.requestsTotal.WithLabelValues(endpoint, method, status, "success").Inc()
		r.success.Add(1)
		if out != nil && len(responseBody) > 0 {
			if err := json.Unmarshal(responseBody, out); err != nil {
				return resp.StatusCode, err
			}
		}
		return resp.StatusCode, nil
	}

	r.requestsTotal.WithLabelValues(endpoint, method, status, "error").Inc()
	r.failures.Add(1)
	return resp.StatusCode, fmt.Errorf("unexpected status=%d body=%s", resp.StatusCode, truncate(string(responseBody), 240))
}

func (r *runner) waitForHTTPStatus(ctx context.Context, requestURL string, expectedStatus int, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	for {
		req, err := http.NewRequestWithContext(waitCtx, http.MethodGet, requestURL, nil)
		if err != nil {
			return err
		}
		resp, err := r.client.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode == expectedStatus {
				return nil
			}
			err = fmt.Errorf("status=%d", resp.StatusCode)
		}
		lastErr = err

		select {
		case <-waitCtx.Done():
			return fmt.Errorf("waiting for %s: %w", requestURL, lastErr)
		case <-time.After(1200 * time.Millisecond):
		}
	}
}

func (r *runner) logProgress(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.logger.Info().
				Int64("requests.success", r.success.Load()).
				Int64("requests.error", r.failures.Load()).
				Int64("workers.active", r.active.Load()).
				Msg("progress")
		}
	}
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}
