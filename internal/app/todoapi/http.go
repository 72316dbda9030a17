package todoapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/todo-1m/todo-api/internal/app/todo"
	"github.com/todo-1m/todo-api/internal/contracts"
)

const internalErrorDetail = "Internal Server Error"

type Handler struct {
	Scope         *todo.Scope
	Events        *Notifier
	Metrics       *Metrics
	Logger        zerolog.Logger
	AllowedOrigin string
	ServiceName   string
	// MaxBodyBytes caps request bodies; 0 means no limit.
	MaxBodyBytes int64
}

func NewHandler(scope *todo.Scope, events *Notifier, m *Metrics, logger zerolog.Logger, allowedOrigin string) *Handler {
	return &Handler{
		Scope:         scope,
		Events:        events,
		Metrics:       m,
		Logger:        logger,
		AllowedOrigin: allowedOrigin,
		ServiceName:   "todo-api",
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(h.Logger))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.RemoteAddrHandler("ip"))
	r.Use(hlog.AccessHandler(accessLog))
	if h.Metrics != nil {
		r.Use(h.Metrics.instrument)
	}
	r.Use(h.recoverPanic)
	r.Use(h.corsMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		h.writeJSON(w, http.StatusNotFound, errorResponse{Detail: "Not Found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		h.writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Detail: "Method Not Allowed"})
	})

	r.Get("/", h.handleRoot)
	r.Get("/health", h.handleHealth)

	r.Get("/todos", h.handleList)
	r.Post("/todos", h.handleCreate)
	r.Get("/todos/{todoID}", h.handleGet)
	r.Put("/todos/{todoID}", h.handleUpdate)
	r.Delete("/todos/{todoID}", h.handleDelete)

	return r
}

func accessLog(r *http.Request, status, size int, duration time.Duration) {
	event := hlog.FromRequest(r).Info()
	if status >= http.StatusInternalServerError {
		event = hlog.FromRequest(r).Error()
	}
	event.
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Int("size", size).
		Dur("duration", duration).
		Msg("request")
}

func (h *Handler) handleRoot(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{
		"message": "Todo API",
		"health":  "/health",
		"todos":   "/todos",
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": h.ServiceName,
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	skip, limit, err := parseListParams(r.URL.Query())
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	var todos []todo.Todo
	err = h.Scope.Run(r.Context(), func(ctx context.Context, repo todo.Repository) error {
		var err error
		todos, err = repo.List(ctx, skip, limit)
		return err
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	hlog.FromRequest(r).Debug().Int("skip", skip).Int("limit", limit).Int("count", len(todos)).Msg("todos listed")
	h.writeJSON(w, http.StatusOK, toResponses(todos))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "todoID")

	var found todo.Todo
	err := h.Scope.Run(r.Context(), func(ctx context.Context, repo todo.Repository) error {
		var err error
		found, err = repo.Get(ctx, id)
		return err
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toResponse(found))
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	in, err := decodeCreate(w, r, h.MaxBodyBytes)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	var created todo.Todo
	err = h.Scope.Run(r.Context(), func(ctx context.Context, repo todo.Repository) error {
		var err error
		created, err = repo.Create(ctx, todo.New(in.Title, in.Description, in.Completed))
		return err
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	hlog.FromRequest(r).Info().Str("todo.id", created.ID).Msg("todo created")
	h.Events.Notify(r.Context(), contracts.EventTodoCreated, created, nil)
	h.writeJSON(w, http.StatusCreated, toResponse(created))
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "todoID")
	patch, err := decodeUpdate(w, r, h.MaxBodyBytes)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	var updated todo.Todo
	err = h.Scope.Run(r.Context(), func(ctx context.Context, repo todo.Repository) error {
		var err error
		updated, err = repo.Update(ctx, id, patch)
		return err
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	hlog.FromRequest(r).Info().Str("todo.id", id).Strs("fields", patch.Fields()).Msg("todo updated")
	h.Events.Notify(r.Context(), contracts.EventTodoUpdated, updated, patch.Fields())
	h.writeJSON(w, http.StatusOK, toResponse(updated))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "todoID")

	var deleted todo.Todo
	err := h.Scope.Run(r.Context(), func(ctx context.Context, repo todo.Repository) error {
		var err error
		if deleted, err = repo.Get(ctx, id); err != nil {
			return err
		}
		return repo.Delete(ctx, id)
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	hlog.FromRequest(r).Info().Str("todo.id", id).Msg("todo deleted")
	h.Events.Notify(r.Context(), contracts.EventTodoDeleted, deleted, nil)
	w.WriteHeader(http.StatusNoContent)
}

// writeFailure maps an operation outcome to its HTTP response. Store
// failures are logged in full and answered with a generic detail.
func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	switch todo.KindOf(err) {
	case todo.KindValidation:
		var ve *todo.ValidationError
		errors.As(err, &ve)
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Detail: ve.Violations})
	case todo.KindNotFound:
		detail := err.Error()
		var nf *todo.NotFoundError
		if errors.As(err, &nf) {
			detail = nf.Error()
		}
		hlog.FromRequest(r).Info().Str("todo.id", chi.URLParam(r, "todoID")).Msg("todo not found")
		h.writeJSON(w, http.StatusNotFound, errorResponse{Detail: detail})
	default:
		event := hlog.FromRequest(r).Error().Err(err)
		var storeErr *todo.StoreError
		if errors.As(err, &storeErr) {
			event = event.Str("store.op", storeErr.Op).Bool("store.retryable", storeErr.Retryable)
			if storeErr.Code != "" {
				event = event.Str("db.sqlstate", storeErr.Code)
			}
		}
		event.Msg("todo operation failed")
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: internalErrorDetail})
	}
}

func (h *Handler) recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			hlog.FromRequest(r).Error().Interface("panic", rec).Msg("handler panicked")
			h.writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: internalErrorDetail})
		}()
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "Origin, Access-Control-Request-Headers")
		w.Header().Set("Access-Control-Allow-Origin", h.allowedOriginForRequest(r.Header.Get("Origin")))
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")

		requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers"))
		if requestHeaders != "" {
			w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
		} else {
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-Id")
		}
		// preflight never reaches the router
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) allowedOriginForRequest(requestOrigin string) string {
	allowed := strings.TrimSpace(h.AllowedOrigin)
	if allowed == "" || allowed == "*" {
		return "*"
	}
	origin := strings.TrimSpace(requestOrigin)
	if origin == "" {
		return allowed
	}
	if origin == allowed || isEquivalentLoopbackOrigin(origin, allowed) {
		return origin
	}
	return allowed
}

func isEquivalentLoopbackOrigin(originA, originB string) bool {
	a, err := url.Parse(originA)
	if err != nil {
		return false
	}
	b, err := url.Parse(originB)
	if err != nil {
		return false
	}
	if !isLoopbackHost(a.Hostname()) || !isLoopbackHost(b.Hostname()) {
		return false
	}
	return a.Port() == b.Port() && strings.EqualFold(a.Scheme, b.Scheme)
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.Logger.Debug().Err(err).Msg("write response")
	}
}
