package todo

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

const DefaultAcquireTimeout = 30 * time.Second

// Scope runs one unit of work per request against a Store.
type Scope struct {
	Store          Store
	AcquireTimeout time.Duration
	Logger         zerolog.Logger
}

func NewScope(store Store, acquireTimeout time.Duration, logger zerolog.Logger) *Scope {
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultAcquireTimeout
	}
	return &Scope{
		Store:          store,
		AcquireTimeout: acquireTimeout,
		Logger:         logger,
	}
}

// Run acquires a session, calls fn with its repository, then commits when fn
// returns nil and rolls back otherwise. The session is released exactly once
// on every path, panics included. Commit and rollback ignore cancellation of
// ctx so an abandoned request still resolves its transaction.
func (s *Scope) Run(ctx context.Context, fn func(ctx context.Context, todos Repository) error) (err error) {
	session, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer session.Release()

	resolveCtx := context.WithoutCancel(ctx)
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := session.Rollback(resolveCtx); rbErr != nil {
			s.Logger.Error().Err(rbErr).Msg("transaction rollback failed")
		}
	}()

	if err := fn(ctx, session.Todos()); err != nil {
		return err
	}

	committed = true
	if err := session.Commit(resolveCtx); err != nil {
		var storeErr *StoreError
		if errors.As(err, &storeErr) {
			return err
		}
		return &StoreError{Op: "commit", Err: err}
	}
	return nil
}

func (s *Scope) begin(ctx context.Context) (Session, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, s.AcquireTimeout)
	defer cancel()

	session, err := s.Store.Begin(acquireCtx)
	if err == nil {
		return session, nil
	}
	if ctx.Err() == nil && errors.Is(acquireCtx.Err(), context.DeadlineExceeded) {
		return nil, &StoreError{Op: "acquire", Retryable: true, Err: ErrPoolTimeout}
	}
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return nil, err
	}
	return nil, &StoreError{Op: "begin", Err: err}
}
