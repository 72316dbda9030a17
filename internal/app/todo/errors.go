package todo

import (
	"errors"
	"fmt"
	"strings"
)

// ErrPoolTimeout is returned when no session frees up before the pool
// acquisition timeout.
var ErrPoolTimeout = errors.New("session pool timeout")

var ErrNotFound = errors.New("todo not found")

type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("Todo with id %s not found", e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// Violation is one field-level validation failure. Loc is the path of the
// offending value, e.g. ["body", "title"].
type Violation struct {
	Loc  []string `json:"loc"`
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
}

type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, strings.Join(v.Loc, ".")+": "+v.Msg)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// StoreError wraps any failure of the backing store: pool, connection,
// statement or transaction.
type StoreError struct {
	Op        string
	Code      string
	Retryable bool
	Err       error
}

func (e *StoreError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("todo store: %s: [%s] %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("todo store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Kind is the outcome of a repository operation as seen by callers.
type Kind int

const (
	KindOK Kind = iota
	KindValidation
	KindNotFound
	KindStore
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	default:
		return "store"
	}
}

// KindOf classifies err. Anything that is neither a validation nor a
// not-found failure is a store failure.
func KindOf(err error) Kind {
	if err == nil {
		return KindOK
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return KindValidation
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	return KindStore
}
