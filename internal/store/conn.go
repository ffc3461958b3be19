package store

import (
	"context"
	"errors"
	"fmt"
)

// Typed storage errors. Semantic failures are never retried and never
// inferred from error text.
var (
	// ErrNotFound means the operation matched no row.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict means a uniqueness or conditional check failed.
	ErrConflict = errors.New("store: conflict")
	// ErrUnknownOperation means the operation name is not registered.
	ErrUnknownOperation = errors.New("store: unknown operation")
)

// TransientError marks a transport-level failure that is safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("store: transient failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is a retryable transport failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsNotFound reports whether err means no row matched.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err is a uniqueness or conditional failure.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// Params carries named operation arguments.
type Params map[string]interface{}

// Row is one result row keyed by column name.
type Row map[string]interface{}

// Result is the tagged outcome of a named operation.
type Result struct {
	Rows         []Row
	RowsAffected int
	// Applied reports the outcome of a conditional (compare-and-set)
	// write; unconditional operations leave it true.
	Applied bool
}

// First returns the first row or nil.
func (r *Result) First() Row {
	if len(r.Rows) == 0 {
		return nil
	}
	return r.Rows[0]
}

// Conn is the narrow query interface to the durable store. Implementations
// must map backend errors to the typed errors above and tag transport
// failures with Transient.
type Conn interface {
	Execute(ctx context.Context, op string, params Params) (*Result, error)
	Ping(ctx context.Context) error
	Close() error
}
