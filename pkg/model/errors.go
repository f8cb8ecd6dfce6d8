package model

import (
	"context"
	"errors"

	"github.com/m-mizutani/goerr/v2"
)

var (
	// ErrValidation is malformed input such as empty text or a non-positive k
	ErrValidation = goerr.New("validation error")
	// ErrNotFound is an unknown id or list index
	ErrNotFound = goerr.New("not found")
	// ErrConflict is a stale-state mismatch detected while reflecting or committing
	ErrConflict = goerr.New("conflict")
	// ErrUnavailable is an external backend that failed or is unreachable
	ErrUnavailable = goerr.New("backend unavailable")
	// ErrTimeout is an external backend that did not answer in time
	ErrTimeout = goerr.New("backend timeout")
)

// BackendError classifies a failure of an external backend call as
// ErrTimeout or ErrUnavailable. Errors already carrying ErrValidation are
// returned wrapped but unclassified.
func BackendError(err error, msg string, opts ...goerr.Option) error {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrTimeout), errors.Is(err, ErrUnavailable):
		return goerr.Wrap(err, msg, opts...)
	case errors.Is(err, context.DeadlineExceeded):
		return goerr.Wrap(ErrTimeout, msg, append(opts, goerr.V("cause", err.Error()))...)
	default:
		return goerr.Wrap(ErrUnavailable, msg, append(opts, goerr.V("cause", err.Error()))...)
	}
}
