package channel

import (
	"context"
	"errors"
	"time"

	"github.com/joseph-ayodele/airraid-tracker/internal/entity"
)

// Client is the channel access the retrieval layer needs. Both calls yield
// messages newest-first, strictly older than offsetID (0 = from the top).
type Client interface {
	// Search asks the backend for messages containing phrase. Some backends
	// restrict or disable search independently of normal history fetch; that
	// condition is reported as ErrSearchUnavailable.
	Search(ctx context.Context, phrase string, offsetID int64, limit int) ([]entity.Message, error)
	// History returns the next page of the full channel history.
	History(ctx context.Context, offsetID int64, limit int) ([]entity.Message, error)
}

// ErrSearchUnavailable means server-side search is unsupported or disabled
// for the channel. It triggers a permanent downgrade to history iteration,
// not a retry.
var ErrSearchUnavailable = errors.New("server-side search unavailable")

// TransientError wraps failures worth retrying (network blips, flood waits).
type TransientError struct {
	Err error
	// RetryAfter is the backend-suggested wait before the next attempt;
	// 0 when the backend gave none.
	RetryAfter time.Duration
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// TransientAfter wraps err as retryable with a backend-suggested wait.
func TransientAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err, RetryAfter: after}
}

// IsTransient reports whether err is a retryable channel failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// RetryDelay returns the backend-suggested wait carried by a transient err,
// or 0 when there is none.
func RetryDelay(err error) time.Duration {
	var te *TransientError
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}
