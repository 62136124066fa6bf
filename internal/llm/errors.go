package llm

import "errors"

var (
	// ErrRateLimited is returned for 429 responses; always retryable.
	ErrRateLimited = errors.New("rate limited")
	// ErrMalformedOutput means the model response stayed unparseable after
	// the one in-client repair re-ask. Permanent for the item.
	ErrMalformedOutput = errors.New("malformed model output")
)

// RetryableError wraps failures worth retrying with backoff.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err as retryable.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err is eligible for backoff retry.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
