package governor

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Config bounds outbound call issuance. Attempt and time caps are explicit
// so tests can exhaust them deterministically.
type Config struct {
	// MaxConcurrent is the ceiling on simultaneously outstanding calls.
	MaxConcurrent int
	// PacingDelay is the minimum spacing between call issuances, enforced
	// independently of the concurrency ceiling.
	PacingDelay time.Duration
	// MaxAttempts caps retries per item, first attempt included.
	MaxAttempts int
	// MaxElapsed caps the total retry time budget per item.
	MaxElapsed time.Duration
	// BaseBackoff is the first retry delay; doubled per attempt up to MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Governor serializes call issuance through a rate limiter and bounds the
// number of in-flight calls. Retryable failures get capped exponential
// backoff; exhausting either the attempt cap or the time budget surfaces the
// last error so the caller can reclassify the item as permanently failed.
type Governor struct {
	cfg     Config
	sem     chan struct{}
	limiter *rate.Limiter
	logger  *slog.Logger

	inflight atomic.Int64
	// onInflight, when set, observes every in-flight count change.
	onInflight func(n int64)
}

func New(cfg Config, logger *slog.Logger) *Governor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.PacingDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.PacingDelay), 1)
	}
	return &Governor{
		cfg:     cfg,
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		limiter: limiter,
		logger:  logger,
	}
}

// SetInflightHook installs an observer for in-flight count changes. Test
// instrumentation; not safe to call once Do is in use.
func (g *Governor) SetInflightHook(fn func(n int64)) {
	g.onInflight = fn
}

// Inflight returns the number of currently outstanding calls.
func (g *Governor) Inflight() int64 {
	return g.inflight.Load()
}

// Do runs fn under the concurrency ceiling and pacing delay, retrying
// failures that retryable reports as transient.
func (g *Governor) Do(ctx context.Context, retryable func(error) bool, fn func(ctx context.Context) error) error {
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	g.track(1)
	defer func() {
		g.track(-1)
		<-g.sem
	}()

	start := time.Now()
	backoff := g.cfg.BaseBackoff
	var lastErr error

	for attempt := 1; ; attempt++ {
		// Pacing applies to every issuance, retries included.
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			return err
		}
		if attempt >= g.cfg.MaxAttempts {
			return fmt.Errorf("retry attempts exhausted after %d tries: %w", attempt, lastErr)
		}
		if g.cfg.MaxElapsed > 0 && time.Since(start)+backoff > g.cfg.MaxElapsed {
			return fmt.Errorf("retry time budget exhausted after %s: %w",
				time.Since(start).Round(time.Millisecond), lastErr)
		}

		g.logger.Warn("transient failure, backing off",
			"attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > g.cfg.MaxBackoff {
			backoff = g.cfg.MaxBackoff
		}
	}
}

func (g *Governor) track(delta int64) {
	n := g.inflight.Add(delta)
	if g.onInflight != nil {
		g.onInflight(n)
	}
}
