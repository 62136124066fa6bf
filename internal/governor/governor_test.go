package governor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alwaysRetry(error) bool    { return true }
func neverRetry(error) bool     { return false }
func noop(context.Context) error { return nil }

func TestConcurrencyCeilingIsNeverExceeded(t *testing.T) {
	const ceiling = 3
	g := New(Config{MaxConcurrent: ceiling, MaxAttempts: 1}, nil)

	var peak int64
	g.SetInflightHook(func(n int64) {
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				return
			}
		}
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.Do(context.Background(), neverRetry, func(context.Context) error {
				time.Sleep(5 * time.Millisecond)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(ceiling))
	assert.Greater(t, atomic.LoadInt64(&peak), int64(1), "work should actually overlap")
	assert.Zero(t, g.Inflight())
}

func TestPacingSpacesIssuances(t *testing.T) {
	const delay = 20 * time.Millisecond
	g := New(Config{MaxConcurrent: 5, PacingDelay: delay, MaxAttempts: 1}, nil)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, g.Do(context.Background(), neverRetry, noop))
		}()
	}
	wg.Wait()

	// Four issuances through a once-per-delay limiter with burst 1 need at
	// least three full delays.
	assert.GreaterOrEqual(t, time.Since(start), 3*delay)
}

func TestRetriesStopAtAttemptCap(t *testing.T) {
	g := New(Config{MaxConcurrent: 1, MaxAttempts: 3, BaseBackoff: time.Millisecond}, nil)

	boom := errors.New("transient")
	var calls int
	err := g.Do(context.Background(), alwaysRetry, func(context.Context) error {
		calls++
		return boom
	})

	require.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls, "first attempt plus two retries")
	assert.ErrorContains(t, err, "attempts exhausted")
}

func TestRetriesStopAtTimeBudget(t *testing.T) {
	g := New(Config{
		MaxConcurrent: 1,
		MaxAttempts:   100,
		MaxElapsed:    30 * time.Millisecond,
		BaseBackoff:   20 * time.Millisecond,
	}, nil)

	boom := errors.New("transient")
	var calls int
	err := g.Do(context.Background(), alwaysRetry, func(context.Context) error {
		calls++
		return boom
	})

	require.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "time budget exhausted")
	assert.Less(t, calls, 5, "the budget must cut retries short well before the attempt cap")
}

func TestNonRetryableErrorReturnsImmediately(t *testing.T) {
	g := New(Config{MaxConcurrent: 1, MaxAttempts: 5, BaseBackoff: time.Millisecond}, nil)

	boom := errors.New("permanent")
	var calls int
	err := g.Do(context.Background(), neverRetry, func(context.Context) error {
		calls++
		return boom
	})

	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.NotContains(t, err.Error(), "exhausted")
}

func TestBackoffDoublesBetweenAttempts(t *testing.T) {
	g := New(Config{MaxConcurrent: 1, MaxAttempts: 3, BaseBackoff: 10 * time.Millisecond}, nil)

	var stamps []time.Time
	err := g.Do(context.Background(), alwaysRetry, func(context.Context) error {
		stamps = append(stamps, time.Now())
		return errors.New("transient")
	})
	require.Error(t, err)
	require.Len(t, stamps, 3)

	first := stamps[1].Sub(stamps[0])
	second := stamps[2].Sub(stamps[1])
	assert.GreaterOrEqual(t, first, 10*time.Millisecond)
	assert.GreaterOrEqual(t, second, 20*time.Millisecond)
}

func TestCanceledContextAbortsAcquire(t *testing.T) {
	g := New(Config{MaxConcurrent: 1, MaxAttempts: 1}, nil)

	release := make(chan struct{})
	go func() {
		_ = g.Do(context.Background(), neverRetry, func(context.Context) error {
			<-release
			return nil
		})
	}()
	// Let the holder occupy the only slot.
	require.Eventually(t, func() bool { return g.Inflight() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := g.Do(ctx, neverRetry, noop)
	require.ErrorIs(t, err, context.Canceled)
	close(release)
}

func TestCanceledContextAbortsBackoffWait(t *testing.T) {
	g := New(Config{MaxConcurrent: 1, MaxAttempts: 5, BaseBackoff: time.Minute}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- g.Do(ctx, alwaysRetry, func(context.Context) error {
			return errors.New("transient")
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancellation during backoff")
	}
}
