package retriever

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/joseph-ayodele/airraid-tracker/internal/channel"
	"github.com/joseph-ayodele/airraid-tracker/internal/entity"
)

// Strategy yields candidate messages newest-first in batches. An empty batch
// with a nil error means the sequence is exhausted.
type Strategy interface {
	NextBatch(ctx context.Context) ([]entity.Message, error)
	SupportsSearch() bool
}

// Config for a Retriever.
type Config struct {
	Phrase string
	// MessageLimit caps the number of matching messages yielded; 0 = unlimited.
	MessageLimit int
	// StartCursor resumes history iteration below this message ID; 0 = top.
	StartCursor int64
	// UseSearch selects the server-side search strategy first.
	UseSearch bool
	// FetchRetries bounds transient-error retries per batch. Search errors
	// beyond the bound fall back to iteration; iteration errors propagate.
	FetchRetries int
	// RetryDelay is the wait between transient retries when the backend did
	// not suggest one (flood waits carry their own).
	RetryDelay time.Duration
	BatchSize  int
}

// Retriever produces a lazy, finite, forward-only sequence of matching
// messages. It is not restartable; resumption across runs happens through
// the checkpoint, not by re-running a sequence.
type Retriever struct {
	client channel.Client
	cfg    Config
	logger *slog.Logger

	strat    Strategy
	fellBack atomic.Bool
	yielded  int
	buf      []entity.Message
	done     bool
}

// New builds a Retriever over client. The iteration strategy is selected
// directly when cfg.UseSearch is false.
func New(client channel.Client, cfg Config, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FetchRetries <= 0 {
		cfg.FetchRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	r := &Retriever{client: client, cfg: cfg, logger: logger}
	if cfg.UseSearch {
		r.strat = &searchStrategy{client: client, phrase: cfg.Phrase, batch: cfg.BatchSize}
	} else {
		r.strat = newIterationStrategy(client, cfg.Phrase, cfg.StartCursor, cfg.BatchSize)
		r.fellBack.Store(true)
	}
	return r
}

// UsingSearch reports whether the server-side search strategy is still
// active. The orchestrator stamps each yielded message with this so cursor
// bookkeeping never depends on later strategy changes.
func (r *Retriever) UsingSearch() bool {
	return !r.fellBack.Load()
}

// Next yields the next matching message. ok=false signals the end of the
// sequence (history exhausted or message cap reached), not an error.
func (r *Retriever) Next(ctx context.Context) (entity.Message, bool, error) {
	if r.done || (r.cfg.MessageLimit > 0 && r.yielded >= r.cfg.MessageLimit) {
		return entity.Message{}, false, nil
	}
	for len(r.buf) == 0 {
		batch, err := r.fetchBatch(ctx)
		if err != nil {
			return entity.Message{}, false, err
		}
		if len(batch) == 0 {
			r.done = true
			return entity.Message{}, false, nil
		}
		r.buf = batch
	}
	msg := r.buf[0]
	r.buf = r.buf[1:]
	r.yielded++
	return msg, true, nil
}

// fetchBatch pulls the next batch from the active strategy. Transient errors
// (flood waits, network blips) are retried a bounded number of times with a
// delay; exhausting them falls back to iteration in search mode and
// propagates in iteration mode, which has nowhere to fall back to.
// Search-unavailable switches to iteration permanently.
func (r *Retriever) fetchBatch(ctx context.Context) ([]entity.Message, error) {
	transientTries := 0
	for {
		batch, err := r.strat.NextBatch(ctx)
		if err == nil {
			return batch, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		switch {
		case r.strat.SupportsSearch() && errors.Is(err, channel.ErrSearchUnavailable):
			r.fallBack("search unavailable", err)
		case channel.IsTransient(err):
			transientTries++
			if transientTries < r.cfg.FetchRetries {
				if werr := r.waitRetry(ctx, err, transientTries); werr != nil {
					return nil, werr
				}
				continue
			}
			if !r.strat.SupportsSearch() {
				return nil, err
			}
			r.fallBack("transient search errors exhausted", err)
		default:
			return nil, err
		}
		transientTries = 0
	}
}

// waitRetry sleeps before the next fetch attempt, honoring the backend's
// suggested wait when the error carries one.
func (r *Retriever) waitRetry(ctx context.Context, err error, attempt int) error {
	delay := channel.RetryDelay(err)
	if delay <= 0 {
		delay = r.cfg.RetryDelay
	}
	r.logger.Warn("transient fetch error, retrying",
		"attempt", attempt, "delay", delay, "error", err)
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Retriever) fallBack(reason string, err error) {
	r.logger.Warn("downgrading to history iteration",
		"reason", reason, "error", err)
	r.strat = newIterationStrategy(r.client, r.cfg.Phrase, r.cfg.StartCursor, r.cfg.BatchSize)
	r.fellBack.Store(true)
}

// searchStrategy asks the backend to match the phrase server-side. Fast, but
// backends may miss messages where formatting splits the phrase; the caller
// accepts that recall tradeoff.
type searchStrategy struct {
	client   channel.Client
	phrase   string
	batch    int
	offsetID int64
}

func (s *searchStrategy) SupportsSearch() bool { return true }

func (s *searchStrategy) NextBatch(ctx context.Context) ([]entity.Message, error) {
	msgs, err := s.client.Search(ctx, s.phrase, s.offsetID, s.batch)
	if err != nil {
		return nil, err
	}
	if len(msgs) > 0 {
		s.offsetID = msgs[len(msgs)-1].ID
	}
	return msgs, nil
}

// iterationStrategy walks the full history newest-first and filters locally.
// Strictly correct, at the cost of fetching every message.
type iterationStrategy struct {
	client   channel.Client
	phrase   string
	batch    int
	offsetID int64
}

func newIterationStrategy(client channel.Client, phrase string, cursor int64, batch int) *iterationStrategy {
	return &iterationStrategy{client: client, phrase: phrase, batch: batch, offsetID: cursor}
}

func (s *iterationStrategy) SupportsSearch() bool { return false }

func (s *iterationStrategy) NextBatch(ctx context.Context) ([]entity.Message, error) {
	// Keep paging until a page yields at least one match, so an empty return
	// unambiguously means the history is exhausted.
	for {
		page, err := s.client.History(ctx, s.offsetID, s.batch)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return nil, nil
		}
		s.offsetID = page[len(page)-1].ID

		var matched []entity.Message
		for _, m := range page {
			if m.Text != "" && strings.Contains(m.Text, s.phrase) {
				matched = append(matched, m)
			}
		}
		if len(matched) > 0 {
			return matched, nil
		}
	}
}
