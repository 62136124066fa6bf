package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/joseph-ayodele/airraid-tracker/internal/common"
	"github.com/joseph-ayodele/airraid-tracker/internal/entity"
	"github.com/joseph-ayodele/airraid-tracker/internal/governor"
	"github.com/joseph-ayodele/airraid-tracker/internal/llm"
)

// Source is the message sequence the orchestrator drains. Forward-only and
// non-restartable; resumption happens through the checkpoint.
type Source interface {
	Next(ctx context.Context) (entity.Message, bool, error)
	UsingSearch() bool
}

// Checkpointer is the progress store consulted before dispatch and updated
// after each terminal outcome.
type Checkpointer interface {
	IsProcessed(id int64) bool
	MarkProcessed(ctx context.Context, id int64, status entity.ResultStatus) error
	AdvanceCursor(ctx context.Context, id int64) error
}

// Sink receives one row per ok extraction.
type Sink interface {
	Append(msg entity.Message, res entity.ExtractionResult) error
	Flush() error
}

// Config for the orchestrator.
type Config struct {
	// Phrase is re-checked as an exact substring before dispatch; search
	// backends may return fuzzy matches.
	Phrase string
	// ShutdownGrace bounds how long in-flight extractions may finish after
	// an interrupt before being abandoned.
	ShutdownGrace time.Duration
}

// RunStats is the user-visible outcome of one run.
type RunStats struct {
	Found            int
	AlreadyProcessed int
	Dispatched       int
	OK               int
	Skipped          int
	Failed           int
	Abandoned        int
}

// Orchestrator drives retrieval → dedupe → governed extraction → sink. It is
// the only component that mutates the checkpoint and sink, and it finalizes
// one completion at a time so the two writes never interleave.
type Orchestrator struct {
	source    Source
	store     Checkpointer
	extractor llm.Extractor
	gov       *governor.Governor
	sink      Sink
	cfg       Config
	logger    *slog.Logger
}

func New(source Source, store Checkpointer, extractor llm.Extractor, gov *governor.Governor, sink Sink, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	return &Orchestrator{
		source: source, store: store, extractor: extractor,
		gov: gov, sink: sink, cfg: cfg, logger: logger,
	}
}

type completion struct {
	msg       entity.Message
	res       entity.ExtractionResult
	abandoned bool
	fatal     error
}

// cursorTracker keeps the iteration cursor at a contiguous low-water mark.
// Completions finish out of order under concurrency; moving the cursor to an
// older completed ID while a newer message is still in flight would, after an
// interrupt, resume below the abandoned message and silently lose it. The
// cursor therefore only advances to an ID once every iteration-yielded
// message newer than it has a durable terminal outcome. Messages yielded by
// server-side search never enter the tracker; their completion order carries
// no history position.
type cursorTracker struct {
	mu    sync.Mutex
	order []int64        // iteration-yielded IDs in yield order (descending)
	done  map[int64]bool // yielded ID -> outcome durable?
	idx   int            // first position in order not yet durable
}

func newCursorTracker() *cursorTracker {
	return &cursorTracker{done: make(map[int64]bool)}
}

// yielded records an iteration-yielded message. durable is true when the
// message already has a terminal outcome (deduped against the checkpoint).
func (t *cursorTracker) yielded(id int64, durable bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.order = append(t.order, id)
	t.done[id] = durable
}

// finalized marks id's outcome durable. IDs the tracker never saw (search
// yields) are ignored.
func (t *cursorTracker) finalized(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.done[id]; ok {
		t.done[id] = true
	}
}

// lowWater returns the oldest ID whose entire newer iteration prefix is
// durable; ok is false while the newest yielded message is still pending.
func (t *cursorTracker) lowWater() (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.idx < len(t.order) && t.done[t.order[t.idx]] {
		t.idx++
	}
	if t.idx == 0 {
		return 0, false
	}
	return t.order[t.idx-1], true
}

type fetchResult struct {
	found      int
	already    int
	dispatched int
	err        error
}

// Run drains the source until it ends, the context is interrupted, or a
// fatal error occurs. An interrupt stops new dispatches; in-flight items get
// ShutdownGrace to reach a terminal state, after which they are abandoned
// unmarked and will be retried on the next run.
func (o *Orchestrator) Run(ctx context.Context) (RunStats, error) {
	var stats RunStats
	completions := make(chan completion)

	// In-flight work survives the interrupt for the grace period;
	// finalization writes always run to completion.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	fetchCtx, stopFetch := context.WithCancel(ctx)
	defer stopFetch()

	go func() {
		select {
		case <-ctx.Done():
			o.logger.Info("stop signal received, draining in-flight items",
				"grace", o.cfg.ShutdownGrace)
			timer := time.NewTimer(o.cfg.ShutdownGrace)
			defer timer.Stop()
			select {
			case <-timer.C:
				o.logger.Warn("grace period elapsed, abandoning in-flight items")
				cancelWork()
			case <-workCtx.Done():
			}
		case <-workCtx.Done():
		}
	}()

	tracker := newCursorTracker()

	var wg sync.WaitGroup
	fetchDone := make(chan fetchResult, 1)
	go func() {
		fr := o.fetchLoop(fetchCtx, workCtx, completions, &wg, tracker)
		wg.Wait()
		close(completions)
		fetchDone <- fr
	}()

	var fatal error
	for comp := range completions {
		switch {
		case comp.fatal != nil:
			if fatal == nil {
				fatal = comp.fatal
				o.logger.Error("fatal error, stopping run", "error", fatal)
				// Completed results still drain; dispatched calls are cut off.
				stopFetch()
				cancelWork()
			}
		case comp.abandoned:
			stats.Abandoned++
			o.logger.Warn("item abandoned, will be retried next run",
				"message_id", comp.msg.ID)
		default:
			o.finalize(comp, &stats, tracker)
		}
	}

	fr := <-fetchDone
	stats.Found = fr.found
	stats.AlreadyProcessed = fr.already
	stats.Dispatched = fr.dispatched
	if fr.err != nil && fatal == nil {
		fatal = fr.err
	}

	// A trailing run of deduped messages still extends the durable prefix.
	o.advanceCursor(context.Background(), tracker)

	if err := o.sink.Flush(); err != nil {
		o.logger.Error("sink flush failed", "error", err)
		if fatal == nil {
			fatal = err
		}
	}

	if ctx.Err() != nil && fatal == nil {
		o.logger.Info("run interrupted, progress checkpointed")
	}
	return stats, fatal
}

// fetchLoop pulls the source and fans matching messages out to governed
// extraction workers. It stops on sequence end, fetch error, or fetchCtx
// cancellation (interrupt or fatal stop).
func (o *Orchestrator) fetchLoop(fetchCtx, workCtx context.Context, completions chan<- completion, wg *sync.WaitGroup, tracker *cursorTracker) fetchResult {
	var fr fetchResult
	for {
		msg, ok, err := o.source.Next(fetchCtx)
		if err != nil {
			if fetchCtx.Err() != nil {
				return fr
			}
			fr.err = common.WrapError(err, "retrieve messages")
			return fr
		}
		if !ok {
			return fr
		}
		fr.found++

		// Stamp the strategy at yield time; the source may downgrade from
		// search to iteration mid-run, and only iteration yields carry a
		// history position the cursor may follow.
		viaSearch := o.source.UsingSearch()

		if o.store.IsProcessed(msg.ID) {
			o.logger.Debug("skipping already processed message", "message_id", msg.ID)
			fr.already++
			if !viaSearch {
				tracker.yielded(msg.ID, true)
			}
			continue
		}
		if !viaSearch {
			tracker.yielded(msg.ID, false)
		}

		if !strings.Contains(msg.Text, o.cfg.Phrase) {
			// Fuzzy search hit without the exact phrase: terminal skip, no
			// model call spent on it.
			completions <- completion{msg: msg, res: entity.ExtractionResult{
				MessageID: msg.ID,
				Status:    entity.StatusSkipped,
				Error:     "exact phrase not present",
			}}
			continue
		}

		fr.dispatched++
		wg.Add(1)
		go func(m entity.Message) {
			defer wg.Done()
			completions <- o.processOne(workCtx, m)
		}(msg)
	}
}

// processOne runs one governed extraction and maps its outcome onto the
// per-message state machine.
func (o *Orchestrator) processOne(ctx context.Context, m entity.Message) completion {
	var ex llm.Extraction
	err := o.gov.Do(ctx, llm.IsRetryable, func(ctx context.Context) error {
		var callErr error
		ex, callErr = o.extractor.Extract(ctx, m.Text)
		return callErr
	})

	switch {
	case err == nil && ex.Report == nil:
		return completion{msg: m, res: entity.ExtractionResult{
			MessageID: m.ID,
			Status:    entity.StatusSkipped,
			RawOutput: ex.Raw,
		}}
	case err == nil:
		fields, merr := json.Marshal(ex.Report)
		if merr != nil {
			return completion{msg: m, res: entity.ExtractionResult{
				MessageID: m.ID, Status: entity.StatusFailed, Error: merr.Error(),
			}}
		}
		return completion{msg: m, res: entity.ExtractionResult{
			MessageID: m.ID,
			Status:    entity.StatusOK,
			Fields:    fields,
			RawOutput: ex.Raw,
		}}
	case common.IsFatal(err):
		return completion{msg: m, fatal: err}
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		return completion{msg: m, abandoned: true}
	default:
		return completion{msg: m, res: entity.ExtractionResult{
			MessageID: m.ID,
			Status:    entity.StatusFailed,
			RawOutput: ex.Raw,
			Error:     err.Error(),
		}}
	}
}

// finalize commits one terminal outcome: checkpoint first, then the sink row
// for ok items, then the cursor in iteration mode. The checkpoint-first order
// means a crash between the two writes leaves an item marked without a row —
// detectable at startup and reprocessed — never a duplicated row.
func (o *Orchestrator) finalize(comp completion, stats *RunStats, tracker *cursorTracker) {
	ctx := context.Background()
	res := comp.res

	if err := o.store.MarkProcessed(ctx, res.MessageID, res.Status); err != nil {
		o.logger.Error("checkpoint write failed, item will be retried next run",
			"message_id", res.MessageID, "error", err)
		stats.Abandoned++
		return
	}

	if res.Status == entity.StatusOK {
		if err := o.sink.Append(comp.msg, res); err != nil {
			// Marked but rowless: startup reconciliation reclaims it.
			o.logger.Error("sink append failed", "message_id", res.MessageID, "error", err)
			stats.Failed++
			return
		}
	}

	switch res.Status {
	case entity.StatusOK:
		stats.OK++
	case entity.StatusSkipped:
		stats.Skipped++
	case entity.StatusFailed:
		stats.Failed++
	}

	tracker.finalized(res.MessageID)
	o.advanceCursor(ctx, tracker)

	o.logger.Info("message finalized",
		"message_id", res.MessageID, "status", res.Status)
}

// advanceCursor persists the tracker's low-water mark when one exists. The
// store ignores values at or above the stored cursor, so repeats are cheap.
func (o *Orchestrator) advanceCursor(ctx context.Context, tracker *cursorTracker) {
	id, ok := tracker.lowWater()
	if !ok {
		return
	}
	if err := o.store.AdvanceCursor(ctx, id); err != nil {
		o.logger.Warn("cursor advance failed", "message_id", id, "error", err)
	}
}
