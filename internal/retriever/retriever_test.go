package retriever

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/airraid-tracker/internal/channel"
	"github.com/joseph-ayodele/airraid-tracker/internal/entity"
)

const phrase = "У ніч на"

func msg(id int64, text string) entity.Message {
	return entity.Message{ID: id, Date: time.Unix(1700000000, 0).UTC(), Text: text, Channel: "kpszsu"}
}

// fakeClient pages a fixed newest-first history and optionally fails calls.
type fakeClient struct {
	history      []entity.Message
	searchErrs   []error // consumed one per Search call; nil entry = success
	historyErrs  []error // consumed one per History call; nil entry = success
	searchCalls  int
	historyCalls int
}

func (f *fakeClient) page(all []entity.Message, offsetID int64, limit int) []entity.Message {
	var out []entity.Message
	for _, m := range all {
		if offsetID != 0 && m.ID >= offsetID {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out
}

func (f *fakeClient) Search(_ context.Context, q string, offsetID int64, limit int) ([]entity.Message, error) {
	f.searchCalls++
	if len(f.searchErrs) > 0 {
		err := f.searchErrs[0]
		f.searchErrs = f.searchErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	var matching []entity.Message
	for _, m := range f.history {
		if strings.Contains(m.Text, q) {
			matching = append(matching, m)
		}
	}
	return f.page(matching, offsetID, limit), nil
}

func (f *fakeClient) History(_ context.Context, offsetID int64, limit int) ([]entity.Message, error) {
	f.historyCalls++
	if len(f.historyErrs) > 0 {
		err := f.historyErrs[0]
		f.historyErrs = f.historyErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.page(f.history, offsetID, limit), nil
}

func drain(t *testing.T, r *Retriever) []int64 {
	t.Helper()
	var ids []int64
	for {
		m, ok, err := r.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			return ids
		}
		ids = append(ids, m.ID)
	}
}

func testHistory() []entity.Message {
	return []entity.Message{
		msg(50, "У ніч на 21 серпня ворог атакував"),
		msg(49, "службове повідомлення"),
		msg(48, "У ніч на 20 серпня ворог атакував"),
		msg(47, ""),
		msg(46, "У ніч на 19 серпня ворог атакував"),
		msg(45, "інша новина"),
		msg(44, "У ніч на 18 серпня ворог атакував"),
	}
}

func TestSearchStrategyYieldsNewestFirst(t *testing.T) {
	client := &fakeClient{history: testHistory()}
	r := New(client, Config{Phrase: phrase, UseSearch: true, BatchSize: 2}, nil)

	ids := drain(t, r)
	assert.Equal(t, []int64{50, 48, 46, 44}, ids)
	assert.True(t, r.UsingSearch())
	assert.Zero(t, client.historyCalls)
}

func TestMessageLimitStopsTheSequence(t *testing.T) {
	client := &fakeClient{history: testHistory()}
	r := New(client, Config{Phrase: phrase, UseSearch: true, MessageLimit: 3, BatchSize: 10}, nil)

	ids := drain(t, r)
	assert.Equal(t, []int64{50, 48, 46}, ids)
	assert.Equal(t, 1, client.searchCalls, "the cap must not trigger another fetch")

	// The sequence stays ended.
	_, ok, err := r.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIterationStrategyFiltersLocally(t *testing.T) {
	client := &fakeClient{history: testHistory()}
	r := New(client, Config{Phrase: phrase, UseSearch: false, BatchSize: 2}, nil)

	ids := drain(t, r)
	assert.Equal(t, []int64{50, 48, 46, 44}, ids)
	assert.False(t, r.UsingSearch())
	assert.Zero(t, client.searchCalls)
	assert.Greater(t, client.historyCalls, 1, "iteration must page the full history")
}

func TestIterationResumesFromCursor(t *testing.T) {
	client := &fakeClient{history: testHistory()}
	r := New(client, Config{Phrase: phrase, UseSearch: false, StartCursor: 48, BatchSize: 10}, nil)

	ids := drain(t, r)
	assert.Equal(t, []int64{46, 44}, ids, "only messages older than the cursor")
}

func TestSearchUnavailableFallsBackToIteration(t *testing.T) {
	client := &fakeClient{
		history:    testHistory(),
		searchErrs: []error{channel.ErrSearchUnavailable},
	}
	r := New(client, Config{Phrase: phrase, UseSearch: true, BatchSize: 10}, nil)

	ids := drain(t, r)
	// Iteration yields a superset of what search would have: here, the same
	// matching set, via local filtering.
	assert.Equal(t, []int64{50, 48, 46, 44}, ids)
	assert.False(t, r.UsingSearch())
	assert.Equal(t, 1, client.searchCalls, "fallback is permanent, search is not retried")
}

func TestTransientSearchErrorIsRetriedThenFallsBack(t *testing.T) {
	transient := channel.Transient(errors.New("flood wait"))
	client := &fakeClient{
		history:    testHistory(),
		searchErrs: []error{transient, transient, transient},
	}
	r := New(client, Config{Phrase: phrase, UseSearch: true, FetchRetries: 3, RetryDelay: time.Millisecond, BatchSize: 10}, nil)

	ids := drain(t, r)
	assert.Equal(t, []int64{50, 48, 46, 44}, ids)
	assert.False(t, r.UsingSearch())
	assert.Equal(t, 3, client.searchCalls)
}

func TestTransientSearchErrorRecovers(t *testing.T) {
	client := &fakeClient{
		history:    testHistory(),
		searchErrs: []error{channel.Transient(errors.New("flood wait")), nil},
	}
	r := New(client, Config{Phrase: phrase, UseSearch: true, FetchRetries: 3, RetryDelay: time.Millisecond, BatchSize: 10}, nil)

	ids := drain(t, r)
	assert.Equal(t, []int64{50, 48, 46, 44}, ids)
	assert.True(t, r.UsingSearch(), "a recovered transient error must not downgrade")
}

func TestTransientHistoryErrorIsRetried(t *testing.T) {
	client := &fakeClient{
		history:     testHistory(),
		historyErrs: []error{channel.TransientAfter(errors.New("flood wait"), time.Millisecond)},
	}
	r := New(client, Config{Phrase: phrase, UseSearch: false, FetchRetries: 3, RetryDelay: time.Millisecond, BatchSize: 10}, nil)

	ids := drain(t, r)
	assert.Equal(t, []int64{50, 48, 46, 44}, ids, "a flood wait must not end the sequence")
	assert.Greater(t, client.historyCalls, 1)
}

func TestTransientHistoryErrorsExhaustAndPropagate(t *testing.T) {
	transient := channel.Transient(errors.New("flood wait"))
	client := &fakeClient{
		history:     testHistory(),
		historyErrs: []error{transient, transient, transient},
	}
	r := New(client, Config{Phrase: phrase, UseSearch: false, FetchRetries: 3, RetryDelay: time.Millisecond, BatchSize: 10}, nil)

	_, _, err := r.Next(context.Background())
	require.Error(t, err)
	assert.True(t, channel.IsTransient(err))
	assert.Equal(t, 3, client.historyCalls, "iteration has nowhere to fall back to")
}

func TestIterationErrorPropagates(t *testing.T) {
	boom := errors.New("history unavailable")
	client := &erroringClient{err: boom}
	r := New(client, Config{Phrase: phrase, UseSearch: false}, nil)

	_, _, err := r.Next(context.Background())
	require.ErrorIs(t, err, boom)
}

type erroringClient struct{ err error }

func (e *erroringClient) Search(context.Context, string, int64, int) ([]entity.Message, error) {
	return nil, e.err
}

func (e *erroringClient) History(context.Context, int64, int) ([]entity.Message, error) {
	return nil, e.err
}
