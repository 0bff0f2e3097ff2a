package match

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-realtime-pong/internal/events"
	"github.com/koopa0/system-design/14-realtime-pong/internal/game"
	"github.com/koopa0/system-design/14-realtime-pong/internal/storage"
	apperrors "github.com/koopa0/system-design/14-realtime-pong/pkg/errors"
)

// flakyStore 前 failures 次 Update 失敗
type flakyStore struct {
	*storage.MemoryStore

	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakyStore) Update(ctx context.Context, matchID string, u storage.MatchUpdate) (*storage.MatchRecord, error) {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()

	if fail {
		return nil, apperrors.Wrap(errors.New("connection reset"), apperrors.ErrCodePersistenceFailure, "match store unavailable")
	}
	return s.MemoryStore.Update(ctx, matchID, u)
}

// capturePublisher 記錄發布的事件
type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *capturePublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleResult(matchID string) game.Result {
	return game.Result{
		MatchID:    matchID,
		Winner:     game.SideLeft,
		WinnerID:   "alice",
		LoserID:    "bob",
		FinalScore: game.Score{Left: 11, Right: 7},
		Reason:     game.ReasonScoreLimit,
		Summary:    game.Summary{Duration: 95, TotalHits: 40, LongestRally: 9},
		FinishedAt: time.Now(),
	}
}

func seed(t *testing.T, store *storage.MemoryStore, matchID string) {
	t.Helper()
	_, err := store.Create(context.Background(), storage.MatchRecord{
		MatchID:   matchID,
		Status:    storage.StatusInProgress,
		Mode:      storage.ModeCasual,
		CreatedBy: "alice",
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)
}

func TestResultSink_RetriesThenSucceeds(t *testing.T) {
	mem := storage.NewMemoryStore()
	seed(t, mem, "match_1")
	store := &flakyStore{MemoryStore: mem, failures: 2}
	pub := &capturePublisher{}

	sink := newResultSink(store, pub, quietLogger(), 3, time.Millisecond)
	require.NoError(t, sink.SaveResult(context.Background(), sampleResult("match_1")))

	assert.Equal(t, 3, store.calls)

	rec, err := mem.FindByID(context.Background(), "match_1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFinished, rec.Status)
	assert.Equal(t, "alice", *rec.WinnerID)
	assert.Equal(t, "bob", *rec.LoserID)
	assert.Equal(t, storage.Score{Left: 11, Right: 7}, *rec.FinalScore)
	assert.Equal(t, 95, *rec.DurationSec)
	require.NotNil(t, rec.FinishedAt)

	require.Len(t, pub.events, 1)
	assert.Equal(t, events.TypeFinished, pub.events[0].Type)
	assert.Equal(t, "match_1", pub.events[0].MatchID)
}

func TestResultSink_GivesUp(t *testing.T) {
	mem := storage.NewMemoryStore()
	seed(t, mem, "match_2")
	store := &flakyStore{MemoryStore: mem, failures: 10}
	pub := &capturePublisher{}

	sink := newResultSink(store, pub, quietLogger(), 2, time.Millisecond)
	err := sink.SaveResult(context.Background(), sampleResult("match_2"))

	require.Error(t, err)
	assert.True(t, apperrors.IsPersistenceFailure(err))
	assert.Equal(t, 3, store.calls)
	assert.Empty(t, pub.events)
}

func TestResultSink_MissingRecord(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	sink := newResultSink(store, &capturePublisher{}, quietLogger(), 3, time.Millisecond)

	err := sink.SaveResult(context.Background(), sampleResult("match_missing"))
	assert.True(t, apperrors.IsNotFound(err))
	assert.Equal(t, 1, store.calls, "missing records are not retried")
}

func TestResultSink_ContextCancelled(t *testing.T) {
	mem := storage.NewMemoryStore()
	seed(t, mem, "match_3")
	store := &flakyStore{MemoryStore: mem, failures: 10}

	sink := newResultSink(store, &capturePublisher{}, quietLogger(), 5, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := sink.SaveResult(ctx, sampleResult("match_3"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, store.calls)
}
