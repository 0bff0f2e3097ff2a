package match

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/koopa0/system-design/14-realtime-pong/internal/events"
	"github.com/koopa0/system-design/14-realtime-pong/internal/game"
	"github.com/koopa0/system-design/14-realtime-pong/internal/storage"
	apperrors "github.com/koopa0/system-design/14-realtime-pong/pkg/errors"
)

// resultSink 寫入比賽結果並發布 finished 事件
//
// 由引擎在獨立 goroutine 呼叫；儲存層暫時失敗時以指數退避重試：
// attempt=1 → base, attempt=2 → 2×base, attempt=3 → 4×base。
type resultSink struct {
	store     storage.Store
	publisher events.Publisher
	logger    *slog.Logger
	retries   int
	backoff   time.Duration
}

func newResultSink(store storage.Store, publisher events.Publisher, logger *slog.Logger, retries int, backoff time.Duration) *resultSink {
	if retries < 0 {
		retries = 0
	}
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	return &resultSink{
		store:     store,
		publisher: publisher,
		logger:    logger.With("component", "result_sink"),
		retries:   retries,
		backoff:   backoff,
	}
}

// resultPayload finished 事件內容
type resultPayload struct {
	Winner     game.Side      `json:"winner"`
	WinnerID   string         `json:"winnerId"`
	LoserID    string         `json:"loserId"`
	FinalScore game.Score     `json:"finalScore"`
	Reason     game.EndReason `json:"reason"`
	Summary    game.Summary   `json:"matchSummary"`
}

// SaveResult 實現 game.ResultSink
func (s *resultSink) SaveResult(ctx context.Context, res game.Result) error {
	finishedAt := res.FinishedAt.UTC()
	update := storage.MatchUpdate{
		Status:     storage.Ptr(storage.StatusFinished),
		WinnerID:   storage.Ptr(res.WinnerID),
		LoserID:    storage.Ptr(res.LoserID),
		FinalScore: &storage.Score{Left: res.FinalScore.Left, Right: res.FinalScore.Right},
		Duration:   storage.Ptr(res.Summary.Duration),
		FinishedAt: &finishedAt,
	}

	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<(attempt-1)) * s.backoff
			s.logger.Warn("retrying result write",
				"match_id", res.MatchID,
				"attempt", attempt,
				"delay", delay,
				"error", lastErr)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return errors.Join(lastErr, ctx.Err())
			}
		}

		rec, err := s.store.Update(ctx, res.MatchID, update)
		if err == nil && rec == nil {
			// 紀錄不存在，重試也沒有意義
			return apperrors.ErrMatchNotFound.WithDetails(res.MatchID)
		}
		if err == nil {
			s.logger.Info("match result saved",
				"match_id", res.MatchID,
				"winner_id", res.WinnerID,
				"reason", res.Reason)
			s.publishFinished(ctx, res)
			return nil
		}
		lastErr = err
	}

	return fmt.Errorf("save result after %d attempts: %w", s.retries+1, lastErr)
}

func (s *resultSink) publishFinished(ctx context.Context, res game.Result) {
	err := s.publisher.Publish(ctx, events.Event{
		Type:       events.TypeFinished,
		MatchID:    res.MatchID,
		OccurredAt: res.FinishedAt.UTC(),
		Data: resultPayload{
			Winner:     res.Winner,
			WinnerID:   res.WinnerID,
			LoserID:    res.LoserID,
			FinalScore: res.FinalScore,
			Reason:     res.Reason,
			Summary:    res.Summary,
		},
	})
	if err != nil {
		s.logger.Warn("publish finished event failed", "match_id", res.MatchID, "error", err)
	}
}
