package match

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/koopa0/system-design/14-realtime-pong/internal/game"
	"github.com/koopa0/system-design/14-realtime-pong/internal/storage"
	apperrors "github.com/koopa0/system-design/14-realtime-pong/pkg/errors"
)

// startSweeper 以 gocron 定期清理
func (r *Registry) startSweeper(interval time.Duration) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(r.Sweep),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("schedule sweeper: %w", err)
	}

	sched.Start()
	r.scheduler = sched
	return nil
}

// Sweep 清理兩種殘留：
//   - 等待超過 WaitingTTL 仍未開始的比賽：通知連線、紀錄標為 finished
//   - 引擎已停止卻仍留在 registry 的比賽
func (r *Registry) Sweep() {
	now := time.Now()

	var (
		expired []*entry
		stopped []string
	)

	r.mu.Lock()
	for id, e := range r.matches {
		switch {
		case e.engine == nil && r.waitingTTL > 0 && now.Sub(e.createdAt) > r.waitingTTL:
			expired = append(expired, e)
			delete(r.matches, id)
			for _, p := range e.players {
				if r.conns[p.ConnID()] == id {
					delete(r.conns, p.ConnID())
				}
			}
		case e.engine != nil && isDone(e.engine):
			stopped = append(stopped, id)
		}
	}
	r.mu.Unlock()

	for _, e := range expired {
		for _, p := range e.players {
			_ = p.Conn.Send(game.EventError, game.ErrorPayload{
				Code:    apperrors.ErrCodeNotJoinable,
				Message: "Match expired before an opponent joined",
			})
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := r.store.Update(ctx, e.matchID, storage.MatchUpdate{
			Status:     storage.Ptr(storage.StatusFinished),
			FinishedAt: storage.Ptr(now.UTC()),
		})
		cancel()
		if err != nil {
			r.logger.Warn("close expired match failed", "match_id", e.matchID, "error", err)
		}
		r.logger.Info("waiting match expired", "match_id", e.matchID, "age", now.Sub(e.createdAt))
	}

	for _, id := range stopped {
		r.CleanupGame(id)
	}
}

func isDone(engine *game.Engine) bool {
	select {
	case <-engine.Done():
		return true
	default:
		return false
	}
}
