package match

import (
	"time"

	"github.com/koopa0/system-design/14-realtime-pong/internal/game"
)

// graceKey 一位玩家在一場比賽中的寬限計時器
type graceKey struct {
	matchID string
	userID  string
}

// graceTimer 帶世代編號的計時器
//
// 重連時計時器被刪除並停止；即使 AfterFunc 已經觸發、正在等鎖，
// 取得鎖後也會因為世代不符而放棄判負。
type graceTimer struct {
	timer *time.Timer
	gen   uint64
}

// scheduleGrace 啟動（或重新啟動）寬限計時器
func (r *Registry) scheduleGrace(matchID, userID string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.matches[matchID]; !ok || r.closed {
		return
	}

	key := graceKey{matchID: matchID, userID: userID}
	if old, ok := r.grace[key]; ok {
		old.timer.Stop()
	}

	r.graceGen++
	gen := r.graceGen
	r.grace[key] = &graceTimer{
		timer: time.AfterFunc(d, func() { r.graceExpired(key, gen) }),
		gen:   gen,
	}

	r.logger.Info("reconnect grace started",
		"match_id", matchID,
		"user_id", userID,
		"grace", d)
}

// cancelGraceLocked 取消計時器，呼叫時必須持有鎖
func (r *Registry) cancelGraceLocked(matchID, userID string) {
	key := graceKey{matchID: matchID, userID: userID}
	if gt, ok := r.grace[key]; ok {
		gt.timer.Stop()
		delete(r.grace, key)
		r.graceGen++
		r.logger.Info("reconnect grace cancelled", "match_id", matchID, "user_id", userID)
	}
}

// graceExpired 寬限期滿：玩家仍未重連則判負並清理
func (r *Registry) graceExpired(key graceKey, gen uint64) {
	r.mu.Lock()
	gt, ok := r.grace[key]
	if !ok || gt.gen != gen {
		r.mu.Unlock()
		return
	}
	delete(r.grace, key)

	var engine *game.Engine
	if e := r.matches[key.matchID]; e != nil {
		engine = e.engine
	}
	r.mu.Unlock()

	if engine == nil {
		return
	}

	// 引擎內會再確認玩家仍處於斷線狀態
	if engine.ForfeitDisconnected(key.userID) {
		r.logger.Info("player forfeited after grace period",
			"match_id", key.matchID,
			"user_id", key.userID)
		r.CleanupGame(key.matchID)
	}
}
