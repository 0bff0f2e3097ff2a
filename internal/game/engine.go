// Package game 實作單場 Pong 比賽的模擬引擎
//
// 每個 Engine 是一個單一寫入者（single-writer）的 actor：
// 一個 goroutine 擁有全部模擬狀態，依序處理命令通道與自己的 ticker。
// 玩家輸入、斷線、重連、準備等事件都在兩個 tick 之間原子地套用，
// 不會與物理步驟交錯。
//
// 倒數、得分後的發球延遲都是排程的延後動作（time.AfterFunc），
// 觸發時把閉包送回 actor 執行，因此永遠不會阻塞其他事件。
package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	apperrors "github.com/koopa0/system-design/14-realtime-pong/pkg/errors"
)

// errStopped 引擎已停止，命令無法送達
var errStopped = errors.New("engine stopped")

// ResultSink 比賽結束時接收結果（寫入儲存層、發布事件）
//
// 在獨立的 goroutine 中呼叫，不會阻塞 tick。
type ResultSink interface {
	SaveResult(ctx context.Context, result Result) error
}

// Options 引擎的可選依賴
type Options struct {
	Logger *slog.Logger
	Sink   ResultSink

	// OnFinish 比賽進入 finished 後呼叫（在新的 goroutine 中），
	// registry 藉此清理比賽。
	OnFinish func(matchID string, result Result)

	// Rand 發球方向的亂數來源，測試時可固定種子
	Rand *rand.Rand

	// SaveTimeout 單次結果寫入的逾時
	SaveTimeout time.Duration
}

// Engine 單場比賽的模擬引擎
type Engine struct {
	matchID string
	cfg     Config
	logger  *slog.Logger
	sink    ResultSink
	onEnd   func(string, Result)
	rng     *rand.Rand
	saveTTL time.Duration

	cmds     chan func()
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// 以下欄位只能在 actor goroutine 中存取
	state        State
	players      [2]*Player
	ready        map[string]bool
	ticker       *time.Ticker
	timers       map[uint64]*time.Timer
	nextTimer    uint64
	resetPending bool

	// 倒數計時器，斷線時取消
	countdownTimer uint64
	// 進入 paused 前的狀態，重連時據此恢復
	pausedFrom Status
}

// NewEngine 建立並啟動引擎
//
// 引擎只在兩位玩家都到齊時才會建立，players 必須恰好是左右各一。
func NewEngine(matchID string, players [2]*Player, cfg Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid game config: %w", err)
	}
	for i, p := range players {
		if p == nil {
			return nil, fmt.Errorf("player %d missing", i)
		}
	}
	if players[0].Side == players[1].Side || !players[0].Side.Valid() || !players[1].Side.Valid() {
		return nil, fmt.Errorf("players must occupy left and right sides")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15))
	}
	saveTTL := opts.SaveTimeout
	if saveTTL <= 0 {
		saveTTL = time.Minute
	}

	e := &Engine{
		matchID: matchID,
		cfg:     cfg,
		logger:  logger.With("component", "engine", "match_id", matchID),
		sink:    opts.Sink,
		onEnd:   opts.OnFinish,
		rng:     rng,
		saveTTL: saveTTL,
		cmds:    make(chan func(), 64),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		ready:   make(map[string]bool, 2),
		timers:  make(map[uint64]*time.Timer),
	}

	// 複製一份，外部持有的 Player 不會被引擎修改
	for i, p := range players {
		cp := *p
		e.players[i] = &cp
	}
	e.state = newState(cfg, rng)
	e.state.LastUpdate = time.Now()

	go e.run()

	e.logger.Info("engine created",
		"left", e.players[0].UserID,
		"right", e.players[1].UserID)

	return e, nil
}

// MatchID 比賽 ID
func (e *Engine) MatchID() string {
	return e.matchID
}

// Config 比賽配置
func (e *Engine) Config() Config {
	return e.cfg
}

// Done 引擎停止後關閉
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// run actor 主迴圈
func (e *Engine) run() {
	defer close(e.done)
	defer e.teardown()

	for {
		var ticks <-chan time.Time
		if e.ticker != nil {
			ticks = e.ticker.C
		}

		select {
		case cmd := <-e.cmds:
			e.safely("command", cmd)
		case <-ticks:
			e.safely("tick", e.tick)
		case <-e.quit:
			return
		}
	}
}

// safely 執行命令並攔截 panic，單一事件的錯誤不能中斷 tick 迴圈
func (e *Engine) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("engine panic recovered", "in", what, "panic", r)
		}
	}()
	fn()
}

// call 把 fn 送進 actor 並等待執行完成
func (e *Engine) call(fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}

	select {
	case e.cmds <- wrapped:
	case <-e.quit:
		return errStopped
	}

	select {
	case <-finished:
		return nil
	case <-e.done:
		return errStopped
	}
}

// post 把 fn 送進 actor，不等待結果
func (e *Engine) post(fn func()) {
	select {
	case e.cmds <- fn:
	case <-e.quit:
	}
}

// schedule 排程延後動作，觸發時在 actor 中執行
//
// 已取消的計時器即使回呼已排進佇列也不會執行。
func (e *Engine) schedule(d time.Duration, fn func()) uint64 {
	e.nextTimer++
	id := e.nextTimer
	e.timers[id] = time.AfterFunc(d, func() {
		e.post(func() {
			if _, ok := e.timers[id]; !ok {
				return
			}
			delete(e.timers, id)
			fn()
		})
	})
	return id
}

// cancel 取消尚未執行的延後動作
func (e *Engine) cancel(id uint64) {
	if t, ok := e.timers[id]; ok {
		t.Stop()
		delete(e.timers, id)
	}
}

func (e *Engine) startLoop() {
	if e.ticker == nil {
		e.ticker = time.NewTicker(e.cfg.TickInterval())
	}
}

func (e *Engine) stopLoop() {
	if e.ticker != nil {
		e.ticker.Stop()
		e.ticker = nil
	}
}

func (e *Engine) teardown() {
	e.stopLoop()
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
}

// Stop 停止引擎（冪等），等待 actor 結束
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.quit)
	})
	<-e.done
}

// ============================================================
// 對外操作
// ============================================================

// SendConfig 送出 game-config 給所有已連線的玩家
func (e *Engine) SendConfig() {
	e.post(func() {
		e.broadcast(EventGameConfig, e.cfg.Payload())
	})
}

// SetPlayerReady 標記玩家準備完成
//
// 兩位玩家都已連線且都準備好時進入倒數。
func (e *Engine) SetPlayerReady(connID string) error {
	var result error
	err := e.call(func() {
		p := e.playerByConn(connID)
		if p == nil {
			result = apperrors.ErrPlayerNotFound
			return
		}
		e.ready[p.UserID] = true
		e.logger.Debug("player ready", "user_id", p.UserID)

		if e.state.Status == StatusWaiting && e.allConnected() && e.allReady() {
			e.startCountdown()
		}
	})
	if err != nil {
		return apperrors.ErrMatchNotActive
	}
	return result
}

// HandlePaddleInput 套用球拍方向
//
// 只有 playing 時接受；未知的連線或方向直接忽略。
func (e *Engine) HandlePaddleInput(connID string, dir Direction) {
	if _, ok := ParseDirection(string(dir)); !ok {
		return
	}
	e.post(func() {
		if e.state.Status != StatusPlaying {
			return
		}
		p := e.playerByConn(connID)
		if p == nil {
			return
		}
		e.state.setPaddleDirection(p.Side, dir, e.cfg.PaddleSpeed)
	})
}

// HandleDisconnect 標記玩家斷線
//
// countdown 與 playing 會暫停；waiting 維持原狀。
// 回傳斷線玩家的 userID，ok 為 false 表示連線不屬於此比賽或比賽已結束。
func (e *Engine) HandleDisconnect(connID string) (userID string, ok bool) {
	_ = e.call(func() {
		userID, ok = e.disconnect(connID)
	})
	return userID, ok
}

// HandleReconnect 以新的連線恢復玩家
func (e *Engine) HandleReconnect(conn Connection, userID string) error {
	var result error
	if err := e.call(func() {
		result = e.reconnect(conn, userID)
	}); err != nil {
		return apperrors.ErrMatchNotActive
	}
	return result
}

// Forfeit 玩家主動認輸，對手獲勝
func (e *Engine) Forfeit(connID string) bool {
	var ended bool
	_ = e.call(func() {
		p := e.playerByConn(connID)
		if p == nil {
			return
		}
		ended = e.finish(p.Side.Opponent(), ReasonForfeit)
	})
	return ended
}

// ForfeitDisconnected 斷線寬限期結束時判負
//
// actor 內再次確認玩家仍處於斷線狀態，與重連同時發生時以重連為準。
func (e *Engine) ForfeitDisconnected(userID string) bool {
	var ended bool
	_ = e.call(func() {
		p := e.playerByUser(userID)
		if p == nil || p.Connected {
			return
		}
		ended = e.finish(p.Side.Opponent(), ReasonOpponentDisconnect)
	})
	return ended
}

// EndGame 以 score_limit 結束比賽
func (e *Engine) EndGame(winner Side) bool {
	var ended bool
	_ = e.call(func() {
		ended = e.finish(winner, ReasonScoreLimit)
	})
	return ended
}

// State 模擬狀態快照
func (e *Engine) State() State {
	var s State
	if err := e.call(func() { s = e.state }); err != nil {
		return State{Status: StatusFinished}
	}
	return s
}

// Status 引擎狀態
func (e *Engine) Status() Status {
	return e.State().Status
}

// Players 玩家快照
func (e *Engine) Players() []Player {
	var out []Player
	_ = e.call(func() {
		out = make([]Player, 0, len(e.players))
		for _, p := range e.players {
			out = append(out, *p)
		}
	})
	return out
}

// ============================================================
// actor 內部
// ============================================================

func (e *Engine) playerByConn(connID string) *Player {
	if connID == "" {
		return nil
	}
	for _, p := range e.players {
		if p.ConnID() == connID {
			return p
		}
	}
	return nil
}

func (e *Engine) playerByUser(userID string) *Player {
	for _, p := range e.players {
		if p.UserID == userID {
			return p
		}
	}
	return nil
}

func (e *Engine) allConnected() bool {
	for _, p := range e.players {
		if !p.Connected {
			return false
		}
	}
	return true
}

func (e *Engine) allReady() bool {
	for _, p := range e.players {
		if !e.ready[p.UserID] {
			return false
		}
	}
	return true
}

// broadcast 送給所有已連線的玩家，單一連線失敗不影響其他人
func (e *Engine) broadcast(event string, payload any) {
	for _, p := range e.players {
		if !p.Connected || p.Conn == nil {
			continue
		}
		if err := p.Conn.Send(event, payload); err != nil {
			e.logger.Debug("send failed", "event", event, "conn_id", p.ConnID(), "error", err)
		}
	}
}

func (e *Engine) startCountdown() {
	e.state.Status = StatusCountdown
	e.state.StartedAt = time.Now()
	e.broadcast(EventGameStart, GameStartPayload{Countdown: e.cfg.CountdownSeconds()})
	e.logger.Info("countdown started")

	e.cancel(e.countdownTimer)
	e.countdownTimer = e.schedule(e.cfg.Countdown, func() {
		// 倒數期間可能斷線（paused）或被判負（finished）
		if e.state.Status != StatusCountdown {
			return
		}
		e.state.Status = StatusPlaying
		e.state.LastUpdate = time.Now()
		e.startLoop()
		e.logger.Info("match playing")
	})
}

// tick 單一模擬步驟
func (e *Engine) tick() {
	if e.state.Status != StatusPlaying {
		return
	}

	scorer, scored := e.state.step(e.cfg)
	e.state.LastUpdate = time.Now()

	if scored {
		e.scorePoint(scorer)
		if e.state.Status == StatusFinished {
			return
		}
	}

	e.broadcast(EventGameState, e.state.snapshot(true))
}

// scorePoint 計分；達到分數上限則結束，否則暫停 tick 並排程重新發球
func (e *Engine) scorePoint(scorer Side) {
	points := e.state.Score.add(scorer)
	e.state.CurrentRally = 0
	e.broadcast(EventPointScored, PointScoredPayload{Scorer: scorer, Score: e.state.Score})

	if points >= e.cfg.MaxScore {
		e.finish(scorer, ReasonScoreLimit)
		return
	}

	e.stopLoop()
	e.resetPending = true
	e.schedule(e.cfg.BallResetDelay, func() {
		e.resetPending = false
		if e.state.Status == StatusFinished {
			return
		}
		e.state.serve(e.cfg, e.rng)
		// 發球延遲期間若有人斷線，等重連後再恢復
		if e.state.Status == StatusPlaying {
			e.startLoop()
		}
	})
}

func (e *Engine) disconnect(connID string) (string, bool) {
	if e.state.Status == StatusFinished {
		return "", false
	}
	p := e.playerByConn(connID)
	if p == nil || !p.Connected {
		return "", false
	}

	p.Connected = false
	e.state.Paddles.Get(p.Side).VY = 0

	if e.state.Status == StatusPlaying || e.state.Status == StatusCountdown {
		e.pausedFrom = e.state.Status
		e.cancel(e.countdownTimer)
		e.stopLoop()
		e.state.Status = StatusPaused
	}

	e.logger.Info("player disconnected", "user_id", p.UserID, "status", e.state.Status)
	e.broadcast(EventOpponentDisconnected, OpponentDisconnectedPayload{
		PlayerID:            p.UserID,
		WaitingForReconnect: true,
		Timeout:             e.cfg.GraceSeconds(),
	})
	return p.UserID, true
}

func (e *Engine) reconnect(conn Connection, userID string) error {
	if e.state.Status == StatusFinished {
		return apperrors.ErrMatchNotActive
	}
	p := e.playerByUser(userID)
	if p == nil {
		return apperrors.ErrPlayerNotInMatch
	}

	p.Conn = conn
	p.Connected = true
	e.logger.Info("player reconnected", "user_id", userID, "conn_id", conn.ID())

	e.broadcast(EventOpponentReconnected, OpponentReconnectedPayload{PlayerID: userID})
	e.sendTo(conn, EventGameConfig, e.cfg.Payload())
	e.sendTo(conn, EventGameState, e.state.snapshot(false))

	if !e.allConnected() {
		return nil
	}

	switch e.state.Status {
	case StatusPaused:
		// 倒數中斷線的比賽重新倒數
		if e.pausedFrom == StatusCountdown {
			e.startCountdown()
			return nil
		}
		e.state.Status = StatusPlaying
		e.state.LastUpdate = time.Now()
		if !e.resetPending {
			e.startLoop()
		}
		e.logger.Info("match resumed")

	case StatusWaiting:
		// 斷線期間對手已準備好
		if e.allReady() {
			e.startCountdown()
		}
	}
	return nil
}

func (e *Engine) sendTo(conn Connection, event string, payload any) {
	if err := conn.Send(event, payload); err != nil {
		e.logger.Debug("send failed", "event", event, "conn_id", conn.ID(), "error", err)
	}
}

// finish 結束比賽：先廣播 game-end，再於背景寫入結果
//
// finished 為終止狀態，重複呼叫回傳 false。
func (e *Engine) finish(winner Side, reason EndReason) bool {
	if e.state.Status == StatusFinished {
		return false
	}

	e.stopLoop()
	e.resetPending = false
	e.state.Status = StatusFinished

	var duration int
	if !e.state.StartedAt.IsZero() {
		duration = int(time.Since(e.state.StartedAt).Seconds())
	}
	summary := e.state.summary(duration)

	e.broadcast(EventGameEnd, GameEndPayload{
		Winner:       winner,
		FinalScore:   e.state.Score,
		Reason:       reason,
		MatchSummary: summary,
	})

	result := Result{
		MatchID:    e.matchID,
		Winner:     winner,
		FinalScore: e.state.Score,
		Reason:     reason,
		Summary:    summary,
		FinishedAt: time.Now(),
	}
	for _, p := range e.players {
		if p.Side == winner {
			result.WinnerID = p.UserID
		} else {
			result.LoserID = p.UserID
		}
	}

	e.logger.Info("match finished",
		"winner", winner,
		"reason", reason,
		"score_left", e.state.Score.Left,
		"score_right", e.state.Score.Right)

	go e.saveResult(result)
	if e.onEnd != nil {
		go e.onEnd(e.matchID, result)
	}
	return true
}

// saveResult 寫入結果，失敗只記錄日誌，不影響已送出的 game-end
func (e *Engine) saveResult(result Result) {
	if e.sink == nil {
		return
	}
	if result.WinnerID == "" || result.LoserID == "" {
		e.logger.Error("cannot save result: player record missing")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.saveTTL)
	defer cancel()

	if err := e.sink.SaveResult(ctx, result); err != nil {
		e.logger.Error("failed to save match result", "error", err)
	}
}
