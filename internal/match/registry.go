// Package match 管理所有比賽的生命週期
//
// Registry 負責：
//   - 建立比賽紀錄
//   - 分配左右位置
//   - 在第二位玩家加入時建立引擎
//   - 斷線寬限期與判負
//   - 比賽結束後的清理
//
// 所有共用的 map（比賽、連線 → 比賽、寬限計時器）由同一把鎖保護，
// 分配位置在鎖內完成，兩個同時加入的請求不可能搶到同一側。
// 呼叫引擎與儲存層一律在鎖外進行。
package match

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/koopa0/system-design/14-realtime-pong/internal/events"
	"github.com/koopa0/system-design/14-realtime-pong/internal/game"
	"github.com/koopa0/system-design/14-realtime-pong/internal/storage"
	apperrors "github.com/koopa0/system-design/14-realtime-pong/pkg/errors"
)

// Options Registry 設定
type Options struct {
	Logger    *slog.Logger
	Publisher events.Publisher

	// Game 每場比賽的基本配置，custom 模式在此之上覆寫
	Game game.Config

	// WaitingTTL 等待中的比賽超過此時間未開始就關閉，0 表示不限制
	WaitingTTL time.Duration
	// SweepInterval 清理排程間隔，0 表示不啟動排程
	SweepInterval time.Duration

	ResultRetries int
	ResultBackoff time.Duration
}

// Registry 比賽管理器
type Registry struct {
	store     storage.Store
	publisher events.Publisher
	cfg       game.Config
	logger    *slog.Logger
	base      *slog.Logger
	sink      *resultSink

	waitingTTL time.Duration
	scheduler  gocron.Scheduler

	mu       sync.Mutex
	matches  map[string]*entry      // matchID -> entry
	conns    map[string]string      // connID -> matchID
	overlays map[string]game.Config // custom 模式建立時的配置，等待第一位玩家
	grace    map[graceKey]*graceTimer
	graceGen uint64
	closed   bool
}

// NewRegistry 建立比賽管理器
func NewRegistry(store storage.Store, opts Options) (*Registry, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	publisher := opts.Publisher
	if publisher == nil {
		publisher = events.Nop{}
	}

	cfg := opts.Game
	if cfg == (game.Config{}) {
		cfg = game.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid game config: %w", err)
	}

	r := &Registry{
		store:      store,
		publisher:  publisher,
		cfg:        cfg,
		logger:     logger.With("component", "registry"),
		base:       logger,
		waitingTTL: opts.WaitingTTL,
		matches:    make(map[string]*entry),
		conns:      make(map[string]string),
		overlays:   make(map[string]game.Config),
		grace:      make(map[graceKey]*graceTimer),
	}
	r.sink = newResultSink(store, publisher, logger, opts.ResultRetries, opts.ResultBackoff)

	if opts.SweepInterval > 0 {
		if err := r.startSweeper(opts.SweepInterval); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// CreateMatch 建立等待中的比賽紀錄（尚未建立引擎）
func (r *Registry) CreateMatch(ctx context.Context, creatorID string, opts CreateOptions) (*storage.MatchRecord, error) {
	if creatorID == "" {
		return nil, apperrors.ErrInvalidPayload.WithDetails("creator is required")
	}
	mode, ok := storage.ParseMode(string(opts.Mode))
	if !ok {
		return nil, apperrors.ErrInvalidPayload.WithDetails("unknown mode " + string(opts.Mode))
	}

	rec := storage.MatchRecord{
		MatchID:   newMatchID(),
		Status:    storage.StatusWaiting,
		Mode:      mode,
		CreatedBy: creatorID,
		CreatedAt: time.Now().UTC(),
	}
	if opts.TournamentID != "" {
		rec.TournamentID = storage.Ptr(opts.TournamentID)
	}

	var cfg game.Config
	if mode == storage.ModeCustom && !opts.Custom.IsZero() {
		cfg = r.cfg.Apply(opts.Custom)
		if err := cfg.Validate(); err != nil {
			return nil, apperrors.ErrInvalidPayload.WithDetails(err.Error())
		}
	}

	created, err := r.store.Create(ctx, rec)
	if err != nil {
		r.logger.Error("create match failed", "creator", creatorID, "error", err)
		if apperrors.CodeOf(err) == apperrors.ErrCodeInternal {
			return nil, apperrors.Wrap(err, apperrors.ErrCodePersistenceFailure, apperrors.ErrPersistence.Message)
		}
		return nil, err
	}

	if cfg != (game.Config{}) {
		r.mu.Lock()
		r.overlays[created.MatchID] = cfg
		r.mu.Unlock()
	}

	r.logger.Info("match created",
		"match_id", created.MatchID,
		"mode", created.Mode,
		"creator", creatorID)
	r.publish(events.TypeCreated, created.MatchID, created)

	return created, nil
}

// GetMatch 從儲存層讀取比賽紀錄，不存在時回傳 NOT_FOUND
func (r *Registry) GetMatch(ctx context.Context, matchID string) (*storage.MatchRecord, error) {
	rec, err := r.store.FindByID(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperrors.ErrMatchNotFound
	}
	return rec, nil
}

// JoinMatch 玩家加入比賽
//
// 同一位使用者再次加入視為重連：更新連線、沿用原本的位置，不佔用新位置。
// 第二位不同的玩家加入時建立引擎，紀錄改為 in_progress，並送出 game-config。
func (r *Registry) JoinMatch(ctx context.Context, conn game.Connection, matchID, userID, username string) (*JoinResult, error) {
	rec, err := r.store.FindByID(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperrors.ErrMatchNotFound
	}
	if !rec.Status.Joinable() {
		return nil, apperrors.ErrMatchNotJoinable
	}
	if username == "" {
		username = userID
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, apperrors.ErrMatchNotJoinable
	}

	e := r.matches[matchID]
	if e == nil {
		// 紀錄為 in_progress 但記憶體中沒有引擎（例如服務重啟），無法再加入
		if rec.Status != storage.StatusWaiting {
			r.mu.Unlock()
			return nil, apperrors.ErrMatchNotJoinable
		}
		cfg, ok := r.overlays[matchID]
		if !ok {
			cfg = r.cfg
		}
		delete(r.overlays, matchID)
		e = newEntry(matchID, cfg)
		r.matches[matchID] = e
	}

	if p := e.player(userID); p != nil {
		return r.rejoinLocked(conn, e, p, rec)
	}

	if len(e.players) >= 2 {
		r.mu.Unlock()
		return nil, apperrors.ErrMatchFull
	}

	// 同一條連線不能同時佔用兩場比賽
	if other, ok := r.conns[conn.ID()]; ok && other != matchID {
		r.mu.Unlock()
		return nil, apperrors.ErrMatchNotJoinable.WithDetails("connection already in match " + other)
	}

	player := &game.Player{
		UserID:    userID,
		Username:  username,
		Side:      e.nextSide(),
		Conn:      conn,
		Connected: true,
	}
	e.players = append(e.players, player)
	r.conns[conn.ID()] = matchID

	var engine *game.Engine
	if len(e.players) == 2 {
		engine, err = game.NewEngine(matchID, [2]*game.Player{e.players[0], e.players[1]}, e.cfg, game.Options{
			Logger:   r.base,
			Sink:     r.sink,
			OnFinish: r.onFinished,
		})
		if err != nil {
			e.players = e.players[:1]
			delete(r.conns, conn.ID())
			r.mu.Unlock()
			r.logger.Error("create engine failed", "match_id", matchID, "error", err)
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, apperrors.ErrInternal.Message)
		}
		e.engine = engine
	}

	// 鎖外通知用的快照
	present := make([]game.Player, len(e.players))
	for i, p := range e.players {
		present[i] = *p
	}
	r.mu.Unlock()

	r.logger.Info("player joined",
		"match_id", matchID,
		"user_id", userID,
		"side", player.Side)

	r.announceJoin(player, present)

	if err := r.store.AddPlayer(ctx, matchID, storage.PlayerRecord{
		UserID:   userID,
		Username: username,
		Side:     string(player.Side),
		JoinedAt: time.Now().UTC(),
	}); err != nil {
		r.logger.Warn("persist player failed", "match_id", matchID, "user_id", userID, "error", err)
	}

	if engine != nil {
		rec = r.markStarted(ctx, rec)
		engine.SendConfig()
	}

	return &JoinResult{
		Side:   player.Side,
		Match:  rec,
		Engine: engine,
	}, nil
}

// rejoinLocked 已在比賽中的使用者以新連線加入；呼叫時持有鎖，返回前釋放
func (r *Registry) rejoinLocked(conn game.Connection, e *entry, p *game.Player, rec *storage.MatchRecord) (*JoinResult, error) {
	r.swapConnLocked(e.matchID, p, conn)
	engine := e.engine
	side := p.Side
	r.mu.Unlock()

	if engine != nil {
		if err := engine.HandleReconnect(conn, p.UserID); err != nil {
			r.dropConn(conn.ID(), e.matchID)
			return nil, err
		}
	}

	r.logger.Info("player rejoined", "match_id", e.matchID, "user_id", p.UserID, "side", side)
	return &JoinResult{
		Side:        side,
		Match:       rec,
		Engine:      engine,
		Reconnected: true,
	}, nil
}

// swapConnLocked 替換玩家連線並取消寬限計時器
func (r *Registry) swapConnLocked(matchID string, p *game.Player, conn game.Connection) {
	if old := p.ConnID(); old != "" && old != conn.ID() {
		delete(r.conns, old)
	}
	p.Conn = conn
	p.Connected = true
	r.conns[conn.ID()] = matchID
	r.cancelGraceLocked(matchID, p.UserID)
}

// dropConn 移除連線對應，只在仍指向同一場比賽時生效
func (r *Registry) dropConn(connID, matchID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[connID] == matchID {
		delete(r.conns, connID)
	}
}

// announceJoin 通知比賽中所有人有新玩家，並讓新玩家知道已在場的對手
func (r *Registry) announceJoin(joined *game.Player, present []game.Player) {
	payload := game.PlayerJoinedPayload{
		PlayerID: joined.UserID,
		Username: joined.Username,
		Side:     joined.Side,
	}
	for _, p := range present {
		if err := p.Conn.Send(game.EventPlayerJoined, payload); err != nil {
			r.logger.Debug("send player-joined failed", "conn_id", p.ConnID(), "error", err)
		}
		if p.UserID != joined.UserID {
			_ = joined.Conn.Send(game.EventPlayerJoined, game.PlayerJoinedPayload{
				PlayerID: p.UserID,
				Username: p.Username,
				Side:     p.Side,
			})
		}
	}
}

// markStarted 紀錄改為 in_progress；寫入失敗只記錄日誌，比賽照常進行
func (r *Registry) markStarted(ctx context.Context, rec *storage.MatchRecord) *storage.MatchRecord {
	updated, err := r.store.Update(ctx, rec.MatchID, storage.MatchUpdate{
		Status:    storage.Ptr(storage.StatusInProgress),
		StartedAt: storage.Ptr(time.Now().UTC()),
	})
	if err != nil {
		r.logger.Error("mark match in progress failed", "match_id", rec.MatchID, "error", err)
		return rec
	}
	if updated == nil {
		return rec
	}

	r.logger.Info("match started", "match_id", rec.MatchID)
	r.publish(events.TypeStarted, rec.MatchID, updated)
	return updated
}

// GetEngineForConnection 連線所在比賽的引擎，不存在或尚未開始時回傳 nil
func (r *Registry) GetEngineForConnection(connID string) *game.Engine {
	r.mu.Lock()
	defer r.mu.Unlock()

	matchID, ok := r.conns[connID]
	if !ok {
		return nil
	}
	if e := r.matches[matchID]; e != nil {
		return e.engine
	}
	return nil
}

// MatchForConnection 連線所在的比賽 ID
func (r *Registry) MatchForConnection(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	matchID, ok := r.conns[connID]
	return matchID, ok
}

// HandleDisconnect 連線中斷
//
// 等待中的比賽直接移除該玩家；進行中的比賽交給引擎暫停，
// 並啟動寬限計時器，期滿仍未重連則判負。
func (r *Registry) HandleDisconnect(connID string) {
	r.mu.Lock()
	matchID, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)

	e := r.matches[matchID]
	if e == nil {
		r.mu.Unlock()
		return
	}

	if e.engine == nil {
		removed := e.removeByConn(connID)
		r.mu.Unlock()
		if removed != nil {
			r.logger.Info("player left waiting match", "match_id", matchID, "user_id", removed.UserID)
		}
		return
	}

	engine := e.engine
	grace := e.cfg.ReconnectGrace
	r.mu.Unlock()

	userID, ok := engine.HandleDisconnect(connID)
	if !ok {
		return
	}
	r.scheduleGrace(matchID, userID, grace)
}

// HandleReconnect 以新連線回到進行中的比賽
func (r *Registry) HandleReconnect(_ context.Context, conn game.Connection, matchID, userID string) (*JoinResult, error) {
	r.mu.Lock()
	e := r.matches[matchID]
	if e == nil || e.engine == nil {
		r.mu.Unlock()
		return nil, apperrors.ErrMatchNotActive
	}
	p := e.player(userID)
	if p == nil {
		r.mu.Unlock()
		return nil, apperrors.ErrPlayerNotInMatch
	}
	return r.rejoinLocked(conn, e, p, nil)
}

// Forfeit 連線的玩家認輸
func (r *Registry) Forfeit(connID string) bool {
	engine := r.GetEngineForConnection(connID)
	if engine == nil {
		return false
	}
	// 清理由引擎結束時的 OnFinish 觸發
	return engine.Forfeit(connID)
}

// onFinished 引擎結束後清理
func (r *Registry) onFinished(matchID string, result game.Result) {
	r.logger.Debug("engine finished", "match_id", matchID, "reason", result.Reason)
	r.CleanupGame(matchID)
}

// CleanupGame 停止引擎並移除所有對應（冪等）
func (r *Registry) CleanupGame(matchID string) {
	r.mu.Lock()
	e, ok := r.matches[matchID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.matches, matchID)
	delete(r.overlays, matchID)

	for connID, id := range r.conns {
		if id == matchID {
			delete(r.conns, connID)
		}
	}
	for key, gt := range r.grace {
		if key.matchID == matchID {
			gt.timer.Stop()
			delete(r.grace, key)
		}
	}
	engine := e.engine
	r.mu.Unlock()

	if engine != nil {
		engine.Stop()
	}
	r.logger.Info("match cleaned up", "match_id", matchID)
}

// Stats 即時統計
type Stats struct {
	ActiveGames      int `json:"activeGames"`
	WaitingMatches   int `json:"waitingMatches"`
	ConnectedPlayers int `json:"connectedPlayers"`
	PendingForfeits  int `json:"pendingForfeits"`
}

// Stats 取得統計
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s Stats
	for _, e := range r.matches {
		if e.engine != nil {
			s.ActiveGames++
		} else {
			s.WaitingMatches++
		}
	}
	s.ConnectedPlayers = len(r.conns)
	s.PendingForfeits = len(r.grace)
	return s
}

// ActivePlayer 進行中比賽的玩家
type ActivePlayer struct {
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Side      game.Side `json:"side"`
	Connected bool      `json:"connected"`
}

// ActiveMatch 進行中比賽的摘要
type ActiveMatch struct {
	MatchID string         `json:"matchId"`
	Status  game.Status    `json:"status"`
	Score   game.Score     `json:"score"`
	Players []ActivePlayer `json:"players"`
}

// ActiveMatches 列出所有已建立引擎的比賽
func (r *Registry) ActiveMatches() []ActiveMatch {
	r.mu.Lock()
	engines := make([]*game.Engine, 0, len(r.matches))
	for _, e := range r.matches {
		if e.engine != nil {
			engines = append(engines, e.engine)
		}
	}
	r.mu.Unlock()

	out := make([]ActiveMatch, 0, len(engines))
	for _, engine := range engines {
		state := engine.State()
		am := ActiveMatch{
			MatchID: engine.MatchID(),
			Status:  state.Status,
			Score:   state.Score,
			Players: []ActivePlayer{},
		}
		for _, p := range engine.Players() {
			am.Players = append(am.Players, ActivePlayer{
				UserID:    p.UserID,
				Username:  p.Username,
				Side:      p.Side,
				Connected: p.Connected,
			})
		}
		out = append(out, am)
	}
	return out
}

// Close 停止排程、計時器與所有引擎
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	ids := make([]string, 0, len(r.matches))
	for id := range r.matches {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	if r.scheduler != nil {
		if err := r.scheduler.Shutdown(); err != nil {
			r.logger.Warn("scheduler shutdown failed", "error", err)
		}
	}

	for _, id := range ids {
		r.CleanupGame(id)
	}
	r.logger.Info("registry closed", "matches", len(ids))
}

// publish 發布事件，失敗只記錄日誌
func (r *Registry) publish(t events.Type, matchID string, data any) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := r.publisher.Publish(ctx, events.Event{
		Type:       t,
		MatchID:    matchID,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}); err != nil {
		r.logger.Warn("publish event failed", "type", t, "match_id", matchID, "error", err)
	}
}
