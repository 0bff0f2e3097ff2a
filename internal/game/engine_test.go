package game_test

import (
	"context"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-realtime-pong/internal/game"
	apperrors "github.com/koopa0/system-design/14-realtime-pong/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder 記錄送出事件的假連線
type recorder struct {
	id string

	mu     sync.Mutex
	events []sentEvent
}

type sentEvent struct {
	name    string
	payload any
}

func newRecorder(id string) *recorder {
	return &recorder{id: id}
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Send(event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sentEvent{name: event, payload: payload})
	return nil
}

func (r *recorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.name == event {
			n++
		}
	}
	return n
}

func (r *recorder) last(event string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].name == event {
			return r.events[i].payload, true
		}
	}
	return nil, false
}

// names 依序列出事件名稱
func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.name
	}
	return out
}

// sinkRecorder 記錄寫入的比賽結果
type sinkRecorder struct {
	mu      sync.Mutex
	results []game.Result
}

func (s *sinkRecorder) SaveResult(_ context.Context, r game.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return nil
}

func (s *sinkRecorder) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fastConfig 縮短所有時間參數
func fastConfig() game.Config {
	cfg := game.DefaultConfig()
	cfg.Countdown = 20 * time.Millisecond
	cfg.BallResetDelay = 20 * time.Millisecond
	cfg.TickRate = 500
	cfg.ReconnectGrace = 100 * time.Millisecond
	return cfg
}

type fixture struct {
	engine   *game.Engine
	left     *recorder
	right    *recorder
	sink     *sinkRecorder
	finished chan game.Result
}

func newFixture(t *testing.T, cfg game.Config) *fixture {
	t.Helper()

	f := &fixture{
		left:     newRecorder("conn-left"),
		right:    newRecorder("conn-right"),
		sink:     &sinkRecorder{},
		finished: make(chan game.Result, 1),
	}
	players := [2]*game.Player{
		{UserID: "alice", Username: "Alice", Side: game.SideLeft, Conn: f.left, Connected: true},
		{UserID: "bob", Username: "Bob", Side: game.SideRight, Conn: f.right, Connected: true},
	}

	e, err := game.NewEngine("match_test", players, cfg, game.Options{
		Logger: testLogger(),
		Sink:   f.sink,
		Rand:   rand.New(rand.NewPCG(42, 7)),
		OnFinish: func(_ string, r game.Result) {
			f.finished <- r
		},
	})
	require.NoError(t, err)
	t.Cleanup(e.Stop)

	f.engine = e
	return f
}

func (f *fixture) readyBoth(t *testing.T) {
	t.Helper()
	require.NoError(t, f.engine.SetPlayerReady(f.left.ID()))
	require.NoError(t, f.engine.SetPlayerReady(f.right.ID()))
}

func (f *fixture) waitStatus(t *testing.T, want game.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.engine.Status() == want
	}, 2*time.Second, 5*time.Millisecond, "status never became %s", want)
}

func TestNewEngine_Validation(t *testing.T) {
	conn := newRecorder("c")

	tests := []struct {
		name    string
		players [2]*game.Player
	}{
		{
			name:    "missing player",
			players: [2]*game.Player{{UserID: "a", Side: game.SideLeft, Conn: conn}, nil},
		},
		{
			name: "same side",
			players: [2]*game.Player{
				{UserID: "a", Side: game.SideLeft, Conn: conn},
				{UserID: "b", Side: game.SideLeft, Conn: conn},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := game.NewEngine("m", tt.players, game.DefaultConfig(), game.Options{Logger: testLogger()})
			assert.Error(t, err)
		})
	}
}

// TestEngine_ReadyStartsCountdown 兩人都準備後送出 game-start{countdown:3}
func TestEngine_ReadyStartsCountdown(t *testing.T) {
	f := newFixture(t, game.DefaultConfig())

	f.engine.SendConfig()
	require.Eventually(t, func() bool {
		return f.left.count(game.EventGameConfig) == 1 && f.right.count(game.EventGameConfig) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, f.engine.SetPlayerReady(f.left.ID()))
	assert.Equal(t, game.StatusWaiting, f.engine.Status())
	assert.Zero(t, f.left.count(game.EventGameStart))

	require.NoError(t, f.engine.SetPlayerReady(f.right.ID()))
	assert.Equal(t, game.StatusCountdown, f.engine.Status())

	for _, r := range []*recorder{f.left, f.right} {
		p, ok := r.last(game.EventGameStart)
		require.True(t, ok)
		assert.Equal(t, game.GameStartPayload{Countdown: 3}, p)
	}
}

func TestEngine_SetPlayerReady_UnknownConnection(t *testing.T) {
	f := newFixture(t, fastConfig())

	err := f.engine.SetPlayerReady("stranger")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodePlayerNotInMatch, apperrors.CodeOf(err))
	assert.Equal(t, "Player not found", apperrors.MessageOf(err))
}

// TestEngine_PlayingBroadcastsState 倒數結束後開始以 tick 頻率廣播
func TestEngine_PlayingBroadcastsState(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.readyBoth(t)

	f.waitStatus(t, game.StatusPlaying)
	require.Eventually(t, func() bool {
		return f.left.count(game.EventGameState) >= 10 && f.right.count(game.EventGameState) >= 10
	}, 2*time.Second, 5*time.Millisecond)

	p, ok := f.left.last(game.EventGameState)
	require.True(t, ok)
	state := p.(game.StatePayload)
	assert.NotZero(t, state.Timestamp)
}

// TestEngine_PaddleInput 輸入只在 playing 時生效，非法方向忽略
func TestEngine_PaddleInput(t *testing.T) {
	f := newFixture(t, fastConfig())

	f.engine.HandlePaddleInput(f.left.ID(), game.DirectionUp)
	f.readyBoth(t)
	f.waitStatus(t, game.StatusPlaying)

	f.engine.HandlePaddleInput(f.left.ID(), game.Direction("sideways"))
	f.engine.HandlePaddleInput("stranger", game.DirectionUp)
	f.engine.HandlePaddleInput(f.right.ID(), game.DirectionDown)

	require.Eventually(t, func() bool {
		s := f.engine.State()
		return s.Paddles.Right.Y == 500
	}, 2*time.Second, 5*time.Millisecond)

	s := f.engine.State()
	assert.Equal(t, 250.0, s.Paddles.Left.Y)
}

// TestEngine_DisconnectPausesAndReconnectResumes 斷線暫停，全員到齊後恢復
func TestEngine_DisconnectPausesAndReconnectResumes(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.readyBoth(t)
	f.waitStatus(t, game.StatusPlaying)

	userID, ok := f.engine.HandleDisconnect(f.left.ID())
	require.True(t, ok)
	assert.Equal(t, "alice", userID)
	assert.Equal(t, game.StatusPaused, f.engine.Status())

	p, ok := f.right.last(game.EventOpponentDisconnected)
	require.True(t, ok)
	assert.Equal(t, game.OpponentDisconnectedPayload{
		PlayerID:            "alice",
		WaitingForReconnect: true,
		Timeout:             1,
	}, p)

	// 同一條連線重複斷線不再觸發
	_, ok = f.engine.HandleDisconnect(f.left.ID())
	assert.False(t, ok)

	// 暫停期間不廣播 game-state
	before := f.right.count(game.EventGameState)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, before, f.right.count(game.EventGameState))

	newConn := newRecorder("conn-left-2")
	require.NoError(t, f.engine.HandleReconnect(newConn, "alice"))
	assert.Equal(t, game.StatusPlaying, f.engine.Status())

	_, ok = f.right.last(game.EventOpponentReconnected)
	assert.True(t, ok)
	assert.Equal(t, 1, newConn.count(game.EventGameConfig))
	assert.GreaterOrEqual(t, newConn.count(game.EventGameState), 1)

	require.Eventually(t, func() bool {
		return newConn.count(game.EventGameState) > 5
	}, 2*time.Second, 5*time.Millisecond)

	// 舊連線已失效
	assert.Error(t, f.engine.SetPlayerReady(f.left.ID()))
	assert.NoError(t, f.engine.SetPlayerReady(newConn.ID()))
}

func TestEngine_Reconnect_UnknownUser(t *testing.T) {
	f := newFixture(t, fastConfig())

	err := f.engine.HandleReconnect(newRecorder("x"), "mallory")
	assert.Equal(t, apperrors.ErrCodePlayerNotInMatch, apperrors.CodeOf(err))
}

// TestEngine_DisconnectDuringCountdown 倒數期間斷線不會進入 playing
func TestEngine_DisconnectDuringCountdown(t *testing.T) {
	cfg := fastConfig()
	cfg.Countdown = 50 * time.Millisecond
	f := newFixture(t, cfg)

	f.readyBoth(t)
	_, ok := f.engine.HandleDisconnect(f.right.ID())
	require.True(t, ok)

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, game.StatusPaused, f.engine.Status())
	assert.Zero(t, f.left.count(game.EventGameState))

	// 重連後重新倒數，而不是直接進入 playing
	newConn := newRecorder("conn-right-2")
	require.NoError(t, f.engine.HandleReconnect(newConn, "bob"))
	assert.Equal(t, game.StatusCountdown, f.engine.Status())
	assert.Equal(t, 1, newConn.count(game.EventGameStart))
	assert.Equal(t, 2, f.left.count(game.EventGameStart))

	f.waitStatus(t, game.StatusPlaying)
}

// TestEngine_ReconnectAfterOpponentReady 斷線期間對手準備，重連後開始倒數
func TestEngine_ReconnectAfterOpponentReady(t *testing.T) {
	f := newFixture(t, fastConfig())

	require.NoError(t, f.engine.SetPlayerReady(f.left.ID()))
	_, ok := f.engine.HandleDisconnect(f.left.ID())
	require.True(t, ok)

	require.NoError(t, f.engine.SetPlayerReady(f.right.ID()))
	assert.Equal(t, game.StatusWaiting, f.engine.Status())

	newConn := newRecorder("conn-left-2")
	require.NoError(t, f.engine.HandleReconnect(newConn, "alice"))
	assert.Equal(t, game.StatusCountdown, f.engine.Status())
	assert.Equal(t, 1, newConn.count(game.EventGameStart))
	assert.Equal(t, 1, f.right.count(game.EventGameStart))

	f.waitStatus(t, game.StatusPlaying)
}

// TestEngine_ReconnectWhileWaitingNotReady 尚未都準備好時重連維持 waiting
func TestEngine_ReconnectWhileWaitingNotReady(t *testing.T) {
	f := newFixture(t, fastConfig())

	_, ok := f.engine.HandleDisconnect(f.left.ID())
	require.True(t, ok)
	require.NoError(t, f.engine.SetPlayerReady(f.right.ID()))

	require.NoError(t, f.engine.HandleReconnect(newRecorder("conn-left-2"), "alice"))
	assert.Equal(t, game.StatusWaiting, f.engine.Status())
	assert.Zero(t, f.right.count(game.EventGameStart))
}

// TestEngine_DisconnectWhileWaiting waiting 狀態斷線維持 waiting
func TestEngine_DisconnectWhileWaiting(t *testing.T) {
	f := newFixture(t, fastConfig())

	_, ok := f.engine.HandleDisconnect(f.left.ID())
	require.True(t, ok)
	assert.Equal(t, game.StatusWaiting, f.engine.Status())

	// 對手準備也不會開始
	require.NoError(t, f.engine.SetPlayerReady(f.right.ID()))
	assert.Equal(t, game.StatusWaiting, f.engine.Status())
}

// TestEngine_ForfeitDisconnected 寬限期結束判負，對手獲勝
func TestEngine_ForfeitDisconnected(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.readyBoth(t)
	f.waitStatus(t, game.StatusPlaying)

	// 仍在線上的玩家不能被判負
	assert.False(t, f.engine.ForfeitDisconnected("alice"))

	_, ok := f.engine.HandleDisconnect(f.left.ID())
	require.True(t, ok)
	require.True(t, f.engine.ForfeitDisconnected("alice"))

	p, ok := f.right.last(game.EventGameEnd)
	require.True(t, ok)
	end := p.(game.GameEndPayload)
	assert.Equal(t, game.SideRight, end.Winner)
	assert.Equal(t, game.ReasonOpponentDisconnect, end.Reason)

	select {
	case r := <-f.finished:
		assert.Equal(t, "bob", r.WinnerID)
		assert.Equal(t, "alice", r.LoserID)
	case <-time.After(time.Second):
		t.Fatal("OnFinish not called")
	}

	require.Eventually(t, func() bool { return f.sink.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, game.StatusFinished, f.engine.Status())
}

// TestEngine_Forfeit 主動認輸只生效一次
func TestEngine_Forfeit(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.readyBoth(t)

	assert.False(t, f.engine.Forfeit("stranger"))
	assert.True(t, f.engine.Forfeit(f.right.ID()))
	assert.False(t, f.engine.Forfeit(f.left.ID()))
	assert.False(t, f.engine.EndGame(game.SideLeft))

	p, ok := f.left.last(game.EventGameEnd)
	require.True(t, ok)
	end := p.(game.GameEndPayload)
	assert.Equal(t, game.SideLeft, end.Winner)
	assert.Equal(t, game.ReasonForfeit, end.Reason)
	assert.Equal(t, 1, f.left.count(game.EventGameEnd))

	// finished 之後重連失敗
	err := f.engine.HandleReconnect(newRecorder("late"), "bob")
	assert.True(t, apperrors.IsNotFound(err))
}

// TestEngine_ScoreLimit 達到分數上限只送出一次 game-end，之後不再有 tick
func TestEngine_ScoreLimit(t *testing.T) {
	cfg := fastConfig()
	cfg.TickRate = 1000
	cfg.MaxScore = 2
	cfg.PaddleHeight = 10
	cfg.BallResetDelay = 5 * time.Millisecond
	f := newFixture(t, cfg)
	f.readyBoth(t)

	var result game.Result
	select {
	case result = <-f.finished:
	case <-time.After(10 * time.Second):
		t.Fatal("match did not finish")
	}

	assert.Equal(t, game.ReasonScoreLimit, result.Reason)
	assert.Equal(t, cfg.MaxScore, result.FinalScore.Of(result.Winner))
	assert.Less(t, result.FinalScore.Of(result.Winner.Opponent()), cfg.MaxScore)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, f.left.count(game.EventGameEnd))
	assert.Equal(t, game.StatusFinished, f.engine.Status())

	// game-end 之後沒有任何 game-state
	names := f.left.names()
	require.NotEmpty(t, names)
	assert.Equal(t, game.EventGameEnd, names[len(names)-1])

	scored := 0
	for _, n := range names {
		if n == game.EventPointScored {
			scored++
		}
	}
	assert.Equal(t, result.FinalScore.Left+result.FinalScore.Right, scored)
}

// TestEngine_FinishDuringBallReset 發球延遲期間結束比賽，延遲觸發後不會重新開始
func TestEngine_FinishDuringBallReset(t *testing.T) {
	cfg := fastConfig()
	cfg.TickRate = 1000
	cfg.PaddleHeight = 10
	cfg.BallResetDelay = 150 * time.Millisecond
	f := newFixture(t, cfg)
	f.readyBoth(t)

	require.Eventually(t, func() bool {
		return f.left.count(game.EventPointScored) == 1
	}, 10*time.Second, time.Millisecond)

	require.True(t, f.engine.Forfeit(f.left.ID()))
	time.Sleep(cfg.BallResetDelay + 50*time.Millisecond)

	names := f.right.names()
	assert.Equal(t, game.EventGameEnd, names[len(names)-1])
	assert.Equal(t, game.StatusFinished, f.engine.Status())
}

// TestEngine_Stop 停止後操作不會阻塞
func TestEngine_Stop(t *testing.T) {
	f := newFixture(t, fastConfig())

	f.engine.Stop()
	f.engine.Stop()

	select {
	case <-f.engine.Done():
	default:
		t.Fatal("engine not done after Stop")
	}

	assert.Error(t, f.engine.SetPlayerReady(f.left.ID()))
	_, ok := f.engine.HandleDisconnect(f.left.ID())
	assert.False(t, ok)
	assert.Equal(t, game.StatusFinished, f.engine.Status())
	f.engine.HandlePaddleInput(f.left.ID(), game.DirectionUp)
	f.engine.SendConfig()
}
