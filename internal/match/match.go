package match

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/system-design/14-realtime-pong/internal/game"
	"github.com/koopa0/system-design/14-realtime-pong/internal/storage"
)

// CreateOptions 建立比賽的參數
type CreateOptions struct {
	Mode         storage.Mode
	TournamentID string

	// Custom 只在 mode=custom 時套用
	Custom game.Overrides
}

// JoinResult 加入（或重連）的結果
type JoinResult struct {
	Side        game.Side
	Match       *storage.MatchRecord
	Engine      *game.Engine // 第二位玩家加入前為 nil
	Reconnected bool
}

// entry registry 中的一場比賽
//
// engine 為 nil 時比賽仍在等待第二位玩家；players 最多兩位，順序即加入順序。
type entry struct {
	matchID   string
	cfg       game.Config
	players   []*game.Player
	engine    *game.Engine
	createdAt time.Time
}

func newEntry(matchID string, cfg game.Config) *entry {
	return &entry{
		matchID:   matchID,
		cfg:       cfg,
		players:   make([]*game.Player, 0, 2),
		createdAt: time.Now(),
	}
}

func (e *entry) player(userID string) *game.Player {
	for _, p := range e.players {
		if p.UserID == userID {
			return p
		}
	}
	return nil
}

// removeByConn 從等待中的比賽移除玩家，保留其餘玩家的順序
func (e *entry) removeByConn(connID string) *game.Player {
	for i, p := range e.players {
		if p.ConnID() == connID {
			e.players = append(e.players[:i], e.players[i+1:]...)
			return p
		}
	}
	return nil
}

// nextSide 依加入順序分配位置；等待中有人離開時補上空出的那一側
func (e *entry) nextSide() game.Side {
	if len(e.players) == 1 && e.players[0].Side == game.SideLeft {
		return game.SideRight
	}
	return game.SideLeft
}

// newMatchID 產生 match_<時間戳 base36>_<隨機 hex>
func newMatchID() string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 36)
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return "match_" + ts + "_" + random
}
