// Package storage 提供比賽紀錄的持久化
//
// 比賽紀錄只追蹤 waiting → in_progress → finished 三個狀態，
// 引擎內部的 countdown / paused 不會寫入資料庫。
package storage

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/koopa0/system-design/14-realtime-pong/pkg/errors"
)

// Status 比賽紀錄狀態
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusInProgress Status = "in_progress"
	StatusFinished   Status = "finished"
)

// Joinable 是否還能加入（含重連）
func (s Status) Joinable() bool {
	return s == StatusWaiting || s == StatusInProgress
}

// Mode 比賽模式
type Mode string

const (
	ModeCasual     Mode = "casual"
	ModeRanked     Mode = "ranked"
	ModeTournament Mode = "tournament"
	ModeCustom     Mode = "custom"
)

// ParseMode 解析模式，空字串視為 casual
func ParseMode(s string) (Mode, bool) {
	switch m := Mode(s); m {
	case "":
		return ModeCasual, true
	case ModeCasual, ModeRanked, ModeTournament, ModeCustom:
		return m, true
	default:
		return "", false
	}
}

// Score 最終比分
type Score struct {
	Left  int `json:"left"`
	Right int `json:"right"`
}

// PlayerRecord 加入比賽的玩家
type PlayerRecord struct {
	UserID   string    `json:"userId"`
	Username string    `json:"username"`
	Side     string    `json:"side,omitempty"`
	IsReady  bool      `json:"isReady"`
	JoinedAt time.Time `json:"joinedAt"`
}

// MatchRecord 比賽紀錄
type MatchRecord struct {
	MatchID      string         `json:"matchId"`
	Status       Status         `json:"status"`
	Mode         Mode           `json:"mode"`
	TournamentID *string        `json:"tournamentId,omitempty"`
	CreatedBy    string         `json:"createdBy"`
	CreatedAt    time.Time      `json:"createdAt"`
	StartedAt    *time.Time     `json:"startedAt,omitempty"`
	FinishedAt   *time.Time     `json:"finishedAt,omitempty"`
	WinnerID     *string        `json:"winnerId,omitempty"`
	LoserID      *string        `json:"loserId,omitempty"`
	FinalScore   *Score         `json:"finalScore,omitempty"`
	DurationSec  *int           `json:"duration,omitempty"`
	Players      []PlayerRecord `json:"players"`
}

// MatchUpdate 部分更新，nil 欄位不修改
type MatchUpdate struct {
	Status     *Status
	StartedAt  *time.Time
	FinishedAt *time.Time
	WinnerID   *string
	LoserID    *string
	FinalScore *Score
	Duration   *int
}

// IsEmpty 是否沒有任何欄位要更新
func (u MatchUpdate) IsEmpty() bool {
	return u.Status == nil && u.StartedAt == nil && u.FinishedAt == nil &&
		u.WinnerID == nil && u.LoserID == nil && u.FinalScore == nil && u.Duration == nil
}

// ListFilter 查詢條件
type ListFilter struct {
	Status       Status
	TournamentID string
	Limit        int
}

// Store 比賽紀錄儲存介面
//
// 找不到紀錄時 FindByID / Update 回傳 (nil, nil)；
// 儲存層本身的錯誤一律包裝成 PERSISTENCE_FAILURE。
type Store interface {
	Create(ctx context.Context, rec MatchRecord) (*MatchRecord, error)
	Update(ctx context.Context, matchID string, u MatchUpdate) (*MatchRecord, error)
	FindByID(ctx context.Context, matchID string) (*MatchRecord, error)
	AddPlayer(ctx context.Context, matchID string, p PlayerRecord) error
	List(ctx context.Context, f ListFilter) ([]*MatchRecord, error)
	Ping(ctx context.Context) error
}

// persistenceError 包裝儲存層錯誤
func persistenceError(op string, err error) error {
	return apperrors.Wrap(fmt.Errorf("%s: %w", op, err), apperrors.ErrCodePersistenceFailure, apperrors.ErrPersistence.Message)
}

// Ptr 取得值的指標（建構 MatchUpdate 用）
func Ptr[T any](v T) *T {
	return &v
}
