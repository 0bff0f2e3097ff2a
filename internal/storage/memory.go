package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// MemoryStore 記憶體實作，用於測試與單機開發
type MemoryStore struct {
	mu      sync.RWMutex
	matches map[string]*MatchRecord
}

// NewMemoryStore 建立記憶體儲存
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		matches: make(map[string]*MatchRecord),
	}
}

// Create 新增比賽紀錄
func (s *MemoryStore) Create(_ context.Context, rec MatchRecord) (*MatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.matches[rec.MatchID]; exists {
		return nil, persistenceError("create match", errors.New("duplicate match id"))
	}
	if rec.Players == nil {
		rec.Players = []PlayerRecord{}
	}
	stored := clone(&rec)
	s.matches[rec.MatchID] = stored
	return clone(stored), nil
}

// Update 部分更新
func (s *MemoryStore) Update(_ context.Context, matchID string, u MatchUpdate) (*MatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.matches[matchID]
	if !ok {
		return nil, nil
	}

	if u.Status != nil {
		rec.Status = *u.Status
	}
	if u.StartedAt != nil {
		rec.StartedAt = Ptr(*u.StartedAt)
	}
	if u.FinishedAt != nil {
		rec.FinishedAt = Ptr(*u.FinishedAt)
	}
	if u.WinnerID != nil {
		rec.WinnerID = Ptr(*u.WinnerID)
	}
	if u.LoserID != nil {
		rec.LoserID = Ptr(*u.LoserID)
	}
	if u.FinalScore != nil {
		rec.FinalScore = Ptr(*u.FinalScore)
	}
	if u.Duration != nil {
		rec.DurationSec = Ptr(*u.Duration)
	}

	return clone(rec), nil
}

// FindByID 查詢比賽
func (s *MemoryStore) FindByID(_ context.Context, matchID string) (*MatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.matches[matchID]
	if !ok {
		return nil, nil
	}
	return clone(rec), nil
}

// AddPlayer 新增或更新玩家（同一 userID 覆寫）
func (s *MemoryStore) AddPlayer(_ context.Context, matchID string, p PlayerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.matches[matchID]
	if !ok {
		return persistenceError("add player", errors.New("match does not exist"))
	}
	for i := range rec.Players {
		if rec.Players[i].UserID == p.UserID {
			rec.Players[i] = p
			return nil
		}
	}
	rec.Players = append(rec.Players, p)
	return nil
}

// List 依條件列出，新的在前
func (s *MemoryStore) List(_ context.Context, f ListFilter) ([]*MatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*MatchRecord, 0, len(s.matches))
	for _, rec := range s.matches {
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		if f.TournamentID != "" && (rec.TournamentID == nil || *rec.TournamentID != f.TournamentID) {
			continue
		}
		out = append(out, clone(rec))
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Ping 記憶體儲存永遠可用
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// clone 深拷貝，避免呼叫端修改內部狀態
func clone(rec *MatchRecord) *MatchRecord {
	cp := *rec
	cp.Players = append([]PlayerRecord{}, rec.Players...)
	if rec.TournamentID != nil {
		cp.TournamentID = Ptr(*rec.TournamentID)
	}
	if rec.StartedAt != nil {
		cp.StartedAt = Ptr(*rec.StartedAt)
	}
	if rec.FinishedAt != nil {
		cp.FinishedAt = Ptr(*rec.FinishedAt)
	}
	if rec.WinnerID != nil {
		cp.WinnerID = Ptr(*rec.WinnerID)
	}
	if rec.LoserID != nil {
		cp.LoserID = Ptr(*rec.LoserID)
	}
	if rec.FinalScore != nil {
		cp.FinalScore = Ptr(*rec.FinalScore)
	}
	if rec.DurationSec != nil {
		cp.DurationSec = Ptr(*rec.DurationSec)
	}
	return &cp
}
