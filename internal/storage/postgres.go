package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const matchColumns = `match_id, status, mode, tournament_id, created_by, created_at,
	started_at, finished_at, winner_id, loser_id, score_left, score_right, duration_sec`

const playerColumns = `match_id, user_id, username, side, is_ready, joined_at`

// matchRow matches 表的一列
type matchRow struct {
	MatchID      string     `db:"match_id"`
	Status       string     `db:"status"`
	Mode         string     `db:"mode"`
	TournamentID *string    `db:"tournament_id"`
	CreatedBy    string     `db:"created_by"`
	CreatedAt    time.Time  `db:"created_at"`
	StartedAt    *time.Time `db:"started_at"`
	FinishedAt   *time.Time `db:"finished_at"`
	WinnerID     *string    `db:"winner_id"`
	LoserID      *string    `db:"loser_id"`
	ScoreLeft    *int32     `db:"score_left"`
	ScoreRight   *int32     `db:"score_right"`
	DurationSec  *int32     `db:"duration_sec"`
}

// playerRow players_in_match 表的一列
type playerRow struct {
	MatchID  string    `db:"match_id"`
	UserID   string    `db:"user_id"`
	Username string    `db:"username"`
	Side     *string   `db:"side"`
	IsReady  bool      `db:"is_ready"`
	JoinedAt time.Time `db:"joined_at"`
}

func (r matchRow) toRecord(players []playerRow) *MatchRecord {
	rec := &MatchRecord{
		MatchID:      r.MatchID,
		Status:       Status(r.Status),
		Mode:         Mode(r.Mode),
		TournamentID: r.TournamentID,
		CreatedBy:    r.CreatedBy,
		CreatedAt:    r.CreatedAt,
		StartedAt:    r.StartedAt,
		FinishedAt:   r.FinishedAt,
		WinnerID:     r.WinnerID,
		LoserID:      r.LoserID,
		Players:      make([]PlayerRecord, 0, len(players)),
	}
	if r.ScoreLeft != nil && r.ScoreRight != nil {
		rec.FinalScore = &Score{Left: int(*r.ScoreLeft), Right: int(*r.ScoreRight)}
	}
	if r.DurationSec != nil {
		rec.DurationSec = Ptr(int(*r.DurationSec))
	}
	for _, p := range players {
		pr := PlayerRecord{
			UserID:   p.UserID,
			Username: p.Username,
			IsReady:  p.IsReady,
			JoinedAt: p.JoinedAt,
		}
		if p.Side != nil {
			pr.Side = *p.Side
		}
		rec.Players = append(rec.Players, pr)
	}
	return rec
}

// PoolOptions 連線池設定
type PoolOptions struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// NewPool 建立 PostgreSQL 連線池並驗證連線
func NewPool(ctx context.Context, dsn string, opts PoolOptions) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		config.MinConns = opts.MinConns
	}
	if opts.MaxConnLifetime > 0 {
		config.MaxConnLifetime = opts.MaxConnLifetime
	}
	if opts.MaxConnIdleTime > 0 {
		config.MaxConnIdleTime = opts.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return pool, nil
}

// PostgresStore PostgreSQL 實作
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore 建立 PostgreSQL 儲存
func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		logger: logger.With("component", "postgres_store"),
	}
}

// Create 在交易中新增比賽
func (s *PostgresStore) Create(ctx context.Context, rec MatchRecord) (*MatchRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, persistenceError("begin create", err)
	}
	defer func() {
		// Commit 之後 Rollback 會回傳 ErrTxClosed，忽略即可
		_ = tx.Rollback(ctx)
	}()

	rows, err := tx.Query(ctx, `
		INSERT INTO matches (match_id, status, mode, tournament_id, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+matchColumns,
		rec.MatchID, string(rec.Status), string(rec.Mode), rec.TournamentID, rec.CreatedBy, rec.CreatedAt)
	if err != nil {
		return nil, persistenceError("insert match", err)
	}
	row, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[matchRow])
	if err != nil {
		s.logger.Error("insert match failed", "match_id", rec.MatchID, "error", err)
		return nil, persistenceError("insert match", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, persistenceError("commit create", err)
	}

	return row.toRecord(nil), nil
}

// Update 動態組出 SET 子句，只更新有值的欄位
func (s *PostgresStore) Update(ctx context.Context, matchID string, u MatchUpdate) (*MatchRecord, error) {
	if u.IsEmpty() {
		return s.FindByID(ctx, matchID)
	}

	var (
		sets []string
		args []any
	)
	add := func(column string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if u.Status != nil {
		add("status", string(*u.Status))
	}
	if u.StartedAt != nil {
		add("started_at", *u.StartedAt)
	}
	if u.FinishedAt != nil {
		add("finished_at", *u.FinishedAt)
	}
	if u.WinnerID != nil {
		add("winner_id", *u.WinnerID)
	}
	if u.LoserID != nil {
		add("loser_id", *u.LoserID)
	}
	if u.FinalScore != nil {
		add("score_left", u.FinalScore.Left)
		add("score_right", u.FinalScore.Right)
	}
	if u.Duration != nil {
		add("duration_sec", *u.Duration)
	}

	args = append(args, matchID)
	query := fmt.Sprintf(`UPDATE matches SET %s WHERE match_id = $%d RETURNING %s`,
		strings.Join(sets, ", "), len(args), matchColumns)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, persistenceError("update match", err)
	}
	row, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[matchRow])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		s.logger.Error("update match failed", "match_id", matchID, "error", err)
		return nil, persistenceError("update match", err)
	}

	players, err := s.players(ctx, []string{matchID})
	if err != nil {
		return nil, err
	}
	return row.toRecord(players[matchID]), nil
}

// FindByID 查詢比賽與玩家
func (s *PostgresStore) FindByID(ctx context.Context, matchID string) (*MatchRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+matchColumns+` FROM matches WHERE match_id = $1`, matchID)
	if err != nil {
		return nil, persistenceError("find match", err)
	}
	row, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[matchRow])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, persistenceError("find match", err)
	}

	players, err := s.players(ctx, []string{matchID})
	if err != nil {
		return nil, err
	}
	return row.toRecord(players[matchID]), nil
}

// AddPlayer 以 (match_id, user_id) upsert 玩家
func (s *PostgresStore) AddPlayer(ctx context.Context, matchID string, p PlayerRecord) error {
	joinedAt := p.JoinedAt
	if joinedAt.IsZero() {
		joinedAt = time.Now()
	}
	var side *string
	if p.Side != "" {
		side = &p.Side
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO players_in_match (match_id, user_id, username, side, is_ready, joined_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (match_id, user_id)
		DO UPDATE SET username = EXCLUDED.username, side = EXCLUDED.side, is_ready = EXCLUDED.is_ready`,
		matchID, p.UserID, p.Username, side, p.IsReady, joinedAt)
	if err != nil {
		s.logger.Error("add player failed", "match_id", matchID, "user_id", p.UserID, "error", err)
		return persistenceError("add player", err)
	}
	return nil
}

// List 依條件列出比賽，新的在前
func (s *PostgresStore) List(ctx context.Context, f ListFilter) ([]*MatchRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.TournamentID != "" {
		args = append(args, f.TournamentID)
		where = append(where, fmt.Sprintf("tournament_id = $%d", len(args)))
	}

	query := `SELECT ` + matchColumns + ` FROM matches`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, persistenceError("list matches", err)
	}
	matches, err := pgx.CollectRows(rows, pgx.RowToStructByName[matchRow])
	if err != nil {
		return nil, persistenceError("list matches", err)
	}
	if len(matches) == 0 {
		return []*MatchRecord{}, nil
	}

	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.MatchID
	}
	players, err := s.players(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]*MatchRecord, len(matches))
	for i, m := range matches {
		out[i] = m.toRecord(players[m.MatchID])
	}
	return out, nil
}

// Ping 檢查連線
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return persistenceError("ping", err)
	}
	return nil
}

// players 批次載入玩家，依 match_id 分組
func (s *PostgresStore) players(ctx context.Context, matchIDs []string) (map[string][]playerRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+playerColumns+` FROM players_in_match WHERE match_id = ANY($1) ORDER BY joined_at`,
		matchIDs)
	if err != nil {
		return nil, persistenceError("load players", err)
	}
	list, err := pgx.CollectRows(rows, pgx.RowToStructByName[playerRow])
	if err != nil {
		return nil, persistenceError("load players", err)
	}

	out := make(map[string][]playerRow, len(matchIDs))
	for _, p := range list {
		out[p.MatchID] = append(out[p.MatchID], p)
	}
	return out, nil
}
