// Package testutils 提供整合測試用的容器環境
//
// PostgreSQL 與 Redis 都以 testcontainers 啟動，測試結束時自動終止。
// 需要 Docker；在 -short 模式下呼叫端應直接 Skip。
package testutils

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/koopa0/system-design/14-realtime-pong/internal/storage/migrations"
)

// PostgresEnv PostgreSQL 測試環境
type PostgresEnv struct {
	Pool      *pgxpool.Pool
	DSN       string
	Container tc.Container
}

// RedisEnv Redis 測試環境
type RedisEnv struct {
	Client    *redis.Client
	Addr      string
	Container tc.Container
}

// Logger 測試用日誌，只輸出錯誤
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// SetupPostgres 啟動 PostgreSQL 容器並套用內嵌遷移
//
// 使用範例：
//
//	func TestSomething(t *testing.T) {
//	    env := testutils.SetupPostgres(t)
//	    store := storage.NewPostgresStore(env.Pool, testutils.Logger())
//	}
func SetupPostgres(t testing.TB) *PostgresEnv {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("pong"),
		tcpostgres.WithUsername("pong"),
		tcpostgres.WithPassword("pong"),
		tc.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get postgres connection string: %v", err)
	}

	m, err := migrations.New(dsn, Logger())
	if err != nil {
		t.Fatalf("failed to create migrator: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	_ = m.Close()

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("failed to parse postgres config: %v", err)
	}
	config.MaxConns = 5

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		t.Fatalf("failed to create postgres pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := pool.Ping(ctx); err != nil {
		t.Fatalf("failed to ping postgres: %v", err)
	}

	return &PostgresEnv{Pool: pool, DSN: dsn, Container: container}
}

// TruncateMatches 清空比賽資料（測試之間使用）
func (env *PostgresEnv) TruncateMatches(t testing.TB) {
	t.Helper()
	if _, err := env.Pool.Exec(context.Background(), "TRUNCATE TABLE players_in_match, matches CASCADE"); err != nil {
		t.Fatalf("failed to truncate tables: %v", err)
	}
}

// SetupNATS 啟動啟用 JetStream 的 NATS 容器，回傳連線 URL
func SetupNATS(t testing.TB) string {
	t.Helper()
	ctx := context.Background()

	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "nats:2.10-alpine",
			Cmd:          []string{"-js"},
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForListeningPort("4222/tcp").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("failed to start nats container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	url, err := container.PortEndpoint(ctx, "4222/tcp", "nats")
	if err != nil {
		t.Fatalf("failed to get nats endpoint: %v", err)
	}
	return url
}

// SetupRedis 啟動 Redis 容器
func SetupRedis(t testing.TB) *RedisEnv {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("failed to get redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:        endpoint,
		DialTimeout: 5 * time.Second,
		ReadTimeout: 3 * time.Second,
	})
	t.Cleanup(func() {
		_ = client.Close()
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		t.Fatalf("failed to ping redis: %v", err)
	}

	return &RedisEnv{Client: client, Addr: endpoint, Container: container}
}
