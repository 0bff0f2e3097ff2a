package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/14-realtime-pong/internal/auth"
	"github.com/koopa0/system-design/14-realtime-pong/internal/config"
	"github.com/koopa0/system-design/14-realtime-pong/internal/events"
	"github.com/koopa0/system-design/14-realtime-pong/internal/match"
	"github.com/koopa0/system-design/14-realtime-pong/internal/storage"
	"github.com/koopa0/system-design/14-realtime-pong/internal/storage/migrations"
	"github.com/koopa0/system-design/14-realtime-pong/internal/transport"
	"github.com/koopa0/system-design/14-realtime-pong/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "配置檔路徑")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "pong server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, logCloser, err := logger.New(logger.Options{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Output:    cfg.Log.Output,
		AddSource: cfg.Log.Level == "debug",
	})
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(log)

	ctx := context.Background()

	// 比賽紀錄
	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	// Redis 只在 session 驗證時需要
	var redisClient *redis.Client
	if cfg.Auth.Mode == "redis" || cfg.Auth.Mode == "chain" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
	}

	verifier, err := buildVerifier(cfg, redisClient)
	if err != nil {
		return err
	}

	// 生命週期事件
	var publisher events.Publisher = events.Nop{}
	if cfg.NATS.URL != "" {
		p, err := events.NewNATSPublisher(events.NATSConfig{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			JetStream:     cfg.NATS.JetStream,
			StreamName:    cfg.NATS.StreamName,
			MaxAge:        cfg.NATS.MaxAge,
		}, log)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		publisher = p
	}
	defer publisher.Close()

	registry, err := match.NewRegistry(store, match.Options{
		Logger:        log,
		Publisher:     publisher,
		Game:          cfg.GameConfig(),
		WaitingTTL:    cfg.Match.WaitingTTL,
		SweepInterval: cfg.Match.SweepInterval,
		ResultRetries: cfg.Match.ResultRetries,
		ResultBackoff: cfg.Match.ResultBackoff,
	})
	if err != nil {
		return fmt.Errorf("create registry: %w", err)
	}

	hub := transport.NewHub(registry, verifier, transport.HubConfig{
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
		SendBuffer:     cfg.WebSocket.SendBuffer,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		PingInterval:   cfg.WebSocket.PingInterval,
		PongWait:       cfg.WebSocket.PongWait,
	}, log)

	handler := transport.NewHandler(registry, store, verifier, hub, log)
	handler.CORSOrigin = cfg.Server.CORSOrigin

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("starting pong server",
			"port", cfg.Server.Port,
			"store", cfg.Store.Driver,
			"auth", cfg.Auth.Mode,
			"tick_rate", cfg.GameConfig().TickRate)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			registry.Close()
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-shutdown:
		log.Info("shutdown signal received", "signal", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// 先停止接受新請求，再關閉 WebSocket 與所有比賽
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to shutdown server", "error", err)
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("failed to force close server", "error", closeErr)
			}
		}
		hub.Stop()
		registry.Close()
	}

	log.Info("server stopped")
	return nil
}

// openStore 依 store.driver 建立儲存層
func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (storage.Store, func(), error) {
	if cfg.Store.Driver == "memory" {
		log.Warn("using in-memory match store, records are lost on restart")
		return storage.NewMemoryStore(), func() {}, nil
	}

	dsn := cfg.PostgresDSN()

	if cfg.Postgres.RunMigrations {
		if err := runMigrations(dsn, log); err != nil {
			return nil, nil, err
		}
	}

	pool, err := storage.NewPool(ctx, dsn, storage.PoolOptions{
		MaxConns: cfg.Postgres.MaxConns,
		MinConns: cfg.Postgres.MinConns,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}

	return storage.NewPostgresStore(pool, log), pool.Close, nil
}

// runMigrations 執行內嵌的資料庫遷移
func runMigrations(dsn string, log *slog.Logger) (err error) {
	m, err := migrations.New(dsn, log)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer func() {
		err = errors.Join(err, m.Close())
	}()

	if err := m.Up(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// buildVerifier 依 auth.mode 組合 token 驗證
func buildVerifier(cfg *config.Config, redisClient *redis.Client) (auth.Verifier, error) {
	var chain auth.Chain

	if cfg.Auth.Mode == "jwt" || cfg.Auth.Mode == "chain" {
		jwtVerifier, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret)
		if err != nil {
			return nil, fmt.Errorf("create jwt verifier: %w", err)
		}
		chain = append(chain, jwtVerifier)
	}
	if redisClient != nil {
		chain = append(chain, auth.NewRedisVerifier(redisClient))
	}

	if len(chain) == 0 {
		return nil, fmt.Errorf("auth mode %q has no verifier", cfg.Auth.Mode)
	}
	return chain, nil
}
