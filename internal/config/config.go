// Package config 載入服務配置
//
// 優先順序：預設值 ← YAML 檔案 ← 環境變數（.env 會先載入到環境中）。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/koopa0/system-design/14-realtime-pong/internal/game"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		CORSOrigin      string        `yaml:"cors_origin"`
	} `yaml:"server"`

	WebSocket struct {
		AllowedOrigins []string      `yaml:"allowed_origins"`
		SendBuffer     int           `yaml:"send_buffer"`
		MaxMessageSize int64         `yaml:"max_message_size"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongWait       time.Duration `yaml:"pong_wait"`
	} `yaml:"websocket"`

	Store struct {
		Driver string `yaml:"driver"` // memory 或 postgres
	} `yaml:"store"`

	Postgres struct {
		Host          string `yaml:"host"`
		Port          int    `yaml:"port"`
		User          string `yaml:"user"`
		Password      string `yaml:"password"`
		DBName        string `yaml:"dbname"`
		MaxConns      int32  `yaml:"max_conns"`
		MinConns      int32  `yaml:"min_conns"`
		RunMigrations bool   `yaml:"run_migrations"`

		// url 由 DATABASE_URL 覆寫，優先於上面的欄位
		URL string `yaml:"url"`
	} `yaml:"postgres"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	NATS struct {
		URL           string        `yaml:"url"`
		SubjectPrefix string        `yaml:"subject_prefix"`
		JetStream     bool          `yaml:"jetstream"`
		StreamName    string        `yaml:"stream_name"`
		MaxAge        time.Duration `yaml:"max_age"`
	} `yaml:"nats"`

	Auth struct {
		Mode      string `yaml:"mode"` // jwt、redis 或 chain
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	Match struct {
		WaitingTTL    time.Duration `yaml:"waiting_ttl"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
		ResultRetries int           `yaml:"result_retries"`
		ResultBackoff time.Duration `yaml:"result_backoff"`
	} `yaml:"match"`

	Game struct {
		TickRate       int           `yaml:"tick_rate"`
		MaxScore       int           `yaml:"max_score"`
		Countdown      time.Duration `yaml:"countdown"`
		BallResetDelay time.Duration `yaml:"ball_reset_delay"`
		ReconnectGrace time.Duration `yaml:"reconnect_grace"`
	} `yaml:"game"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		Output string `yaml:"output"`
	} `yaml:"log"`
}

// Default 預設配置
func Default() *Config {
	var c Config
	g := game.DefaultConfig()

	c.Server.Port = 3000
	c.Server.ReadTimeout = 15 * time.Second
	c.Server.WriteTimeout = 15 * time.Second
	c.Server.ShutdownTimeout = 30 * time.Second

	c.WebSocket.SendBuffer = 256
	c.WebSocket.MaxMessageSize = 4096
	c.WebSocket.PingInterval = 54 * time.Second
	c.WebSocket.PongWait = 60 * time.Second

	c.Store.Driver = "memory"

	c.Postgres.Host = "localhost"
	c.Postgres.Port = 5432
	c.Postgres.User = "postgres"
	c.Postgres.DBName = "pong"
	c.Postgres.MaxConns = 10
	c.Postgres.MinConns = 2
	c.Postgres.RunMigrations = true

	c.Redis.Addr = "localhost:6379"

	c.NATS.SubjectPrefix = "pong"

	c.Auth.Mode = "jwt"

	c.Match.WaitingTTL = 10 * time.Minute
	c.Match.SweepInterval = time.Minute
	c.Match.ResultRetries = 3
	c.Match.ResultBackoff = 500 * time.Millisecond

	c.Game.TickRate = g.TickRate
	c.Game.MaxScore = g.MaxScore
	c.Game.Countdown = g.Countdown
	c.Game.BallResetDelay = g.BallResetDelay
	c.Game.ReconnectGrace = g.ReconnectGrace

	c.Log.Level = "info"
	c.Log.Format = "text"
	return &c
}

// Load 載入配置
//
// path 為空或檔案不存在時只使用預設值與環境變數。
func Load(path string) (*Config, error) {
	// .env 不存在是正常情況
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	c := Default()

	if path != "" {
		// #nosec G304 - path 來自命令列參數
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, c); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := c.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// applyEnv 以環境變數覆寫
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get("PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v, ok := get("DATABASE_URL"); ok {
		c.Postgres.URL = v
	}
	if v, ok := get("REDIS_ADDR"); ok {
		c.Redis.Addr = v
	}
	if v, ok := get("NATS_URL"); ok {
		c.NATS.URL = v
	}
	if v, ok := get("JWT_SECRET"); ok {
		c.Auth.JWTSecret = v
	}
	if v, ok := get("AUTH_MODE"); ok {
		c.Auth.Mode = v
	}
	if v, ok := get("STORE_DRIVER"); ok {
		c.Store.Driver = v
	}
	if v, ok := get("GAME_TICK_RATE"); ok {
		rate, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GAME_TICK_RATE: %w", err)
		}
		c.Game.TickRate = rate
	}
	if v, ok := get("CORS_ORIGIN"); ok {
		c.Server.CORSOrigin = v
		c.WebSocket.AllowedOrigins = splitList(v)
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate 檢查配置是否合理
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Postgres.URL == "" && c.Postgres.Host == "" {
			errs = append(errs, errors.New("postgres.host or DATABASE_URL is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q must be memory or postgres", c.Store.Driver))
	}

	switch c.Auth.Mode {
	case "jwt":
		if c.Auth.JWTSecret == "" {
			errs = append(errs, errors.New("auth.jwt_secret (JWT_SECRET) is required in jwt mode"))
		}
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required in redis mode"))
		}
	case "chain":
		if c.Auth.JWTSecret == "" || c.Redis.Addr == "" {
			errs = append(errs, errors.New("chain mode needs both auth.jwt_secret and redis.addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.mode %q must be jwt, redis or chain", c.Auth.Mode))
	}

	if c.NATS.JetStream && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.jetstream requires nats.url"))
	}

	if c.Match.ResultRetries < 0 {
		errs = append(errs, errors.New("match.result_retries must not be negative"))
	}

	if err := c.GameConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("game: %w", err))
	}

	return errors.Join(errs...)
}

// PostgresDSN 生成 PostgreSQL 連線字串
func (c *Config) PostgresDSN() string {
	if c.Postgres.URL != "" {
		return c.Postgres.URL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Postgres.User, c.Postgres.Password),
		Host:     net.JoinHostPort(c.Postgres.Host, strconv.Itoa(c.Postgres.Port)),
		Path:     "/" + c.Postgres.DBName,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// GameConfig 轉換為引擎配置，未設定的欄位沿用預設
func (c *Config) GameConfig() game.Config {
	g := game.DefaultConfig()
	if c.Game.TickRate != 0 {
		g.TickRate = c.Game.TickRate
	}
	if c.Game.MaxScore != 0 {
		g.MaxScore = c.Game.MaxScore
	}
	if c.Game.Countdown != 0 {
		g.Countdown = c.Game.Countdown
	}
	if c.Game.BallResetDelay != 0 {
		g.BallResetDelay = c.Game.BallResetDelay
	}
	if c.Game.ReconnectGrace != 0 {
		g.ReconnectGrace = c.Game.ReconnectGrace
	}
	return g
}
