package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig NATS 發布設定
type NATSConfig struct {
	URL           string
	SubjectPrefix string // 預設 pong

	// JetStream 啟用時事件寫入 stream，訂閱端離線也不會遺失
	JetStream  bool
	StreamName string
	MaxAge     time.Duration
}

// NATSPublisher 透過 NATS 發布事件
type NATSPublisher struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher 連線 NATS（無限重連），必要時建立 stream
func NewNATSPublisher(cfg NATSConfig, logger *slog.Logger) (*NATSPublisher, error) {
	logger = logger.With("component", "nats_publisher")

	conn, err := nats.Connect(
		cfg.URL,
		nats.Name("pong-match-service"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "pong"
	}

	p := &NATSPublisher{
		conn:   conn,
		prefix: prefix,
		logger: logger,
	}

	if cfg.JetStream {
		js, err := conn.JetStream()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("create jetstream context: %w", err)
		}
		if err := ensureStream(js, cfg, prefix); err != nil {
			conn.Close()
			return nil, err
		}
		p.js = js
	}

	return p, nil
}

// ensureStream stream 不存在就建立，已存在則更新設定
func ensureStream(js nats.JetStreamContext, cfg NATSConfig, prefix string) error {
	name := cfg.StreamName
	if name == "" {
		name = "PONG_MATCHES"
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}

	streamCfg := &nats.StreamConfig{
		Name:     name,
		Subjects: []string{prefix + ".match.>"},
		Storage:  nats.FileStorage,
		MaxAge:   maxAge,
	}

	_, err := js.StreamInfo(name)
	switch {
	case errors.Is(err, nats.ErrStreamNotFound):
		if _, err := js.AddStream(streamCfg); err != nil {
			return fmt.Errorf("add stream %s: %w", name, err)
		}
	case err != nil:
		return fmt.Errorf("stream info %s: %w", name, err)
	default:
		if _, err := js.UpdateStream(streamCfg); err != nil {
			return fmt.Errorf("update stream %s: %w", name, err)
		}
	}
	return nil
}

// Subject 事件對應的 subject
func (p *NATSPublisher) Subject(t Type) string {
	return p.prefix + ".match." + string(t)
}

// Publish 以 JSON 發布事件
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := p.Subject(e.Type)
	if p.js != nil {
		if _, err := p.js.Publish(subject, data, nats.Context(ctx)); err != nil {
			return fmt.Errorf("publish %s: %w", subject, err)
		}
	} else if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	p.logger.Debug("event published", "subject", subject, "match_id", e.MatchID)
	return nil
}

// Conn 底層連線（訂閱與健康檢查用）
func (p *NATSPublisher) Conn() *nats.Conn {
	return p.conn
}

// Close 送出緩衝中的訊息後關閉
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}
