package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/koopa0/system-design/14-realtime-pong/internal/auth"
	"github.com/koopa0/system-design/14-realtime-pong/internal/match"
	apperrors "github.com/koopa0/system-design/14-realtime-pong/pkg/errors"
)

// HubConfig WebSocket 參數
type HubConfig struct {
	// AllowedOrigins 允許的 Origin；"*" 表示全部，空值時只允許同源
	AllowedOrigins []string

	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
	MaxMessageSize  int64

	// 54s Ping / 60s Pong：Ping 一定在讀取期限之前送出
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
}

// DefaultHubConfig 預設參數
func DefaultHubConfig() HubConfig {
	return HubConfig{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      256,
		MaxMessageSize:  4096,
		PingInterval:    54 * time.Second,
		PongWait:        60 * time.Second,
		WriteWait:       10 * time.Second,
	}
}

func (c HubConfig) withDefaults() HubConfig {
	d := DefaultHubConfig()
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = d.WriteBufferSize
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	return c
}

// Hub WebSocket 連線中心
//
// 只負責連線的生命週期（握手驗證、註冊、心跳、關閉）；
// 比賽相關的狀態全部在 match.Registry，訊息交給 dispatcher 路由。
type Hub struct {
	cfg      HubConfig
	verifier auth.Verifier
	logger   *slog.Logger
	upgrader websocket.Upgrader
	dispatch *dispatcher

	mu      sync.RWMutex
	conns   map[string]*Conn // connID -> Conn
	stopped bool
}

// NewHub 建立 WebSocket Hub
func NewHub(registry *match.Registry, verifier auth.Verifier, cfg HubConfig, logger *slog.Logger) *Hub {
	cfg = cfg.withDefaults()
	logger = logger.With("component", "ws_hub")

	h := &Hub{
		cfg:      cfg,
		verifier: verifier,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		conns: make(map[string]*Conn),
	}
	h.dispatch = newDispatcher(registry, verifier, logger)
	return h
}

// originChecker 依設定建立 Origin 檢查；回傳 nil 時 gorilla 只允許同源
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	if slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}

	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// 非瀏覽器客戶端
			return true
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}

// ServeWS 握手：先驗證 token，再升級為 WebSocket
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	identity, err := h.verifier.Verify(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		h.logger.Info("websocket handshake rejected", "remote", r.RemoteAddr, "error", err)
		writeError(w, err)
		return
	}

	h.mu.RLock()
	stopped := h.stopped
	h.mu.RUnlock()
	if stopped {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已回覆錯誤
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(uuid.NewString(), identity, ws, h)
	if !h.register(c) {
		_ = ws.Close()
		return
	}

	go c.writePump()
	go c.readPump()

	h.logger.Info("websocket connected",
		"conn_id", c.id,
		"user_id", identity.UserID)
}

func (h *Hub) register(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	h.conns[c.id] = c
	return true
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.conns[c.id]; ok && cur == c {
		delete(h.conns, c.id)
	}
}

// Count 目前的連線數
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Stop 關閉所有連線；之後的握手一律拒絕
func (h *Hub) Stop() {
	h.mu.Lock()
	h.stopped = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	// 關閉 send channel，writePump 送出 close frame 後關閉連線，readPump 隨之結束
	for _, c := range conns {
		c.close()
	}
	h.logger.Info("websocket hub stopped", "connections", len(conns))
}

// writeError 以 JSON 回覆錯誤，狀態碼依錯誤碼決定
func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusOf(err))
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":  apperrors.CodeOf(err),
		"error": apperrors.MessageOf(err),
	})
}

// statusOf 錯誤碼對應的 HTTP 狀態
func statusOf(err error) int {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeNotJoinable, apperrors.ErrCodeMatchFull:
		return http.StatusConflict
	case apperrors.ErrCodePlayerNotInMatch:
		return http.StatusForbidden
	case apperrors.ErrCodeAuthFailure:
		return http.StatusUnauthorized
	case apperrors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case apperrors.ErrCodePersistenceFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
