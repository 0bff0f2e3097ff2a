package transport

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/system-design/14-realtime-pong/internal/auth"
	"github.com/koopa0/system-design/14-realtime-pong/internal/game"
	"github.com/koopa0/system-design/14-realtime-pong/internal/match"
	"github.com/koopa0/system-design/14-realtime-pong/internal/storage"
	apperrors "github.com/koopa0/system-design/14-realtime-pong/pkg/errors"
	"github.com/koopa0/system-design/14-realtime-pong/pkg/logger"
)

// Handler HTTP 請求處理器
type Handler struct {
	registry *match.Registry
	store    storage.Store
	verifier auth.Verifier
	hub      *Hub
	logger   *slog.Logger

	// CORSOrigin 非空時加上 Access-Control-Allow-Origin
	CORSOrigin string
}

// NewHandler 建立 HTTP 處理器
func NewHandler(registry *match.Registry, store storage.Store, verifier auth.Verifier, hub *Hub, logger *slog.Logger) *Handler {
	return &Handler{
		registry: registry,
		store:    store,
		verifier: verifier,
		hub:      hub,
		logger:   logger.With("component", "http"),
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.requestID(h.loggerMiddleware(h.cors(handler))))
	}

	mux.HandleFunc("POST /api/v1/matches", wrap(h.createMatch))
	mux.HandleFunc("GET /api/v1/matches", wrap(h.listMatches))
	mux.HandleFunc("GET /api/v1/matches/active", wrap(h.activeMatches))
	mux.HandleFunc("GET /api/v1/matches/{match_id}", wrap(h.getMatch))
	mux.HandleFunc("OPTIONS /api/v1/matches", wrap(h.preflight))

	if h.hub != nil {
		// 升級後的連線不能再包 ResponseWriter
		mux.HandleFunc("GET /ws", h.recoverer(h.hub.ServeWS))
	}

	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	return mux
}

// customSettings custom 模式可覆寫的參數
type customSettings struct {
	MaxScore     int     `json:"maxScore"`
	BallSpeed    float64 `json:"ballSpeed"`
	PaddleHeight float64 `json:"paddleHeight"`
}

type createMatchRequest struct {
	Mode           string          `json:"mode"`
	TournamentID   string          `json:"tournamentId"`
	CustomSettings *customSettings `json:"customSettings,omitempty"`
}

// createMatch 建立比賽，建立者取自 Bearer token
func (h *Handler) createMatch(w http.ResponseWriter, r *http.Request) {
	identity, err := h.verifier.Verify(r.Context(), auth.BearerToken(r.Header.Get("Authorization")))
	if err != nil {
		h.errorResponse(w, err)
		return
	}

	var req createMatchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.errorResponse(w, apperrors.ErrInvalidPayload.WithDetails("malformed body"))
		return
	}

	opts := match.CreateOptions{
		Mode:         storage.Mode(req.Mode),
		TournamentID: req.TournamentID,
	}
	if cs := req.CustomSettings; cs != nil {
		if cs.MaxScore < 0 || cs.BallSpeed < 0 || cs.PaddleHeight < 0 {
			h.errorResponse(w, apperrors.ErrInvalidPayload.WithDetails("custom settings must be positive"))
			return
		}
		opts.Custom = game.Overrides{
			MaxScore:     cs.MaxScore,
			BallSpeed:    cs.BallSpeed,
			PaddleHeight: cs.PaddleHeight,
		}
	}

	rec, err := h.registry.CreateMatch(r.Context(), identity.UserID, opts)
	if err != nil {
		h.errorResponse(w, err)
		return
	}

	h.jsonResponse(w, rec, http.StatusCreated)
}

// getMatch 查詢比賽紀錄
func (h *Handler) getMatch(w http.ResponseWriter, r *http.Request) {
	rec, err := h.registry.GetMatch(r.Context(), r.PathValue("match_id"))
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	h.jsonResponse(w, rec, http.StatusOK)
}

// listMatches 依狀態或錦標賽查詢
func (h *Handler) listMatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := storage.ListFilter{
		Status:       storage.Status(q.Get("status")),
		TournamentID: q.Get("tournamentId"),
		Limit:        50,
	}
	switch filter.Status {
	case "", storage.StatusWaiting, storage.StatusInProgress, storage.StatusFinished:
	default:
		h.errorResponse(w, apperrors.ErrInvalidPayload.WithDetails("unknown status"))
		return
	}
	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit <= 0 || limit > 200 {
			h.errorResponse(w, apperrors.ErrInvalidPayload.WithDetails("limit must be 1-200"))
			return
		}
		filter.Limit = limit
	}

	matches, err := h.store.List(r.Context(), filter)
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	h.jsonResponse(w, map[string]any{
		"matches": matches,
		"count":   len(matches),
	}, http.StatusOK)
}

// activeMatches 記憶體中進行中的比賽
func (h *Handler) activeMatches(w http.ResponseWriter, _ *http.Request) {
	active := h.registry.ActiveMatches()
	h.jsonResponse(w, map[string]any{
		"matches": active,
		"count":   len(active),
	}, http.StatusOK)
}

// health 健康檢查，儲存層無法連線時回傳 503
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Warn("health check failed", "error", err)
		status, code = "degraded", http.StatusServiceUnavailable
	}
	h.jsonResponse(w, map[string]any{
		"status": status,
		"time":   time.Now().Unix(),
	}, code)
}

// stats 即時統計
func (h *Handler) stats(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"matches": h.registry.Stats(),
	}
	if h.hub != nil {
		resp["websocketConnections"] = h.hub.Count()
	}
	h.jsonResponse(w, resp, http.StatusOK)
}

func (h *Handler) preflight(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// jsonResponse JSON 回應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("encode response failed", "error", err)
	}
}

// errorResponse 錯誤回應，不洩漏底層錯誤
func (h *Handler) errorResponse(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
	}
	h.jsonResponse(w, map[string]any{
		"code":  apperrors.CodeOf(err),
		"error": apperrors.MessageOf(err),
	}, status)
}

// responseWriter 記錄狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// loggerMiddleware 請求日誌
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// requestID 沿用 X-Request-ID 或產生新的，放進 context 供日誌使用
func (h *Handler) requestID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	}
}

func (h *Handler) cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.CORSOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", h.CORSOrigin)
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		next(w, r)
	}
}

// recoverer 捕獲 panic
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("panic while handling request",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, apperrors.ErrInternal)
			}
		}()

		next(w, r)
	}
}
