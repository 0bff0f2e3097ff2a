package transport

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/koopa0/system-design/14-realtime-pong/internal/auth"
	"github.com/koopa0/system-design/14-realtime-pong/internal/game"
	"github.com/koopa0/system-design/14-realtime-pong/internal/match"
	apperrors "github.com/koopa0/system-design/14-realtime-pong/pkg/errors"
	"github.com/koopa0/system-design/14-realtime-pong/pkg/logger"
)

// requestTimeout join / reconnect 查詢儲存層的上限
const requestTimeout = 5 * time.Second

// dispatcher 把已解碼的訊息交給 registry 或引擎
type dispatcher struct {
	registry *match.Registry
	verifier auth.Verifier
	logger   *slog.Logger
}

func newDispatcher(registry *match.Registry, verifier auth.Verifier, logger *slog.Logger) *dispatcher {
	return &dispatcher{
		registry: registry,
		verifier: verifier,
		logger:   logger,
	}
}

// handle 處理一個訊框；在該連線的 readPump 中依序執行
func (d *dispatcher) handle(c *Conn, raw []byte) {
	ctx := logger.WithUserID(context.Background(), c.identity.UserID)

	id, msg, err := DecodeInbound(raw)
	if errors.Is(err, ErrInputDropped) {
		d.logger.DebugContext(ctx, "paddle input dropped", "conn_id", c.id, "error", err)
		return
	}
	if err != nil {
		d.logger.DebugContext(ctx, "invalid frame", "conn_id", c.id, "error", err)
		d.fail(c, id, err)
		return
	}

	switch m := msg.(type) {
	case JoinMatch:
		d.join(ctx, c, id, m)
	case ReconnectMatch:
		d.reconnect(ctx, c, id, m)
	case PlayerReady:
		d.ready(ctx, c)
	case PaddleMove:
		if engine := d.registry.GetEngineForConnection(c.id); engine != nil {
			engine.HandlePaddleInput(c.id, m.Direction)
		}
	case LeaveMatch:
		d.leave(ctx, c, m)
	}
}

func (d *dispatcher) join(ctx context.Context, c *Conn, id string, m JoinMatch) {
	ctx = logger.WithMatchID(ctx, m.MatchID)

	identity, err := d.authorize(ctx, c, m.UserID, m.Token)
	if err != nil {
		d.fail(c, id, err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	res, err := d.registry.JoinMatch(ctx, c, m.MatchID, identity.UserID, identity.Username)
	if err != nil {
		d.logger.InfoContext(ctx, "join rejected", "conn_id", c.id, "error", err)
		d.fail(c, id, err)
		return
	}

	_ = c.reply(id, Ack{Success: true, MatchID: m.MatchID, Side: res.Side})
}

func (d *dispatcher) reconnect(ctx context.Context, c *Conn, id string, m ReconnectMatch) {
	ctx = logger.WithMatchID(ctx, m.MatchID)

	identity, err := d.authorize(ctx, c, m.UserID, m.Token)
	if err != nil {
		d.fail(c, id, err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	res, err := d.registry.HandleReconnect(ctx, c, m.MatchID, identity.UserID)
	if err != nil {
		d.logger.InfoContext(ctx, "reconnect rejected", "conn_id", c.id, "error", err)
		d.fail(c, id, err)
		return
	}

	_ = c.reply(id, Ack{Success: true, MatchID: m.MatchID, Side: res.Side})
}

func (d *dispatcher) ready(ctx context.Context, c *Conn) {
	if _, ok := d.registry.MatchForConnection(c.id); !ok {
		d.fail(c, "", apperrors.ErrPlayerNotInMatch)
		return
	}

	engine := d.registry.GetEngineForConnection(c.id)
	if engine == nil {
		// 對手尚未加入，準備狀態在引擎建立後才有意義
		d.logger.DebugContext(ctx, "ready before opponent joined", "conn_id", c.id)
		return
	}
	if err := engine.SetPlayerReady(c.id); err != nil {
		d.fail(c, "", err)
	}
}

func (d *dispatcher) leave(ctx context.Context, c *Conn, m LeaveMatch) {
	if m.Forfeit {
		if d.registry.Forfeit(c.id) {
			d.logger.InfoContext(ctx, "player forfeited", "conn_id", c.id)
		}
		return
	}
	// 離開視同斷線：保留位置到寬限期結束
	d.registry.HandleDisconnect(c.id)
}

// disconnected 連線關閉
func (d *dispatcher) disconnected(c *Conn) {
	d.registry.HandleDisconnect(c.id)
	d.logger.Info("websocket disconnected", "conn_id", c.id, "user_id", c.identity.UserID)
}

// authorize 確認訊息中的 userId 屬於這條連線
//
// 訊息帶 token 時重新驗證；否則沿用握手時的身分。
func (d *dispatcher) authorize(ctx context.Context, c *Conn, userID, token string) (auth.Identity, error) {
	identity := c.identity
	if token != "" {
		verified, err := d.verifier.Verify(ctx, token)
		if err != nil {
			return auth.Identity{}, err
		}
		identity = verified
	}

	if identity.UserID != userID {
		d.logger.WarnContext(ctx, "user id does not match token",
			"conn_id", c.id,
			"claimed", userID,
			"verified", identity.UserID)
		return auth.Identity{}, apperrors.ErrIdentityMismatch
	}
	return identity, nil
}

// fail 回覆失敗的 ack（有 id 時）並送出 error 事件
func (d *dispatcher) fail(c *Conn, id string, err error) {
	code := apperrors.CodeOf(err)
	message := apperrors.MessageOf(err)

	if id != "" {
		_ = c.reply(id, Ack{Success: false, Code: code, Error: message})
	}
	_ = c.Send(game.EventError, game.ErrorPayload{Code: code, Message: message})
}
