// Package transport 提供 WebSocket 與 HTTP 介面
//
// 每個 WebSocket 文字訊框都是一個 JSON 信封：
//
//	{"event": "<名稱>", "id": "<選填的 ack id>", "data": {...}}
//
// 客戶端訊息在此解碼成固定的幾種型別，未知事件與不合法的欄位在邊界就被拒絕，
// 不會進入 registry 或引擎。格式錯誤的 paddle-move 則直接丟棄，不回應客戶端。
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/koopa0/system-design/14-realtime-pong/internal/game"
	apperrors "github.com/koopa0/system-design/14-realtime-pong/pkg/errors"
)

// ErrInputDropped 標記應安靜丟棄的輸入（格式錯誤或方向不合法的 paddle-move）
var ErrInputDropped = errors.New("paddle input dropped")

// 客戶端事件
const (
	EventJoinMatch      = "join-match"
	EventPlayerReady    = "player-ready"
	EventPaddleMove     = "paddle-move"
	EventLeaveMatch     = "leave-match"
	EventReconnectMatch = "reconnect-match"

	// EventAck 回覆帶 id 的請求
	EventAck = "ack"
)

// Envelope 收到的訊框
type Envelope struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// outbound 送出的訊框
type outbound struct {
	Event string `json:"event"`
	ID    string `json:"id,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// Ack join-match / reconnect-match 的回覆
type Ack struct {
	Success bool      `json:"success"`
	MatchID string    `json:"matchId,omitempty"`
	Side    game.Side `json:"side,omitempty"`
	Code    string    `json:"code,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// Inbound 已驗證的客戶端訊息
type Inbound interface {
	event() string
}

// JoinMatch join-match
type JoinMatch struct {
	MatchID string `json:"matchId"`
	UserID  string `json:"userId"`
	Token   string `json:"token"`
}

// ReconnectMatch reconnect-match
type ReconnectMatch struct {
	MatchID string `json:"matchId"`
	UserID  string `json:"userId"`
	Token   string `json:"token"`
}

// PlayerReady player-ready
type PlayerReady struct{}

// PaddleMove paddle-move
type PaddleMove struct {
	Direction game.Direction `json:"direction"`
	Timestamp int64          `json:"timestamp"`
}

// LeaveMatch leave-match；Forfeit 為 true 時立即認輸，否則視為斷線
type LeaveMatch struct {
	Forfeit bool `json:"forfeit"`
}

func (JoinMatch) event() string      { return EventJoinMatch }
func (ReconnectMatch) event() string { return EventReconnectMatch }
func (PlayerReady) event() string    { return EventPlayerReady }
func (PaddleMove) event() string     { return EventPaddleMove }
func (LeaveMatch) event() string     { return EventLeaveMatch }

// DecodeInbound 解析並驗證一個訊框，回傳 ack id 與訊息
//
// 解析失敗時仍會盡量回傳 id，讓呼叫者能回覆失敗的 ack。
func DecodeInbound(raw []byte) (string, Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, apperrors.ErrInvalidPayload.WithDetails("malformed frame")
	}

	switch env.Event {
	case EventJoinMatch:
		var m JoinMatch
		if err := decodeData(env.Data, &m); err != nil {
			return env.ID, nil, err
		}
		if err := requireIDs(m.MatchID, m.UserID); err != nil {
			return env.ID, nil, err
		}
		return env.ID, m, nil

	case EventReconnectMatch:
		var m ReconnectMatch
		if err := decodeData(env.Data, &m); err != nil {
			return env.ID, nil, err
		}
		if err := requireIDs(m.MatchID, m.UserID); err != nil {
			return env.ID, nil, err
		}
		return env.ID, m, nil

	case EventPlayerReady:
		return env.ID, PlayerReady{}, nil

	case EventPaddleMove:
		var raw struct {
			Direction string `json:"direction"`
			Timestamp int64  `json:"timestamp"`
		}
		if err := decodeData(env.Data, &raw); err != nil {
			return env.ID, nil, fmt.Errorf("%w: %w", ErrInputDropped, err)
		}
		dir, ok := game.ParseDirection(raw.Direction)
		if !ok {
			return env.ID, nil, fmt.Errorf("%w: %w", ErrInputDropped,
				apperrors.ErrInvalidPayload.WithDetails("direction must be up, down or stop"))
		}
		return env.ID, PaddleMove{Direction: dir, Timestamp: raw.Timestamp}, nil

	case EventLeaveMatch:
		var m LeaveMatch
		if len(env.Data) > 0 {
			if err := decodeData(env.Data, &m); err != nil {
				return env.ID, nil, err
			}
		}
		return env.ID, m, nil

	case "":
		return env.ID, nil, apperrors.ErrInvalidPayload.WithDetails("missing event")
	default:
		return env.ID, nil, apperrors.ErrInvalidPayload.WithDetails("unknown event " + env.Event)
	}
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return apperrors.ErrInvalidPayload.WithDetails("missing data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperrors.ErrInvalidPayload.WithDetails("malformed data")
	}
	return nil
}

func requireIDs(matchID, userID string) error {
	if strings.TrimSpace(matchID) == "" {
		return apperrors.ErrInvalidPayload.WithDetails("matchId is required")
	}
	if strings.TrimSpace(userID) == "" {
		return apperrors.ErrInvalidPayload.WithDetails("userId is required")
	}
	return nil
}

// encode 序列化送出的訊框
func encode(event, id string, data any) ([]byte, error) {
	return json.Marshal(outbound{Event: event, ID: id, Data: data})
}
