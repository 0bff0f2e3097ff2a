package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koopa0/system-design/14-realtime-pong/internal/auth"
)

var (
	errConnClosed = errors.New("connection closed")
	errSendFull   = errors.New("send buffer full")
)

// Conn 一條 WebSocket 連線，實現 game.Connection
//
// 寫入只透過 send channel 交給 writePump，引擎的 tick 不會被慢客戶端卡住；
// 緩衝區滿時丟棄該訊息。
type Conn struct {
	id       string
	identity auth.Identity
	ws       *websocket.Conn
	hub      *Hub

	mu     sync.Mutex
	send   chan []byte
	closed bool

	dropped int
}

func newConn(id string, identity auth.Identity, ws *websocket.Conn, hub *Hub) *Conn {
	return &Conn{
		id:       id,
		identity: identity,
		ws:       ws,
		hub:      hub,
		send:     make(chan []byte, hub.cfg.SendBuffer),
	}
}

// ID 實現 game.Connection
func (c *Conn) ID() string {
	return c.id
}

// Identity 握手時驗證的身分
func (c *Conn) Identity() auth.Identity {
	return c.identity
}

// Send 實現 game.Connection
func (c *Conn) Send(event string, payload any) error {
	return c.sendFrame(event, "", payload)
}

// reply 回覆帶 id 的請求
func (c *Conn) reply(id string, ack Ack) error {
	return c.sendFrame(EventAck, id, ack)
}

func (c *Conn) sendFrame(event, id string, payload any) error {
	data, err := encode(event, id, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.dropped++
		if c.dropped%100 == 1 {
			c.hub.logger.Warn("send buffer full",
				"conn_id", c.id,
				"user_id", c.identity.UserID,
				"event", event,
				"dropped", c.dropped)
		}
		return errSendFull
	}
}

// close 關閉 send channel，writePump 收到後送出關閉訊框
func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump 讀取客戶端訊息，直到連線中斷
//
// 心跳：writePump 每 PingInterval 送出 Ping，收到 Pong 就延長讀取期限；
// PongWait 內沒有任何訊息則視為死連線。
func (c *Conn) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.close()
		_ = c.ws.Close()
		c.hub.dispatch.disconnected(c)
	}()

	cfg := c.hub.cfg
	c.ws.SetReadLimit(cfg.MaxMessageSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait)); err != nil {
		c.hub.logger.Error("set read deadline failed", "conn_id", c.id, "error", err)
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.hub.logger.Warn("websocket read error",
					"conn_id", c.id,
					"user_id", c.identity.UserID,
					"error", err)
			}
			return
		}

		if messageType == websocket.TextMessage {
			c.hub.dispatch.handle(c, message)
		}
	}
}

// writePump 把 send channel 的訊息寫到連線，並定期送出 Ping
func (c *Conn) writePump() {
	cfg := c.hub.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// 一次清空已排隊的訊息
			n := len(c.send)
			for range n {
				next, ok := <-c.send
				if !ok {
					return
				}
				if err := c.ws.WriteMessage(websocket.TextMessage, next); err != nil {
					c.hub.logger.Debug("write failed", "conn_id", c.id, "error", err)
					return
				}
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
