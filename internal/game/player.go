package game

// Connection 傳輸層連線的抽象
//
// 引擎與 registry 只需要穩定的識別碼與送出事件的能力，
// 不依賴任何具體的 WebSocket 實作。Send 不可阻塞。
type Connection interface {
	ID() string
	Send(event string, payload any) error
}

// Player 比賽中的玩家
//
// Side 在加入時決定，整場比賽不變；Conn 會在重連時被替換。
type Player struct {
	UserID    string
	Username  string
	Side      Side
	Conn      Connection
	Connected bool
}

// ConnID 目前連線的識別碼
func (p *Player) ConnID() string {
	if p.Conn == nil {
		return ""
	}
	return p.Conn.ID()
}
