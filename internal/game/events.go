package game

// 伺服器 → 客戶端事件名稱（wire contract，不可更動）
const (
	EventGameConfig           = "game-config"
	EventPlayerJoined         = "player-joined"
	EventGameStart            = "game-start"
	EventGameState            = "game-state"
	EventPointScored          = "point-scored"
	EventGameEnd              = "game-end"
	EventOpponentDisconnected = "opponent-disconnected"
	EventOpponentReconnected  = "opponent-reconnected"
	EventError                = "error"
)

// ConfigPayload game-config
type ConfigPayload struct {
	CanvasWidth  float64 `json:"canvasWidth"`
	CanvasHeight float64 `json:"canvasHeight"`
	PaddleWidth  float64 `json:"paddleWidth"`
	PaddleHeight float64 `json:"paddleHeight"`
	BallRadius   float64 `json:"ballRadius"`
	MaxScore     int     `json:"maxScore"`
}

// PlayerJoinedPayload player-joined
type PlayerJoinedPayload struct {
	PlayerID string `json:"playerId"`
	Username string `json:"username"`
	Side     Side   `json:"side"`
}

// GameStartPayload game-start
type GameStartPayload struct {
	Countdown int `json:"countdown"`
}

// BallPayload 球的快照
type BallPayload struct {
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	VX float64 `json:"vx"`
	VY float64 `json:"vy"`
}

// PaddlePayload 球拍快照
type PaddlePayload struct {
	Y float64 `json:"y"`
}

// PaddlesPayload 左右球拍快照
type PaddlesPayload struct {
	Left  PaddlePayload `json:"left"`
	Right PaddlePayload `json:"right"`
}

// StatePayload game-state，每個 tick 廣播一次
type StatePayload struct {
	Timestamp int64          `json:"timestamp"`
	Ball      BallPayload    `json:"ball"`
	Paddles   PaddlesPayload `json:"paddles"`
	Score     Score          `json:"score"`
}

// PointScoredPayload point-scored
type PointScoredPayload struct {
	Scorer Side  `json:"scorer"`
	Score  Score `json:"score"`
}

// GameEndPayload game-end
type GameEndPayload struct {
	Winner       Side      `json:"winner"`
	FinalScore   Score     `json:"finalScore"`
	Reason       EndReason `json:"reason"`
	MatchSummary Summary   `json:"matchSummary"`
}

// OpponentDisconnectedPayload opponent-disconnected
type OpponentDisconnectedPayload struct {
	PlayerID            string `json:"playerId"`
	WaitingForReconnect bool   `json:"waitingForReconnect"`
	Timeout             int    `json:"timeout"` // 秒
}

// OpponentReconnectedPayload opponent-reconnected
type OpponentReconnectedPayload struct {
	PlayerID string `json:"playerId"`
}

// ErrorPayload error
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
