package game

import "time"

// Side 玩家在比賽中的固定位置
type Side string

const (
	SideLeft  Side = "left"
	SideRight Side = "right"
)

// Opponent 對手的位置
func (s Side) Opponent() Side {
	if s == SideLeft {
		return SideRight
	}
	return SideLeft
}

// Valid 是否為合法位置
func (s Side) Valid() bool {
	return s == SideLeft || s == SideRight
}

// Direction 球拍移動方向
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
	DirectionStop Direction = "stop"
)

// ParseDirection 解析方向，非法值回傳 false
func ParseDirection(s string) (Direction, bool) {
	switch d := Direction(s); d {
	case DirectionUp, DirectionDown, DirectionStop:
		return d, true
	default:
		return "", false
	}
}

// Status 引擎內部狀態
//
// 有限狀態機：
//
//	waiting → countdown → playing ⇄ paused → finished
//
// 與比賽紀錄的 waiting/in_progress/finished 各自獨立。
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusCountdown Status = "countdown"
	StatusPlaying   Status = "playing"
	StatusPaused    Status = "paused"
	StatusFinished  Status = "finished"
)

// EndReason 比賽結束原因
type EndReason string

const (
	ReasonScoreLimit         EndReason = "score_limit"
	ReasonOpponentDisconnect EndReason = "opponent_disconnect"
	ReasonForfeit            EndReason = "forfeit"
)

// Ball 球
type Ball struct {
	X      float64
	Y      float64
	VX     float64
	VY     float64
	Radius float64
}

// Paddle 球拍（x 固定，只記錄 y 與垂直速度）
type Paddle struct {
	Y  float64
	VY float64
}

// Paddles 左右球拍
type Paddles struct {
	Left  Paddle
	Right Paddle
}

// Get 依位置取得球拍
func (p *Paddles) Get(side Side) *Paddle {
	if side == SideLeft {
		return &p.Left
	}
	return &p.Right
}

// Score 比分
type Score struct {
	Left  int `json:"left"`
	Right int `json:"right"`
}

// Of 取得某一方得分
func (s Score) Of(side Side) int {
	if side == SideLeft {
		return s.Left
	}
	return s.Right
}

func (s *Score) add(side Side) int {
	if side == SideLeft {
		s.Left++
		return s.Left
	}
	s.Right++
	return s.Right
}

// State 模擬狀態，只有引擎自己的 goroutine 會修改
type State struct {
	Ball    Ball
	Paddles Paddles
	Score   Score
	Status  Status

	LastUpdate time.Time
	StartedAt  time.Time

	CurrentRally int
	TotalHits    int
	LongestRally int
}

// Summary 比賽摘要
type Summary struct {
	Duration     int `json:"duration"` // 秒
	TotalHits    int `json:"totalHits"`
	LongestRally int `json:"longestRally"`
}

// Result 比賽結果，交給儲存層與事件發布
type Result struct {
	MatchID    string
	Winner     Side
	WinnerID   string
	LoserID    string
	FinalScore Score
	Reason     EndReason
	Summary    Summary
	FinishedAt time.Time
}
