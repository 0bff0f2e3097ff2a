package game

import (
	"fmt"
	"math"
	"time"
)

// Config 單場比賽的物理與節奏參數
//
// 所有長度單位為像素，速度單位為「像素 / tick」。
type Config struct {
	CanvasWidth  float64
	CanvasHeight float64

	PaddleWidth      float64
	PaddleHeight     float64
	PaddleSpeed      float64
	PaddleEdgeOffset float64 // 客戶端繪製用，碰撞以球拍面（x = PaddleWidth）為準

	BallRadius        float64
	BallInitialSpeed  float64
	BallSpeedIncrease float64
	BallMaxSpeed      float64
	BallResetDelay    time.Duration

	MaxBounceAngle     float64 // 弧度
	PaddleBounceFactor float64

	MaxScore       int
	TickRate       int // Hz
	Countdown      time.Duration
	ReconnectGrace time.Duration
}

// DefaultConfig 返回預設配置
func DefaultConfig() Config {
	return Config{
		CanvasWidth:        800,
		CanvasHeight:       600,
		PaddleWidth:        10,
		PaddleHeight:       100,
		PaddleSpeed:        8,
		PaddleEdgeOffset:   10,
		BallRadius:         8,
		BallInitialSpeed:   5,
		BallSpeedIncrease:  1.05,
		BallMaxSpeed:       15,
		BallResetDelay:     2000 * time.Millisecond,
		MaxBounceAngle:     math.Pi / 3,
		PaddleBounceFactor: 1.2,
		MaxScore:           11,
		TickRate:           60,
		Countdown:          3 * time.Second,
		ReconnectGrace:     30000 * time.Millisecond,
	}
}

// Overrides 建立比賽時可覆寫的參數（零值表示沿用預設）
type Overrides struct {
	MaxScore     int     `json:"maxScore,omitempty"`
	BallSpeed    float64 `json:"ballSpeed,omitempty"`
	PaddleHeight float64 `json:"paddleHeight,omitempty"`
}

// IsZero 是否沒有任何覆寫
func (o Overrides) IsZero() bool {
	return o.MaxScore == 0 && o.BallSpeed == 0 && o.PaddleHeight == 0
}

// Apply 套用覆寫並返回新的配置
func (c Config) Apply(o Overrides) Config {
	if o.MaxScore > 0 {
		c.MaxScore = o.MaxScore
	}
	if o.BallSpeed > 0 {
		c.BallInitialSpeed = o.BallSpeed
		if c.BallMaxSpeed < o.BallSpeed {
			c.BallMaxSpeed = o.BallSpeed
		}
	}
	if o.PaddleHeight > 0 && o.PaddleHeight < c.CanvasHeight {
		c.PaddleHeight = o.PaddleHeight
	}
	return c
}

// Validate 檢查配置是否可用
func (c Config) Validate() error {
	switch {
	case c.CanvasWidth <= 0 || c.CanvasHeight <= 0:
		return fmt.Errorf("canvas must be positive, got %vx%v", c.CanvasWidth, c.CanvasHeight)
	case c.PaddleHeight <= 0 || c.PaddleHeight >= c.CanvasHeight:
		return fmt.Errorf("paddle height %v out of range", c.PaddleHeight)
	case c.PaddleWidth <= 0 || 2*c.PaddleWidth >= c.CanvasWidth:
		return fmt.Errorf("paddle width %v out of range", c.PaddleWidth)
	case c.BallRadius <= 0 || 2*c.BallRadius >= c.CanvasHeight:
		return fmt.Errorf("ball radius %v out of range", c.BallRadius)
	case c.BallInitialSpeed <= 0:
		return fmt.Errorf("ball initial speed must be positive")
	case c.BallMaxSpeed < c.BallInitialSpeed:
		return fmt.Errorf("ball max speed %v below initial speed %v", c.BallMaxSpeed, c.BallInitialSpeed)
	case c.MaxScore <= 0:
		return fmt.Errorf("max score must be positive")
	case c.TickRate <= 0 || c.TickRate > 1000:
		return fmt.Errorf("tick rate %d out of range", c.TickRate)
	case c.Countdown < 0 || c.BallResetDelay < 0 || c.ReconnectGrace <= 0:
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

// TickInterval 每個 tick 的間隔
func (c Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.TickRate)
}

// CountdownSeconds 給客戶端顯示的倒數秒數（無條件進位）
func (c Config) CountdownSeconds() int {
	return int(math.Ceil(c.Countdown.Seconds()))
}

// GraceSeconds 斷線等待秒數
func (c Config) GraceSeconds() int {
	return int(math.Ceil(c.ReconnectGrace.Seconds()))
}

// speedMultiplier 每次擊球的加速倍率，受 maxSpeed/initialSpeed 限制
func (c Config) speedMultiplier() float64 {
	return math.Min(c.BallMaxSpeed/c.BallInitialSpeed, c.PaddleBounceFactor)
}

// Payload 轉為 game-config 事件內容
func (c Config) Payload() ConfigPayload {
	return ConfigPayload{
		CanvasWidth:  c.CanvasWidth,
		CanvasHeight: c.CanvasHeight,
		PaddleWidth:  c.PaddleWidth,
		PaddleHeight: c.PaddleHeight,
		BallRadius:   c.BallRadius,
		MaxScore:     c.MaxScore,
	}
}
