package game

import (
	"math"
	"math/rand/v2"
)

// newState 建立開局狀態：球在中央，球拍垂直置中
func newState(cfg Config, rng *rand.Rand) State {
	paddleY := cfg.CanvasHeight/2 - cfg.PaddleHeight/2
	s := State{
		Ball:   Ball{Radius: cfg.BallRadius},
		Status: StatusWaiting,
		Paddles: Paddles{
			Left:  Paddle{Y: paddleY},
			Right: Paddle{Y: paddleY},
		},
	}
	s.serve(cfg, rng)
	return s
}

// serve 把球放回中央並給一個隨機方向
//
// 水平速度固定為 ±initialSpeed，垂直分量在 [-initialSpeed, initialSpeed) 之間。
func (s *State) serve(cfg Config, rng *rand.Rand) {
	vx := cfg.BallInitialSpeed
	if rng.Float64() < 0.5 {
		vx = -vx
	}
	s.Ball.X = cfg.CanvasWidth / 2
	s.Ball.Y = cfg.CanvasHeight / 2
	s.Ball.VX = vx
	s.Ball.VY = cfg.BallInitialSpeed * (rng.Float64() - 0.5) * 2
}

// setPaddleDirection 依輸入設定球拍垂直速度
func (s *State) setPaddleDirection(side Side, dir Direction, speed float64) {
	p := s.Paddles.Get(side)
	switch dir {
	case DirectionUp:
		p.VY = -speed
	case DirectionDown:
		p.VY = speed
	case DirectionStop:
		p.VY = 0
	}
}

// step 推進一個 tick 的物理（不含計分後的流程控制）
//
// 順序固定：球位移 → 球拍位移 → 上下牆 → 球拍碰撞 → 得分判定。
// 回傳得分方，沒有得分時 scored 為 false。
func (s *State) step(cfg Config) (scorer Side, scored bool) {
	s.Ball.X += s.Ball.VX
	s.Ball.Y += s.Ball.VY

	s.movePaddles(cfg)
	s.collideWalls(cfg)

	if s.collidePaddles(cfg) {
		s.CurrentRally++
		s.TotalHits++
		if s.CurrentRally > s.LongestRally {
			s.LongestRally = s.CurrentRally
		}
	}

	return s.checkGoal(cfg)
}

func (s *State) movePaddles(cfg Config) {
	maxY := cfg.CanvasHeight - cfg.PaddleHeight
	for _, p := range []*Paddle{&s.Paddles.Left, &s.Paddles.Right} {
		p.Y = clamp(p.Y+p.VY, 0, maxY)
	}
}

// collideWalls 上下牆反彈
//
// 以移動方向決定新的 vy 符號，夾回邊界後下一個 tick 不會重複反轉。
func (s *State) collideWalls(cfg Config) {
	b := &s.Ball
	switch {
	case b.Y-b.Radius <= 0:
		b.Y = b.Radius
		b.VY = math.Abs(b.VY)
	case b.Y+b.Radius >= cfg.CanvasHeight:
		b.Y = cfg.CanvasHeight - b.Radius
		b.VY = -math.Abs(b.VY)
	}
}

// collidePaddles 檢查球的前緣是否越過球拍面且落在球拍高度內
func (s *State) collidePaddles(cfg Config) bool {
	b := &s.Ball

	if b.VX < 0 && b.X-b.Radius <= cfg.PaddleWidth && within(b.Y, s.Paddles.Left.Y, cfg.PaddleHeight) {
		bounce(b, s.Paddles.Left, SideLeft, cfg)
		return true
	}

	rightFace := cfg.CanvasWidth - cfg.PaddleWidth
	if b.VX > 0 && b.X+b.Radius >= rightFace && within(b.Y, s.Paddles.Right.Y, cfg.PaddleHeight) {
		bounce(b, s.Paddles.Right, SideRight, cfg)
		return true
	}

	return false
}

// bounce 球拍反彈
//
// 擊球點越靠近球拍邊緣，反彈角度越大（最大 maxBounceAngle）。
// 速度乘上 speedMultiplier（maxSpeed/initialSpeed 與 paddleBounceFactor 取小）。
// 最後把球貼齊球拍面，避免同一次碰撞在下一個 tick 再次觸發。
func bounce(b *Ball, p Paddle, side Side, cfg Config) {
	b.VX = -b.VX

	hitPos := clamp((b.Y-p.Y)/cfg.PaddleHeight, 0, 1)
	angle := (hitPos - 0.5) * cfg.MaxBounceAngle

	speed := math.Hypot(b.VX, b.VY)
	b.VY = speed * math.Sin(angle)

	m := cfg.speedMultiplier()
	b.VX *= m
	b.VY *= m

	if side == SideLeft {
		b.X = cfg.PaddleWidth + b.Radius
	} else {
		b.X = cfg.CanvasWidth - cfg.PaddleWidth - b.Radius
	}
}

// checkGoal 球的邊緣到達底線即得分，得分方為另一側
//
// 得分後球的 x 夾回 [radius, width-radius]，等待重新發球。
func (s *State) checkGoal(cfg Config) (Side, bool) {
	b := &s.Ball
	switch {
	case b.X-b.Radius <= 0:
		b.X = b.Radius
		return SideRight, true
	case b.X+b.Radius >= cfg.CanvasWidth:
		b.X = cfg.CanvasWidth - b.Radius
		return SideLeft, true
	}
	return "", false
}

// summary 計算比賽摘要
func (s *State) summary(durationSec int) Summary {
	return Summary{
		Duration:     durationSec,
		TotalHits:    s.TotalHits,
		LongestRally: s.LongestRally,
	}
}

// snapshot 轉為 game-state 事件內容
//
// rounded 為 true 時球座標取到小數點後兩位、球拍取整數（每 tick 廣播用）；
// 重連時送出完整精度。
func (s *State) snapshot(rounded bool) StatePayload {
	p := StatePayload{
		Timestamp: s.LastUpdate.UnixMilli(),
		Ball: BallPayload{
			X:  s.Ball.X,
			Y:  s.Ball.Y,
			VX: s.Ball.VX,
			VY: s.Ball.VY,
		},
		Paddles: PaddlesPayload{
			Left:  PaddlePayload{Y: s.Paddles.Left.Y},
			Right: PaddlePayload{Y: s.Paddles.Right.Y},
		},
		Score: s.Score,
	}
	if rounded {
		p.Ball.X = round(p.Ball.X, 2)
		p.Ball.Y = round(p.Ball.Y, 2)
		p.Paddles.Left.Y = math.Round(p.Paddles.Left.Y)
		p.Paddles.Right.Y = math.Round(p.Paddles.Right.Y)
	}
	return p
}

func within(y, top, height float64) bool {
	return y >= top && y <= top+height
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round(v float64, places int) float64 {
	f := math.Pow(10, float64(places))
	return math.Round(v*f) / f
}
