package game_test

import (
	"testing"
	"time"

	"github.com/koopa0/system-design/14-realtime-pong/internal/game"
	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := game.DefaultConfig()

	assert.NoError(t, cfg.Validate())
	assert.Equal(t, time.Second/60, cfg.TickInterval())
	assert.Equal(t, 3, cfg.CountdownSeconds())
	assert.Equal(t, 30, cfg.GraceSeconds())
	assert.Equal(t, game.ConfigPayload{
		CanvasWidth:  800,
		CanvasHeight: 600,
		PaddleWidth:  10,
		PaddleHeight: 100,
		BallRadius:   8,
		MaxScore:     11,
	}, cfg.Payload())
}

func TestConfig_Apply(t *testing.T) {
	tests := []struct {
		name     string
		o        game.Overrides
		validate func(t *testing.T, cfg game.Config)
	}{
		{
			name: "zero overrides keep defaults",
			o:    game.Overrides{},
			validate: func(t *testing.T, cfg game.Config) {
				assert.Equal(t, game.DefaultConfig(), cfg)
			},
		},
		{
			name: "max score",
			o:    game.Overrides{MaxScore: 5},
			validate: func(t *testing.T, cfg game.Config) {
				assert.Equal(t, 5, cfg.MaxScore)
			},
		},
		{
			name: "ball speed above max raises max",
			o:    game.Overrides{BallSpeed: 20},
			validate: func(t *testing.T, cfg game.Config) {
				assert.Equal(t, 20.0, cfg.BallInitialSpeed)
				assert.Equal(t, 20.0, cfg.BallMaxSpeed)
				assert.NoError(t, cfg.Validate())
			},
		},
		{
			name: "paddle taller than canvas ignored",
			o:    game.Overrides{PaddleHeight: 900},
			validate: func(t *testing.T, cfg game.Config) {
				assert.Equal(t, 100.0, cfg.PaddleHeight)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.validate(t, game.DefaultConfig().Apply(tt.o))
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	bad := []func(*game.Config){
		func(c *game.Config) { c.CanvasWidth = 0 },
		func(c *game.Config) { c.PaddleHeight = 600 },
		func(c *game.Config) { c.BallMaxSpeed = 1 },
		func(c *game.Config) { c.MaxScore = 0 },
		func(c *game.Config) { c.TickRate = 0 },
		func(c *game.Config) { c.ReconnectGrace = 0 },
	}
	for i, mutate := range bad {
		cfg := game.DefaultConfig()
		mutate(&cfg)
		assert.Error(t, cfg.Validate(), "case %d", i)
	}
}

func TestParseDirection(t *testing.T) {
	for _, s := range []string{"up", "down", "stop"} {
		d, ok := game.ParseDirection(s)
		assert.True(t, ok)
		assert.Equal(t, game.Direction(s), d)
	}
	_, ok := game.ParseDirection("left")
	assert.False(t, ok)
	assert.Equal(t, game.SideRight, game.SideLeft.Opponent())
}
