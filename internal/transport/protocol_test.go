package transport_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-realtime-pong/internal/game"
	"github.com/koopa0/system-design/14-realtime-pong/internal/transport"
	apperrors "github.com/koopa0/system-design/14-realtime-pong/pkg/errors"
)

func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantID   string
		want     transport.Inbound
		wantCode string
		dropped  bool
	}{
		{
			name:   "join match",
			raw:    `{"event":"join-match","id":"7","data":{"matchId":"match_1","userId":"alice","token":"t"}}`,
			wantID: "7",
			want:   transport.JoinMatch{MatchID: "match_1", UserID: "alice", Token: "t"},
		},
		{
			name:   "reconnect match",
			raw:    `{"event":"reconnect-match","id":"8","data":{"matchId":"match_1","userId":"alice"}}`,
			wantID: "8",
			want:   transport.ReconnectMatch{MatchID: "match_1", UserID: "alice"},
		},
		{
			name: "player ready without data",
			raw:  `{"event":"player-ready"}`,
			want: transport.PlayerReady{},
		},
		{
			name: "paddle move",
			raw:  `{"event":"paddle-move","data":{"direction":"up","timestamp":1700000000000}}`,
			want: transport.PaddleMove{Direction: game.DirectionUp, Timestamp: 1700000000000},
		},
		{
			name: "leave match",
			raw:  `{"event":"leave-match"}`,
			want: transport.LeaveMatch{},
		},
		{
			name: "leave match with forfeit",
			raw:  `{"event":"leave-match","data":{"forfeit":true}}`,
			want: transport.LeaveMatch{Forfeit: true},
		},
		{
			name:     "bad direction",
			raw:      `{"event":"paddle-move","data":{"direction":"left"}}`,
			wantCode: apperrors.ErrCodeInvalidInput,
			dropped:  true,
		},
		{
			name:     "paddle move with malformed data",
			raw:      `{"event":"paddle-move","data":"up"}`,
			wantCode: apperrors.ErrCodeInvalidInput,
			dropped:  true,
		},
		{
			name:     "paddle move without data",
			raw:      `{"event":"paddle-move"}`,
			wantCode: apperrors.ErrCodeInvalidInput,
			dropped:  true,
		},
		{
			name:     "join without match id",
			raw:      `{"event":"join-match","id":"9","data":{"userId":"alice"}}`,
			wantID:   "9",
			wantCode: apperrors.ErrCodeInvalidInput,
		},
		{
			name:     "join without data",
			raw:      `{"event":"join-match","id":"10"}`,
			wantID:   "10",
			wantCode: apperrors.ErrCodeInvalidInput,
		},
		{
			name:     "data of wrong shape",
			raw:      `{"event":"join-match","data":"match_1"}`,
			wantCode: apperrors.ErrCodeInvalidInput,
		},
		{
			name:     "unknown event",
			raw:      `{"event":"chat","data":{}}`,
			wantCode: apperrors.ErrCodeInvalidInput,
		},
		{
			name:     "missing event",
			raw:      `{"data":{}}`,
			wantCode: apperrors.ErrCodeInvalidInput,
		},
		{
			name:     "not json",
			raw:      `join-match`,
			wantCode: apperrors.ErrCodeInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, msg, err := transport.DecodeInbound([]byte(tt.raw))
			assert.Equal(t, tt.wantID, id)

			if tt.wantCode != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantCode, apperrors.CodeOf(err))
				assert.Equal(t, tt.dropped, errors.Is(err, transport.ErrInputDropped))
				assert.Nil(t, msg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg)
		})
	}
}
