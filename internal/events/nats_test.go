package events_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-realtime-pong/internal/events"
	"github.com/koopa0/system-design/14-realtime-pong/internal/testutils"
)

func TestNop(t *testing.T) {
	var p events.Publisher = events.Nop{}
	assert.NoError(t, p.Publish(context.Background(), events.Event{Type: events.TypeCreated}))
	assert.NoError(t, p.Close())
}

func TestNATSPublisher(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping nats integration test in short mode")
	}

	url := testutils.SetupNATS(t)

	tests := []struct {
		name      string
		jetStream bool
	}{
		{name: "core nats", jetStream: false},
		{name: "jetstream", jetStream: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub, err := events.NewNATSPublisher(events.NATSConfig{
				URL:           url,
				SubjectPrefix: "test",
				JetStream:     tt.jetStream,
			}, testutils.Logger())
			require.NoError(t, err)
			defer pub.Close()

			assert.Equal(t, "test.match.finished", pub.Subject(events.TypeFinished))

			sub, err := pub.Conn().SubscribeSync("test.match.>")
			require.NoError(t, err)
			require.NoError(t, pub.Conn().Flush())

			err = pub.Publish(context.Background(), events.Event{
				Type:    events.TypeFinished,
				MatchID: "match_1",
				Data:    map[string]any{"winner": "left"},
			})
			require.NoError(t, err)

			msg, err := sub.NextMsg(5 * time.Second)
			require.NoError(t, err)
			assert.Equal(t, "test.match.finished", msg.Subject)

			var got struct {
				Type       events.Type    `json:"type"`
				MatchID    string         `json:"matchId"`
				OccurredAt time.Time      `json:"occurredAt"`
				Data       map[string]any `json:"data"`
			}
			require.NoError(t, json.Unmarshal(msg.Data, &got))
			assert.Equal(t, events.TypeFinished, got.Type)
			assert.Equal(t, "match_1", got.MatchID)
			assert.False(t, got.OccurredAt.IsZero())
			assert.Equal(t, "left", got.Data["winner"])
		})
	}
}

func TestNATSPublisher_ConnectFailure(t *testing.T) {
	_, err := events.NewNATSPublisher(events.NATSConfig{URL: "nats://127.0.0.1:1"}, testutils.Logger())
	assert.Error(t, err)
}
