// Package events 發布比賽生命週期事件
//
// 其他服務（排行榜、錦標賽）訂閱 <prefix>.match.<type> 取得比賽結果，
// 發布失敗不影響比賽本身。
package events

import (
	"context"
	"time"
)

// Type 事件類型
type Type string

const (
	TypeCreated  Type = "created"
	TypeStarted  Type = "started"
	TypeFinished Type = "finished"
)

// Event 比賽事件
type Event struct {
	Type       Type      `json:"type"`
	MatchID    string    `json:"matchId"`
	OccurredAt time.Time `json:"occurredAt"`
	Data       any       `json:"data,omitempty"`
}

// Publisher 事件發布介面
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop 不發布任何事件
type Nop struct{}

// Publish 實現 Publisher
func (Nop) Publish(context.Context, Event) error { return nil }

// Close 實現 Publisher
func (Nop) Close() error { return nil }
