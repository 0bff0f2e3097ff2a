package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/koopa0/system-design/14-realtime-pong/pkg/errors"
)

// SessionKeyPrefix session hash 的 key 前綴
const SessionKeyPrefix = "session:"

// RedisVerifier 從 Redis 讀取登入 session
//
// 資料結構：HSET session:<token> user_id <id> username <name>，
// 過期由寫入方以 EXPIRE 控制。
type RedisVerifier struct {
	client  redis.Cmdable
	timeout time.Duration
}

// NewRedisVerifier 建立 Redis session 驗證器
func NewRedisVerifier(client redis.Cmdable) *RedisVerifier {
	return &RedisVerifier{
		client:  client,
		timeout: 2 * time.Second,
	}
}

// Verify 查詢 session；不存在時回傳 AUTH_FAILURE
func (v *RedisVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, apperrors.ErrAuthRequired
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	fields, err := v.client.HGetAll(ctx, SessionKeyPrefix+token).Result()
	if err != nil {
		return Identity{}, fmt.Errorf("read session: %w", err)
	}

	userID := fields["user_id"]
	if userID == "" {
		return Identity{}, apperrors.ErrInvalidToken
	}

	username := fields["username"]
	if username == "" {
		username = userID
	}
	return Identity{UserID: userID, Username: username}, nil
}

// StoreSession 寫入 session（測試與開發用）
func StoreSession(ctx context.Context, client redis.Cmdable, token string, id Identity, ttl time.Duration) error {
	key := SessionKeyPrefix + token
	pipe := client.TxPipeline()
	pipe.HSet(ctx, key, "user_id", id.UserID, "username", id.Username)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}
