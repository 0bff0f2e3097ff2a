// Package auth 驗證玩家的存取 token
//
// 支援兩種來源：
//   - JWT（HS256，與使用者服務共用密鑰）
//   - Redis session（key 為 session:<token> 的 hash）
//
// Chain 依序嘗試多個 Verifier，第一個成功者為準。
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	apperrors "github.com/koopa0/system-design/14-realtime-pong/pkg/errors"
)

// Identity 驗證後的使用者身分
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// Verifier token 驗證介面
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// VerifierFunc 把函數轉為 Verifier
type VerifierFunc func(ctx context.Context, token string) (Identity, error)

// Verify 實現 Verifier
func (f VerifierFunc) Verify(ctx context.Context, token string) (Identity, error) {
	return f(ctx, token)
}

// Chain 依序嘗試的 Verifier
type Chain []Verifier

// Verify 任一 Verifier 成功即回傳；全部失敗時回傳 AUTH_FAILURE
//
// 非認證類的錯誤（例如 Redis 連線失敗）會繼續嘗試下一個，
// 但若全部失敗則優先回報該錯誤，方便排查。
func (c Chain) Verify(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, apperrors.ErrAuthRequired
	}

	var infraErr error
	for _, v := range c {
		id, err := v.Verify(ctx, token)
		if err == nil {
			return id, nil
		}
		if !apperrors.IsAuthFailure(err) {
			infraErr = errors.Join(infraErr, err)
		}
	}

	if infraErr != nil {
		return Identity{}, apperrors.Wrap(infraErr, apperrors.ErrCodeAuthFailure, apperrors.ErrInvalidToken.Message)
	}
	return Identity{}, apperrors.ErrInvalidToken
}

// TokenFromRequest 從 query string 或 Authorization header 取出 token
func TokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	return BearerToken(r.Header.Get("Authorization"))
}

// BearerToken 解析 "Bearer <token>"
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
