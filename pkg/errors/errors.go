// Package errors 提供對戰服務的錯誤分類
//
// 每個錯誤碼同時也是 WebSocket `error` 事件的 code 欄位，
// 客戶端依 code 決定要重試、回大廳還是重新登入。
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeNotFound 比賽不存在（或已結束並被清理）
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeNotJoinable 比賽狀態不允許加入
	ErrCodeNotJoinable = "NOT_JOINABLE"
	// ErrCodeMatchFull 兩個位置都已被不同玩家佔用
	ErrCodeMatchFull = "MATCH_FULL"
	// ErrCodePlayerNotInMatch 連線不屬於該比賽的任何位置
	ErrCodePlayerNotInMatch = "PLAYER_NOT_IN_MATCH"
	// ErrCodeAuthFailure Token 缺失或無效
	ErrCodeAuthFailure = "AUTH_FAILURE"
	// ErrCodePersistenceFailure 儲存層無法連線或拒絕寫入
	ErrCodePersistenceFailure = "PERSISTENCE_FAILURE"
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 以錯誤碼比對，讓 errors.Is(err, ErrMatchFull) 對包裝過的錯誤也成立
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 回傳帶有詳細資訊的副本
//
// 預定義錯誤是共用的套件變數，不能直接修改。
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	ErrMatchNotFound    = New(ErrCodeNotFound, "Match not found")
	ErrMatchNotActive   = New(ErrCodeNotFound, "Match not found or already finished")
	ErrMatchNotJoinable = New(ErrCodeNotJoinable, "Match is not accepting players")
	ErrMatchFull        = New(ErrCodeMatchFull, "Match is full")
	ErrPlayerNotFound   = New(ErrCodePlayerNotInMatch, "Player not found")
	ErrPlayerNotInMatch = New(ErrCodePlayerNotInMatch, "Player not found in this match")
	ErrAuthRequired     = New(ErrCodeAuthFailure, "Authentication required")
	ErrInvalidToken     = New(ErrCodeAuthFailure, "Invalid token")
	ErrIdentityMismatch = New(ErrCodeAuthFailure, "Token does not belong to this user")
	ErrPersistence      = New(ErrCodePersistenceFailure, "match store unavailable")
	ErrInvalidPayload   = New(ErrCodeInvalidInput, "invalid payload")
	ErrInternal         = New(ErrCodeInternal, "internal error")
)

// CodeOf 取得錯誤碼，非 AppError 一律視為內部錯誤
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// MessageOf 取得可回傳給客戶端的訊息，不洩漏底層錯誤細節
func MessageOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return ErrInternal.Message
}

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsMatchFull 檢查是否為比賽已滿
func IsMatchFull(err error) bool {
	return hasCode(err, ErrCodeMatchFull)
}

// IsNotJoinable 檢查是否為狀態不允許加入
func IsNotJoinable(err error) bool {
	return hasCode(err, ErrCodeNotJoinable)
}

// IsAuthFailure 檢查是否為認證失敗
func IsAuthFailure(err error) bool {
	return hasCode(err, ErrCodeAuthFailure)
}

// IsPersistenceFailure 檢查是否為儲存層錯誤
func IsPersistenceFailure(err error) bool {
	return hasCode(err, ErrCodePersistenceFailure)
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
