package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ（バックエンドのdetailをそのまま使う場合がある）
	Category string // カテゴリ: auth, validation, profile, system
	Action   string // ユーザー向け対処方法
	Status   int    // バックエンドが返したHTTPステータス（不明な場合は0）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidCredentials   = "INVALID_CREDENTIALS"
	ErrCodeLoginFailed          = "LOGIN_FAILED"
	ErrCodeNoAccessToken        = "NO_ACCESS_TOKEN"
	ErrCodeProfileUnavailable   = "PROFILE_UNAVAILABLE"
	ErrCodeNotAuthenticated     = "NOT_AUTHENTICATED"
	ErrCodeSessionExpired       = "SESSION_EXPIRED"
	ErrCodeNotAdmin             = "NOT_ADMIN"
	ErrCodeProfileUpdateFailed  = "PROFILE_UPDATE_FAILED"
	ErrCodeEmptyProfileUpdate   = "EMPTY_PROFILE_UPDATE"
	ErrCodePasswordChangeFailed = "PASSWORD_CHANGE_FAILED"
	ErrCodeRegistrationFailed   = "REGISTRATION_FAILED"
	ErrCodeMissingFields        = "MISSING_FIELDS"
	ErrCodeBackendRequestFailed = "BACKEND_REQUEST_FAILED"
	ErrCodeRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal             = "INTERNAL_ERROR"
)

// AsAPIError はerrがAPIErrorを含む場合にそれを取り出す。
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// detailOr はバックエンドのdetailが空の場合にfallbackを返す。
func detailOr(detail, fallback string) string {
	if detail != "" {
		return detail
	}
	return fallback
}

// NewLoginFailedError はログイン失敗エラーを生成する。
// 401の場合は認証情報の誤りとして扱う。
func NewLoginFailedError(status int, detail string) *APIError {
	if status == 401 {
		return &APIError{
			Code:     ErrCodeInvalidCredentials,
			Message:  detailOr(detail, "Invalid credentials"),
			Category: "auth",
			Action:   "Check your email address and password.",
			Status:   status,
		}
	}
	return &APIError{
		Code:     ErrCodeLoginFailed,
		Message:  detailOr(detail, "Login failed"),
		Category: "auth",
		Action:   "Please try again later.",
		Status:   status,
	}
}

// NewNoAccessTokenError はログイン応答にアクセストークンが含まれない場合のエラーを生成する。
func NewNoAccessTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeNoAccessToken,
		Message:  "No access token in login response",
		Category: "auth",
		Action:   "Please try again later.",
	}
}

// NewProfileUnavailableError はトークン取得後にプロフィールを取得できなかった場合のエラーを生成する。
func NewProfileUnavailableError(status int) *APIError {
	return &APIError{
		Code:     ErrCodeProfileUnavailable,
		Message:  "Could not load your profile",
		Category: "auth",
		Action:   "Please sign in again.",
		Status:   status,
	}
}

// NewNotAuthenticatedError は未ログイン状態で認証が必要な操作を行った場合のエラーを生成する。
func NewNotAuthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotAuthenticated,
		Message:  "Authentication required",
		Category: "auth",
		Action:   "Please sign in.",
		Status:   401,
	}
}

// NewSessionExpiredError はリフレッシュに失敗しセッションが失効した場合のエラーを生成する。
func NewSessionExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionExpired,
		Message:  "Your session has expired",
		Category: "auth",
		Action:   "Please sign in again.",
		Status:   401,
	}
}

// NewNotAdminError は管理者ログインで権限のないアカウントが使われた場合のエラーを生成する。
func NewNotAdminError() *APIError {
	return &APIError{
		Code:     ErrCodeNotAdmin,
		Message:  "Invalid admin credentials",
		Category: "auth",
		Action:   "Sign in with a staff account.",
		Status:   403,
	}
}

// NewProfileUpdateFailedError はプロフィール更新失敗エラーを生成する。
func NewProfileUpdateFailedError(status int, detail string) *APIError {
	return &APIError{
		Code:     ErrCodeProfileUpdateFailed,
		Message:  detailOr(detail, "Failed to update profile"),
		Category: "profile",
		Action:   "Check the entered values and try again.",
		Status:   status,
	}
}

// NewEmptyProfileUpdateError は更新項目が空の場合のエラーを生成する。
func NewEmptyProfileUpdateError() *APIError {
	return &APIError{
		Code:     ErrCodeEmptyProfileUpdate,
		Message:  "Nothing to update",
		Category: "validation",
		Action:   "Change at least one of name, phone or country.",
	}
}

// NewPasswordChangeFailedError はパスワード変更失敗エラーを生成する。
func NewPasswordChangeFailedError(status int, detail string) *APIError {
	return &APIError{
		Code:     ErrCodePasswordChangeFailed,
		Message:  detailOr(detail, "Failed to change password"),
		Category: "profile",
		Action:   "Check your current password and try again.",
		Status:   status,
	}
}

// NewRegistrationFailedError はユーザー登録失敗エラーを生成する。
func NewRegistrationFailedError(status int, detail string) *APIError {
	return &APIError{
		Code:     ErrCodeRegistrationFailed,
		Message:  detailOr(detail, "Registration failed"),
		Category: "validation",
		Action:   "Check the entered values and try again.",
		Status:   status,
	}
}

// NewMissingFieldsError は必須項目が未入力の場合のエラーを生成する。
func NewMissingFieldsError(fields ...string) *APIError {
	return &APIError{
		Code:     ErrCodeMissingFields,
		Message:  fmt.Sprintf("Missing fields: %v", fields),
		Category: "validation",
		Action:   "Please fill all fields.",
	}
}

// NewBackendRequestFailedError はバックエンドAPIの呼び出し自体が失敗した場合のエラーを生成する。
func NewBackendRequestFailedError(path string, status int) *APIError {
	return &APIError{
		Code:     ErrCodeBackendRequestFailed,
		Message:  fmt.Sprintf("Request to %s failed with status %d", path, status),
		Category: "system",
		Action:   "Please wait and try again.",
		Status:   status,
	}
}

// NewRateLimitExceededError はレート制限超過エラーを生成する。
func NewRateLimitExceededError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimitExceeded,
		Message:  "Too many requests. Please try again later.",
		Category: "system",
		Action:   "Please wait and retry after the specified time.",
		Status:   429,
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "An internal error occurred.",
		Category: "system",
		Action:   "Please wait and try again.",
		Status:   500,
	}
}
