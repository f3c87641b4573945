package model

import (
	"fmt"
	"net/http"
	"time"
)

// APIError は統一エラーフォーマットを表す。
// サービス層からハンドラー層へ渡る唯一のエラー型で、HTTPステータスも保持する。
type APIError struct {
	Code       string        // エラーコード
	Message    string        // エラーメッセージ
	Category   string        // カテゴリ: validation, auth, security, system
	Action     string        // クライアント向け対処方法
	Status     int           // HTTPステータスコード
	RetryAfter time.Duration // 423/429の場合の再試行までの時間
	Remaining  *int          // ロックまでの残り試行回数（警告表示用）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidInput       = "AUTH_001"
	ErrCodeAuthFailed         = "AUTH_002"
	ErrCodeTokenExpired       = "AUTH_003"
	ErrCodeTokenInvalid       = "AUTH_004"
	ErrCodeNoAuthHeader       = "AUTH_005"
	ErrCodeAccountLocked      = "AUTH_006"
	ErrCodeEmailNotVerified   = "AUTH_007"
	ErrCodeWeakPassword       = "AUTH_008"
	ErrCodeRefreshInvalid     = "AUTH_010"
	ErrCodeProviderRejected   = "AUTH_011"
	ErrCodeOneTimeTokenBad    = "AUTH_012"
	ErrCodeOneTimeTokenExpire = "AUTH_013"

	ErrCodeCSRFMissingCookie = "CSRF_001"
	ErrCodeCSRFMissingHeader = "CSRF_002"
	ErrCodeCSRFMismatch      = "CSRF_003"

	ErrCodeSignatureMissing = "SIG_001"
	ErrCodeSignatureStale   = "SIG_002"
	ErrCodeSignatureInvalid = "SIG_003"

	ErrCodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeInternal           = "INTERNAL_ERROR"
	ErrCodeUserNotFound       = "USER_NOT_FOUND"
)

// NewValidationError は入力不備エラー（400）を生成する。
func NewValidationError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidInput,
		Message:  message,
		Category: "validation",
		Action:   "Check the request parameters and try again.",
		Status:   http.StatusBadRequest,
	}
}

// NewWeakPasswordError はパスワードポリシー違反エラー（400）を生成する。
func NewWeakPasswordError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeWeakPassword,
		Message:  message,
		Category: "validation",
		Action:   "Choose a password that satisfies the password policy.",
		Status:   http.StatusBadRequest,
	}
}

// NewAuthenticationError は認証失敗エラー（401）を生成する。
// アカウントの存在有無を推測させないため、メッセージは常に同一。
func NewAuthenticationError() *APIError {
	return &APIError{
		Code:     ErrCodeAuthFailed,
		Message:  "Authentication failed",
		Category: "auth",
		Action:   "Check your credentials and try again.",
		Status:   http.StatusUnauthorized,
	}
}

// NewAttemptsRemainingError は残り試行回数の警告付き認証失敗エラー（401）を生成する。
func NewAttemptsRemainingError(remaining int) *APIError {
	e := NewAuthenticationError()
	e.Message = fmt.Sprintf("Authentication failed. %d attempts remaining before the account is locked", remaining)
	e.Remaining = &remaining
	return e
}

// NewLockedError はアカウントロックエラー（423）を生成する。
func NewLockedError(retryAfter time.Duration) *APIError {
	return &APIError{
		Code:       ErrCodeAccountLocked,
		Message:    "Account temporarily locked due to too many failed attempts",
		Category:   "auth",
		Action:     "Wait until the lock expires or reset your password.",
		Status:     http.StatusLocked,
		RetryAfter: retryAfter,
	}
}

// NewEmailNotVerifiedError はメール未確認エラー（403）を生成する。
func NewEmailNotVerifiedError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailNotVerified,
		Message:  "Please verify your email before logging in",
		Category: "auth",
		Action:   "Open the verification link sent to your email.",
		Status:   http.StatusForbidden,
	}
}

// NewTokenExpiredError はアクセストークン期限切れエラー（401）を生成する。
func NewTokenExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeTokenExpired,
		Message:  "Token expired",
		Category: "auth",
		Action:   "Refresh the access token.",
		Status:   http.StatusUnauthorized,
	}
}

// NewTokenInvalidError は不正なアクセストークンエラー（401）を生成する。
func NewTokenInvalidError() *APIError {
	return &APIError{
		Code:     ErrCodeTokenInvalid,
		Message:  "Invalid token",
		Category: "auth",
		Action:   "Log in again.",
		Status:   http.StatusUnauthorized,
	}
}

// NewMissingAuthHeaderError はAuthorizationヘッダー欠落・不正形式エラー（401）を生成する。
func NewMissingAuthHeaderError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeNoAuthHeader,
		Message:  message,
		Category: "auth",
		Action:   "Send an Authorization: Bearer <token> header.",
		Status:   http.StatusUnauthorized,
	}
}

// NewRefreshInvalidError はリフレッシュトークン不正エラー（401）を生成する。
func NewRefreshInvalidError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeRefreshInvalid,
		Message:  message,
		Category: "auth",
		Action:   "Log in again.",
		Status:   http.StatusUnauthorized,
	}
}

// NewProviderRejectedError はIdPトークン検証失敗エラー（401）を生成する。
func NewProviderRejectedError() *APIError {
	return &APIError{
		Code:     ErrCodeProviderRejected,
		Message:  "Authentication failed",
		Category: "auth",
		Action:   "Sign in with the provider again.",
		Status:   http.StatusUnauthorized,
	}
}

// NewOneTimeTokenInvalidError は確認・リセット用トークン不正エラー（400）を生成する。
func NewOneTimeTokenInvalidError() *APIError {
	return &APIError{
		Code:     ErrCodeOneTimeTokenBad,
		Message:  "Invalid token",
		Category: "validation",
		Action:   "Request a new link.",
		Status:   http.StatusBadRequest,
	}
}

// NewOneTimeTokenExpiredError は確認・リセット用トークン期限切れエラー（400）を生成する。
func NewOneTimeTokenExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeOneTimeTokenExpire,
		Message:  "Token expired",
		Category: "validation",
		Action:   "Request a new link.",
		Status:   http.StatusBadRequest,
	}
}

// NewRateLimitError はレート制限エラー（429）を生成する。
func NewRateLimitError(retryAfter time.Duration) *APIError {
	return &APIError{
		Code:       ErrCodeRateLimited,
		Message:    "Too many requests. Please try again later.",
		Category:   "system",
		Action:     "Please wait and retry after the specified time.",
		Status:     http.StatusTooManyRequests,
		RetryAfter: retryAfter,
	}
}

// NewCSRFError はCSRF検証失敗エラー（403）を生成する。
func NewCSRFError(code string) *APIError {
	return &APIError{
		Code:     code,
		Message:  "CSRF token validation failed",
		Category: "security",
		Action:   "Fetch a new CSRF token and retry.",
		Status:   http.StatusForbidden,
	}
}

// NewSignatureError はリクエスト署名検証失敗エラー（401）を生成する。
func NewSignatureError(code, message string) *APIError {
	return &APIError{
		Code:     code,
		Message:  message,
		Category: "security",
		Action:   "Sign the request with a current timestamp.",
		Status:   http.StatusUnauthorized,
	}
}

// NewDependencyError は外部依存（DB、IdP）の障害エラー（503）を生成する。
// 内部詳細はログのみに記録し、レスポンスには含めない。
func NewDependencyError() *APIError {
	return &APIError{
		Code:     ErrCodeServiceUnavailable,
		Message:  "Service temporarily unavailable",
		Category: "system",
		Action:   "Please try again shortly.",
		Status:   http.StatusServiceUnavailable,
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "User not found",
		Category: "auth",
		Action:   "Log in again.",
		Status:   http.StatusNotFound,
	}
}
