// Package model はドメインモデルを定義する。
package model

import "time"

// 認証プロバイダー
const (
	ProviderEmail  = "email"
	ProviderGoogle = "google"
	ProviderApple  = "apple"
)

// User はサービス利用ユーザーを表す。
// IDはOAuthユーザーでは "{provider}_{subject}"、メール登録では "email_{randomId}" 形式。
type User struct {
	ID            string     `db:"id"`
	Email         string     `db:"email"`
	EmailVerified bool       `db:"email_verified"`
	PasswordHash  *string    `db:"password_hash"` // OAuthのみのユーザーはnil
	Provider      string     `db:"provider"`
	IDVerified    bool       `db:"id_verified"`
	ConsentAt     *time.Time `db:"consent_at"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}

// AuthCredential はユーザーのログイン手段ごとの資格情報を表す。
// ロック状態（FailedAttempts, LockedUntil）はこの行に保持する。
type AuthCredential struct {
	ID                    string     `db:"id"`
	UserID                string     `db:"user_id"`
	Provider              string     `db:"provider"`
	Email                 string     `db:"email"`
	PasswordHash          *string    `db:"password_hash"`
	VerificationTokenHash *string    `db:"verification_token_hash"`
	VerificationExpiresAt *time.Time `db:"verification_expires_at"`
	ResetTokenHash        *string    `db:"reset_token_hash"`
	ResetExpiresAt        *time.Time `db:"reset_expires_at"`
	FailedAttempts        int        `db:"failed_attempts"`
	LockedUntil           *time.Time `db:"locked_until"`
	CreatedAt             time.Time  `db:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at"`
}

// RefreshToken はリフレッシュトークンの永続化行を表す。
// 生のトークンは保存せず、SHA-256ハッシュのみを保持する。
type RefreshToken struct {
	ID          string     `db:"id"`
	UserID      string     `db:"user_id"`
	TokenHash   string     `db:"token_hash"`
	TokenFamily string     `db:"token_family"`
	ExpiresAt   time.Time  `db:"expires_at"`
	RevokedAt   *time.Time `db:"revoked_at"`
	RotatedAt   *time.Time `db:"rotated_at"`
	DeviceInfo  string     `db:"device_info"`
	IPAddress   string     `db:"ip_address"`
	Provider    string     `db:"provider"`
	Email       string     `db:"email"`
	CreatedAt   time.Time  `db:"created_at"`
}

// IsActive は失効・ローテーション・期限切れのいずれでもない場合にtrueを返す。
func (t *RefreshToken) IsActive(now time.Time) bool {
	return t.RevokedAt == nil && t.RotatedAt == nil && now.Before(t.ExpiresAt)
}

// Claims はアクセストークンに含める認証済みユーザー情報。
type Claims struct {
	UserID    string
	Provider  string
	Email     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// LockState は資格情報行のロック状態。
type LockState struct {
	FailedAttempts int        `db:"failed_attempts"`
	LockedUntil    *time.Time `db:"locked_until"`
}
