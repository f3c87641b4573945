// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/matchauth/internal/model"
)

var (
	// ErrNotFound は更新・削除対象の行が存在しないことを表す。
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate は一意制約違反を表す。
	ErrDuplicate = errors.New("duplicate record")
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// CreateWithCredential はユーザーと資格情報を同一トランザクションで作成する。
	// 既に存在する場合はErrDuplicateを返す。
	CreateWithCredential(ctx context.Context, user *model.User, cred *model.AuthCredential) error

	// DeleteByID は指定IDのユーザーを削除する。
	// 関連するauth_credentials、refresh_tokensはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// CredentialRepository は資格情報の永続化インターフェース。
type CredentialRepository interface {
	// FindByEmail はメールログイン用の資格情報を大文字小文字を区別せずに検索する。
	// 見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.AuthCredential, error)

	// FindByUserAndProvider はユーザーIDとプロバイダーで資格情報を検索する。
	// 見つからない場合はnilを返す。
	FindByUserAndProvider(ctx context.Context, userID, provider string) (*model.AuthCredential, error)

	// FindByVerificationHash はメール確認トークンのハッシュで資格情報を検索する。
	FindByVerificationHash(ctx context.Context, hash string) (*model.AuthCredential, error)

	// FindByResetHash はパスワードリセットトークンのハッシュで資格情報を検索する。
	FindByResetHash(ctx context.Context, hash string) (*model.AuthCredential, error)

	// ConsumeVerification は確認トークンを消費し、ユーザーを確認済みにする。
	// 同一トランザクションで実行し、トークンが既に消費済みの場合はErrNotFoundを返す。
	ConsumeVerification(ctx context.Context, credID, tokenHash string) error

	// SetResetToken はパスワードリセットトークンのハッシュと有効期限を保存する。
	SetResetToken(ctx context.Context, credID, tokenHash string, expiresAt time.Time) error

	// ResetPassword はリセットトークンを消費してパスワードハッシュを更新する。
	// ロック状態も同時に解除する。トークンが既に消費済みの場合はErrNotFoundを返す。
	ResetPassword(ctx context.Context, credID, tokenHash, passwordHash string) error

	// PurgeExpiredTokens は期限切れの確認・リセットトークンのハッシュを消去する。
	PurgeExpiredTokens(ctx context.Context, now time.Time) (int64, error)
}

// LockStateRepository はログイン試行回数とロック状態の永続化インターフェース。
// 識別子はメールアドレス（大文字小文字を区別しない）。
// 更新系は全て単一のUPDATE ... RETURNINGで行い、同時失敗の取りこぼしを防ぐ。
type LockStateRepository interface {
	// LoadLockState はロック状態を取得する。資格情報が存在しない場合はnilを返す。
	LoadLockState(ctx context.Context, identifier string) (*model.LockState, error)

	// ClearExpiredLock はlocked_untilがnow以前の場合に限りロックを解除する。
	// 条件付き更新のため何度実行しても結果は同じ。
	ClearExpiredLock(ctx context.Context, identifier string, now time.Time) error

	// IncrementFailedAttempts は失敗回数を1加算し、閾値に達した場合はlockUntilまでロックする。
	// 期限切れのロックは0から数え直す。資格情報が存在しない場合はnilを返し、行を作成しない。
	IncrementFailedAttempts(ctx context.Context, identifier string, threshold int, lockUntil, now time.Time) (*model.LockState, error)

	// ResetFailedAttempts は失敗回数とロックを解除する。
	ResetFailedAttempts(ctx context.Context, identifier string) error
}

// RefreshTokenRepository はリフレッシュトークンの永続化インターフェース。
type RefreshTokenRepository interface {
	// Create はリフレッシュトークン行を作成する。
	Create(ctx context.Context, token *model.RefreshToken) error

	// FindByHash はトークンハッシュで行を取得する。見つからない場合はnilを返す。
	FindByHash(ctx context.Context, tokenHash string) (*model.RefreshToken, error)

	// WithTx はfnを単一トランザクション内で実行する。
	// fnがエラーを返した場合はロールバックし、そのエラーを返す。
	WithTx(ctx context.Context, fn func(tx RefreshTokenTx) error) error

	// RevokeByHash は未失効の行を失効させる。対象がない場合はfalseを返す。
	RevokeByHash(ctx context.Context, tokenHash string, now time.Time) (bool, error)

	// RevokeAllForUser はユーザーの未失効トークンを全て失効させ、件数を返す。
	RevokeAllForUser(ctx context.Context, userID string, now time.Time) (int64, error)

	// DeleteStale はbefore以前に期限切れまたは失効した行を削除する。
	DeleteStale(ctx context.Context, before time.Time) (int64, error)
}

// RefreshTokenTx はローテーション用のトランザクション内操作。
type RefreshTokenTx interface {
	// LockByHash はトークンハッシュで行を取得し、行ロックを獲得する。見つからない場合はnilを返す。
	LockByHash(ctx context.Context, tokenHash string) (*model.RefreshToken, error)

	// MarkRotated は行をローテーション済みにする。
	MarkRotated(ctx context.Context, id string, now time.Time) error

	// Create は新しいリフレッシュトークン行を作成する。
	Create(ctx context.Context, token *model.RefreshToken) error

	// RevokeFamily は同一ファミリーの未失効トークンを全て失効させ、件数を返す。
	RevokeFamily(ctx context.Context, family string, now time.Time) (int64, error)
}
