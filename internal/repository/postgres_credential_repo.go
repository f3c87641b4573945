package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/matchauth/internal/model"
	"github.com/jmoiron/sqlx"
)

const credentialColumns = `id, user_id, provider, email, password_hash,
	verification_token_hash, verification_expires_at, reset_token_hash, reset_expires_at,
	failed_attempts, locked_until, created_at, updated_at`

// PostgresCredentialRepo はPostgreSQLを使用した資格情報リポジトリ。
// ロック状態の更新もこのリポジトリが担う。
type PostgresCredentialRepo struct {
	db *sqlx.DB
}

// NewPostgresCredentialRepo はPostgresCredentialRepoを生成する。
func NewPostgresCredentialRepo(db *sqlx.DB) *PostgresCredentialRepo {
	return &PostgresCredentialRepo{db: db}
}

func (r *PostgresCredentialRepo) findOne(ctx context.Context, where string, args ...interface{}) (*model.AuthCredential, error) {
	cred := &model.AuthCredential{}
	err := r.db.GetContext(ctx, cred, `SELECT `+credentialColumns+` FROM auth_credentials WHERE `+where, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cred, nil
}

// FindByEmail はメールログイン用の資格情報を大文字小文字を区別せずに検索する。
func (r *PostgresCredentialRepo) FindByEmail(ctx context.Context, email string) (*model.AuthCredential, error) {
	cred, err := r.findOne(ctx, `provider = 'email' AND lower(email) = lower($1)`, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find credential by email: %w", err)
	}
	return cred, nil
}

// FindByUserAndProvider はユーザーIDとプロバイダーで資格情報を検索する。
func (r *PostgresCredentialRepo) FindByUserAndProvider(ctx context.Context, userID, provider string) (*model.AuthCredential, error) {
	cred, err := r.findOne(ctx, `user_id = $1 AND provider = $2`, userID, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to find credential by user: %w", err)
	}
	return cred, nil
}

// FindByVerificationHash はメール確認トークンのハッシュで資格情報を検索する。
func (r *PostgresCredentialRepo) FindByVerificationHash(ctx context.Context, hash string) (*model.AuthCredential, error) {
	cred, err := r.findOne(ctx, `verification_token_hash = $1`, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to find credential by verification token: %w", err)
	}
	return cred, nil
}

// FindByResetHash はパスワードリセットトークンのハッシュで資格情報を検索する。
func (r *PostgresCredentialRepo) FindByResetHash(ctx context.Context, hash string) (*model.AuthCredential, error) {
	cred, err := r.findOne(ctx, `reset_token_hash = $1`, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to find credential by reset token: %w", err)
	}
	return cred, nil
}

// ConsumeVerification は確認トークンを消費し、ユーザーを確認済みにする。
func (r *PostgresCredentialRepo) ConsumeVerification(ctx context.Context, credID, tokenHash string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var userID string
	err = tx.GetContext(ctx, &userID,
		`UPDATE auth_credentials
		 SET verification_token_hash = NULL, verification_expires_at = NULL, updated_at = now()
		 WHERE id = $1 AND verification_token_hash = $2
		 RETURNING user_id`,
		credID, tokenHash,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to consume verification token: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET email_verified = TRUE, updated_at = now() WHERE id = $1`,
		userID,
	); err != nil {
		return fmt.Errorf("failed to mark email verified: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SetResetToken はパスワードリセットトークンのハッシュと有効期限を保存する。
// 既存のリセットトークンは上書きされ無効になる。
func (r *PostgresCredentialRepo) SetResetToken(ctx context.Context, credID, tokenHash string, expiresAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE auth_credentials
		 SET reset_token_hash = $2, reset_expires_at = $3, updated_at = now()
		 WHERE id = $1`,
		credID, tokenHash, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to set reset token: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetPassword はリセットトークンを消費してパスワードハッシュを更新する。
func (r *PostgresCredentialRepo) ResetPassword(ctx context.Context, credID, tokenHash, passwordHash string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var userID string
	err = tx.GetContext(ctx, &userID,
		`UPDATE auth_credentials
		 SET password_hash = $3, reset_token_hash = NULL, reset_expires_at = NULL,
		     failed_attempts = 0, locked_until = NULL, updated_at = now()
		 WHERE id = $1 AND reset_token_hash = $2
		 RETURNING user_id`,
		credID, tokenHash, passwordHash,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to reset password: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1`,
		userID, passwordHash,
	); err != nil {
		return fmt.Errorf("failed to update user password: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// PurgeExpiredTokens は期限切れの確認・リセットトークンのハッシュを消去する。
func (r *PostgresCredentialRepo) PurgeExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE auth_credentials SET
		     verification_token_hash = CASE WHEN verification_expires_at <= $1 THEN NULL ELSE verification_token_hash END,
		     verification_expires_at = CASE WHEN verification_expires_at <= $1 THEN NULL ELSE verification_expires_at END,
		     reset_token_hash = CASE WHEN reset_expires_at <= $1 THEN NULL ELSE reset_token_hash END,
		     reset_expires_at = CASE WHEN reset_expires_at <= $1 THEN NULL ELSE reset_expires_at END
		 WHERE verification_expires_at <= $1 OR reset_expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired tokens: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// LoadLockState はロック状態を取得する。資格情報が存在しない場合はnilを返す。
func (r *PostgresCredentialRepo) LoadLockState(ctx context.Context, identifier string) (*model.LockState, error) {
	state := &model.LockState{}
	err := r.db.GetContext(ctx, state,
		`SELECT failed_attempts, locked_until FROM auth_credentials
		 WHERE provider = 'email' AND lower(email) = lower($1)`,
		identifier,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load lock state: %w", err)
	}
	return state, nil
}

// ClearExpiredLock はlocked_untilがnow以前の場合に限りロックを解除する。
func (r *PostgresCredentialRepo) ClearExpiredLock(ctx context.Context, identifier string, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE auth_credentials
		 SET failed_attempts = 0, locked_until = NULL, updated_at = $2
		 WHERE provider = 'email' AND lower(email) = lower($1)
		   AND locked_until IS NOT NULL AND locked_until <= $2`,
		identifier, now,
	)
	if err != nil {
		return fmt.Errorf("failed to clear expired lock: %w", err)
	}
	return nil
}

// IncrementFailedAttempts は失敗回数を1加算し、閾値到達時にロックする。
// SET句の右辺は更新前の値を参照するため、加算とロック判定が1文で完結する。
// 有効なロック中の失敗はロック期限を延長しない。
func (r *PostgresCredentialRepo) IncrementFailedAttempts(ctx context.Context, identifier string, threshold int, lockUntil, now time.Time) (*model.LockState, error) {
	state := &model.LockState{}
	err := r.db.GetContext(ctx, state,
		`UPDATE auth_credentials SET
		     failed_attempts = CASE
		         WHEN locked_until IS NOT NULL AND locked_until <= $4 THEN 1
		         ELSE failed_attempts + 1
		     END,
		     locked_until = CASE
		         WHEN locked_until > $4 THEN locked_until
		         WHEN (CASE
		                   WHEN locked_until IS NOT NULL AND locked_until <= $4 THEN 1
		                   ELSE failed_attempts + 1
		               END) >= $2 THEN $3
		         ELSE NULL
		     END,
		     updated_at = $4
		 WHERE provider = 'email' AND lower(email) = lower($1)
		 RETURNING failed_attempts, locked_until`,
		identifier, threshold, lockUntil, now,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to increment failed attempts: %w", err)
	}
	return state, nil
}

// ResetFailedAttempts は失敗回数とロックを解除する。
func (r *PostgresCredentialRepo) ResetFailedAttempts(ctx context.Context, identifier string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE auth_credentials
		 SET failed_attempts = 0, locked_until = NULL, updated_at = now()
		 WHERE provider = 'email' AND lower(email) = lower($1)
		   AND (failed_attempts <> 0 OR locked_until IS NOT NULL)`,
		identifier,
	)
	if err != nil {
		return fmt.Errorf("failed to reset failed attempts: %w", err)
	}
	return nil
}

// compile-time interface check
var (
	_ CredentialRepository = (*PostgresCredentialRepo)(nil)
	_ LockStateRepository  = (*PostgresCredentialRepo)(nil)
)
