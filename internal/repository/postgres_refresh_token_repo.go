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

const refreshTokenColumns = `id, user_id, token_hash, token_family, expires_at, revoked_at, rotated_at,
	device_info, ip_address, provider, email, created_at`

const insertRefreshToken = `INSERT INTO refresh_tokens
	(id, user_id, token_hash, token_family, expires_at, device_info, ip_address, provider, email, created_at)
	VALUES (:id, :user_id, :token_hash, :token_family, :expires_at, :device_info, :ip_address, :provider, :email, :created_at)`

// PostgresRefreshTokenRepo はPostgreSQLを使用したリフレッシュトークンリポジトリ。
type PostgresRefreshTokenRepo struct {
	db *sqlx.DB
}

// NewPostgresRefreshTokenRepo はPostgresRefreshTokenRepoを生成する。
func NewPostgresRefreshTokenRepo(db *sqlx.DB) *PostgresRefreshTokenRepo {
	return &PostgresRefreshTokenRepo{db: db}
}

// Create はリフレッシュトークン行を作成する。
func (r *PostgresRefreshTokenRepo) Create(ctx context.Context, token *model.RefreshToken) error {
	if _, err := r.db.NamedExecContext(ctx, insertRefreshToken, token); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create refresh token: %w", err)
	}
	return nil
}

// FindByHash はトークンハッシュで行を取得する。見つからない場合はnilを返す。
func (r *PostgresRefreshTokenRepo) FindByHash(ctx context.Context, tokenHash string) (*model.RefreshToken, error) {
	token := &model.RefreshToken{}
	err := r.db.GetContext(ctx, token,
		`SELECT `+refreshTokenColumns+` FROM refresh_tokens WHERE token_hash = $1`,
		tokenHash,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find refresh token: %w", err)
	}
	return token, nil
}

// WithTx はfnを単一トランザクション内で実行する。
func (r *PostgresRefreshTokenRepo) WithTx(ctx context.Context, fn func(tx RefreshTokenTx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&postgresRefreshTokenTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RevokeByHash は未失効の行を失効させる。
func (r *PostgresRefreshTokenRepo) RevokeByHash(ctx context.Context, tokenHash string, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = $2 WHERE token_hash = $1 AND revoked_at IS NULL`,
		tokenHash, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// RevokeAllForUser はユーザーの未失効トークンを全て失効させる。
func (r *PostgresRefreshTokenRepo) RevokeAllForUser(ctx context.Context, userID string, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = $2 WHERE user_id = $1 AND revoked_at IS NULL`,
		userID, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke user refresh tokens: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// DeleteStale はbefore以前に期限切れまたは失効した行を削除する。
func (r *PostgresRefreshTokenRepo) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM refresh_tokens WHERE expires_at < $1 OR revoked_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale refresh tokens: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// postgresRefreshTokenTx はトランザクション内のリフレッシュトークン操作。
type postgresRefreshTokenTx struct {
	tx *sqlx.Tx
}

func (t *postgresRefreshTokenTx) LockByHash(ctx context.Context, tokenHash string) (*model.RefreshToken, error) {
	token := &model.RefreshToken{}
	err := t.tx.GetContext(ctx, token,
		`SELECT `+refreshTokenColumns+` FROM refresh_tokens WHERE token_hash = $1 FOR UPDATE`,
		tokenHash,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock refresh token: %w", err)
	}
	return token, nil
}

func (t *postgresRefreshTokenTx) MarkRotated(ctx context.Context, id string, now time.Time) error {
	result, err := t.tx.ExecContext(ctx,
		`UPDATE refresh_tokens SET rotated_at = $2 WHERE id = $1 AND rotated_at IS NULL`,
		id, now,
	)
	if err != nil {
		return fmt.Errorf("failed to mark refresh token rotated: %w", err)
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

func (t *postgresRefreshTokenTx) Create(ctx context.Context, token *model.RefreshToken) error {
	if _, err := t.tx.NamedExecContext(ctx, insertRefreshToken, token); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create refresh token: %w", err)
	}
	return nil
}

func (t *postgresRefreshTokenTx) RevokeFamily(ctx context.Context, family string, now time.Time) (int64, error) {
	result, err := t.tx.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = $2 WHERE token_family = $1 AND revoked_at IS NULL`,
		family, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke token family: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// compile-time interface check
var (
	_ RefreshTokenRepository = (*PostgresRefreshTokenRepo)(nil)
	_ RefreshTokenTx         = (*postgresRefreshTokenTx)(nil)
)
