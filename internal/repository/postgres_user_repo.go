package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/matchauth/internal/model"
	"github.com/jmoiron/sqlx"
)

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sqlx.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sqlx.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user := &model.User{}
	err := r.db.GetContext(ctx, user,
		`SELECT id, email, email_verified, password_hash, provider, id_verified, consent_at, created_at, updated_at
		 FROM users WHERE id = $1`,
		id,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}

	return user, nil
}

// CreateWithCredential はユーザーと資格情報を同一トランザクションで作成する。
func (r *PostgresUserRepo) CreateWithCredential(ctx context.Context, user *model.User, cred *model.AuthCredential) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// ユーザーを作成
	_, err = tx.NamedExecContext(ctx,
		`INSERT INTO users (id, email, email_verified, password_hash, provider, id_verified, consent_at, created_at, updated_at)
		 VALUES (:id, :email, :email_verified, :password_hash, :provider, :id_verified, :consent_at, :created_at, :updated_at)`,
		user,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}

	// 資格情報を作成
	_, err = tx.NamedExecContext(ctx,
		`INSERT INTO auth_credentials (id, user_id, provider, email, password_hash,
		     verification_token_hash, verification_expires_at, failed_attempts, created_at, updated_at)
		 VALUES (:id, :user_id, :provider, :email, :password_hash,
		     :verification_token_hash, :verification_expires_at, 0, :created_at, :updated_at)`,
		cred,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert credential: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// DeleteByID は指定IDのユーザーを削除する。
// 関連するauth_credentials、refresh_tokensはCASCADE削除される。
func (r *PostgresUserRepo) DeleteByID(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM users WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
