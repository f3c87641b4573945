// Package user はユーザー管理のドメインロジックを提供する。
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/matchauth/internal/model"
	"github.com/hitoshi/matchauth/internal/repository"
)

// SessionRevoker はユーザーの全リフレッシュトークンを失効させるインターフェース。
type SessionRevoker interface {
	RevokeAllForUser(ctx context.Context, userID string) (int64, error)
}

// Profile は認証済みユーザー自身に返すプロフィール情報。
type Profile struct {
	UserID        string
	Email         string
	EmailVerified bool
	Provider      string
	IDVerified    bool
}

// Service はユーザー管理のサービス層。
// プロフィール参照と退会処理を提供する。
type Service struct {
	userRepo repository.UserRepository
	sessions SessionRevoker
	timeout  time.Duration
	logger   *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
// timeoutは1操作あたりのストア呼び出しの上限時間で、0以下の場合は上限を設けない。
func NewService(userRepo repository.UserRepository, sessions SessionRevoker, timeout time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		userRepo: userRepo,
		sessions: sessions,
		timeout:  timeout,
		logger:   logger,
	}
}

func (s *Service) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// fail はストアのエラーをラップする。タイムアウトは503として返す。
func (s *Service) fail(ctx context.Context, msg string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		s.logger.WarnContext(ctx, "dependency timeout",
			slog.String("op", msg),
			slog.String("error", err.Error()),
		)
		return model.NewDependencyError()
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Profile は指定ユーザーのプロフィールを返す。
func (s *Service) Profile(ctx context.Context, userID string) (*Profile, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, s.fail(ctx, "ユーザーの取得に失敗しました", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	return &Profile{
		UserID:        user.ID,
		Email:         user.Email,
		EmailVerified: user.EmailVerified,
		Provider:      user.Provider,
		IDVerified:    user.IDVerified,
	}, nil
}

// Withdraw はユーザーの退会処理を実行する。
// 削除順序: refresh_tokens失効 → user（+ CASCADE: auth_credentials, refresh_tokens）
func (s *Service) Withdraw(ctx context.Context, userID string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	// ユーザー存在確認
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return s.fail(ctx, "ユーザーの取得に失敗しました", err)
	}
	if user == nil {
		return model.NewUserNotFoundError()
	}

	s.logger.InfoContext(ctx, "退会処理を開始します",
		slog.String("user_id", userID),
	)

	// 1. 発行済みセッションを失効（削除が失敗しても再ログインできないようにする）
	if s.sessions != nil {
		if _, err := s.sessions.RevokeAllForUser(ctx, userID); err != nil {
			return s.fail(ctx, "セッションの失効に失敗しました", err)
		}
	}

	// 2. ユーザーを削除（auth_credentials, refresh_tokensはCASCADE削除）
	if err := s.userRepo.DeleteByID(ctx, userID); err != nil {
		return s.fail(ctx, "ユーザーの削除に失敗しました", err)
	}

	s.logger.InfoContext(ctx, "退会処理が完了しました",
		slog.String("user_id", userID),
	)

	return nil
}
