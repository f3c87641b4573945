// Package session はアクセストークンとリフレッシュトークンの組を発行し、
// リフレッシュ時のローテーションと再利用検知を行う。
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/matchauth/internal/model"
	"github.com/hitoshi/matchauth/internal/repository"
	"github.com/hitoshi/matchauth/internal/token"
)

var (
	// ErrRefreshInvalid は存在しない、または再利用されたリフレッシュトークンを表す。
	ErrRefreshInvalid = errors.New("invalid refresh token")
	// ErrRefreshRevoked は失効済みのリフレッシュトークンを表す。
	ErrRefreshRevoked = errors.New("refresh token revoked")
	// ErrRefreshExpired は期限切れのリフレッシュトークンを表す。
	ErrRefreshExpired = errors.New("refresh token expired")
	// ErrRefreshReuse はローテーション済みトークンの再提示。errors.Is(err, ErrRefreshInvalid)も成り立つ。
	ErrRefreshReuse = fmt.Errorf("%w: reuse detected", ErrRefreshInvalid)
)

// Subject はトークンに載せるユーザー情報。
type Subject struct {
	UserID   string
	Provider string
	Email    string
}

// Client はリフレッシュトークン行に記録する端末情報。
type Client struct {
	DeviceInfo string
	IPAddress  string
}

// TokenPair は発行したトークンの組。生のリフレッシュトークンはここでのみ返される。
type TokenPair struct {
	AccessToken     string
	RefreshToken    string
	ExpiresIn       int64 // アクセストークンの有効秒数
	AccessExpiresAt time.Time
	Claims          *model.Claims
}

// Issuer はトークンの発行・ローテーション・失効を行う。
type Issuer struct {
	codec      *token.AccessCodec
	repo       repository.RefreshTokenRepository
	refreshTTL time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewIssuer はIssuerを生成する。
func NewIssuer(codec *token.AccessCodec, repo repository.RefreshTokenRepository, refreshTTL time.Duration, logger *slog.Logger) *Issuer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{
		codec:      codec,
		repo:       repo,
		refreshTTL: refreshTTL,
		logger:     logger,
		now:        time.Now,
	}
}

// Issue は新しいトークンファミリーでトークンの組を発行する。
func (s *Issuer) Issue(ctx context.Context, sub Subject, client Client) (*TokenPair, error) {
	if sub.UserID == "" {
		return nil, errors.New("user ID is required")
	}

	row, raw, err := s.newRefreshRow(sub, uuid.NewString(), client)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, row); err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	return s.pair(sub, raw)
}

// Refresh はリフレッシュトークンを検証してローテーションする。
// ローテーション済みトークンが再提示された場合はファミリー全体を失効させ、ErrRefreshReuseを返す。
func (s *Issuer) Refresh(ctx context.Context, raw string, client Client) (*TokenPair, error) {
	if raw == "" {
		return nil, ErrRefreshInvalid
	}
	hash := token.HashOpaqueToken(raw)
	now := s.now()

	var (
		sub     Subject
		newRaw  string
		reused  *model.RefreshToken
		revoked int64
	)

	err := s.repo.WithTx(ctx, func(tx repository.RefreshTokenTx) error {
		current, err := tx.LockByHash(ctx, hash)
		if err != nil {
			return err
		}
		if current == nil {
			return ErrRefreshInvalid
		}
		if current.RevokedAt != nil {
			return ErrRefreshRevoked
		}
		if current.RotatedAt != nil {
			// 再利用検知: ファミリーを失効させてコミットする
			reused = current
			revoked, err = tx.RevokeFamily(ctx, current.TokenFamily, now)
			return err
		}
		if !now.Before(current.ExpiresAt) {
			return ErrRefreshExpired
		}

		if err := tx.MarkRotated(ctx, current.ID, now); err != nil {
			return err
		}

		sub = Subject{UserID: current.UserID, Provider: current.Provider, Email: current.Email}
		if client.DeviceInfo == "" {
			client.DeviceInfo = current.DeviceInfo
		}
		if client.IPAddress == "" {
			client.IPAddress = current.IPAddress
		}

		next, r, err := s.newRefreshRow(sub, current.TokenFamily, client)
		if err != nil {
			return err
		}
		if err := tx.Create(ctx, next); err != nil {
			return err
		}
		newRaw = r
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrRefreshInvalid) || errors.Is(err, ErrRefreshRevoked) || errors.Is(err, ErrRefreshExpired) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	if reused != nil {
		s.logger.Warn("refresh token reuse detected, family revoked",
			slog.String("user_id", reused.UserID),
			slog.String("token_family", reused.TokenFamily),
			slog.Int64("revoked_count", revoked),
		)
		return nil, ErrRefreshReuse
	}

	return s.pair(sub, newRaw)
}

// Revoke はリフレッシュトークンを失効させる。存在しない・失効済みでもエラーにしない。
func (s *Issuer) Revoke(ctx context.Context, raw string) error {
	if raw == "" {
		return nil
	}
	if _, err := s.repo.RevokeByHash(ctx, token.HashOpaqueToken(raw), s.now()); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

// RevokeAllForUser はユーザーの全リフレッシュトークンを失効させ、件数を返す。
func (s *Issuer) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	n, err := s.repo.RevokeAllForUser(ctx, userID, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to revoke user refresh tokens: %w", err)
	}
	return n, nil
}

func (s *Issuer) newRefreshRow(sub Subject, family string, client Client) (*model.RefreshToken, string, error) {
	ot, err := token.GenerateOpaqueToken()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate refresh token: %w", err)
	}
	now := s.now()
	return &model.RefreshToken{
		ID:          uuid.NewString(),
		UserID:      sub.UserID,
		TokenHash:   ot.Hash,
		TokenFamily: family,
		ExpiresAt:   now.Add(s.refreshTTL),
		DeviceInfo:  client.DeviceInfo,
		IPAddress:   client.IPAddress,
		Provider:    sub.Provider,
		Email:       sub.Email,
		CreatedAt:   now,
	}, ot.Token, nil
}

func (s *Issuer) pair(sub Subject, refreshRaw string) (*TokenPair, error) {
	access, claims, err := s.codec.Sign(sub.UserID, sub.Provider, sub.Email)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:     access,
		RefreshToken:    refreshRaw,
		ExpiresIn:       int64(s.codec.TTL() / time.Second),
		AccessExpiresAt: claims.ExpiresAt,
		Claims:          claims,
	}, nil
}
