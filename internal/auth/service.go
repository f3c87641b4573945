// Package auth はログイン経路ごとの認証フローを提供する。
// パスワード、Google、Apple、メール確認、パスワードリセット、リフレッシュ、ログアウトを扱い、
// 結果はmodel.APIErrorとして返す。
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/matchauth/internal/lockout"
	"github.com/hitoshi/matchauth/internal/metrics"
	"github.com/hitoshi/matchauth/internal/model"
	"github.com/hitoshi/matchauth/internal/repository"
	"github.com/hitoshi/matchauth/internal/session"
	"github.com/hitoshi/matchauth/internal/token"
)

// timingPassword はアカウントが存在しない場合のダミー照合に使う。
const timingPassword = "timing-equalization-password"

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	BaseURL           string
	VerificationTTL   time.Duration
	ResetTTL          time.Duration
	DependencyTimeout time.Duration
	PasswordPolicy    PasswordPolicy
}

// Deps は認証サービスの依存コンポーネント。
type Deps struct {
	Users       repository.UserRepository
	Credentials repository.CredentialRepository
	Guard       *lockout.Guard
	Sessions    *session.Issuer
	Hasher      PasswordHasher
	Google      IDTokenVerifier
	Apple       IDTokenVerifier
	Mailer      Mailer
	Metrics     metrics.MetricsCollector
	Logger      *slog.Logger
}

// LoginResult はログイン成功時の結果。
type LoginResult struct {
	Tokens    *session.TokenPair
	UserID    string
	Provider  string
	Email     string
	IsNewUser bool
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	users     repository.UserRepository
	creds     repository.CredentialRepository
	guard     *lockout.Guard
	sessions  *session.Issuer
	hasher    PasswordHasher
	google    IDTokenVerifier
	apple     IDTokenVerifier
	mailer    Mailer
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	config    ServiceConfig
	dummyHash string
	now       func() time.Time
}

// NewService はServiceを生成する。
func NewService(deps Deps, config ServiceConfig) *Service {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if config.DependencyTimeout <= 0 {
		config.DependencyTimeout = 5 * time.Second
	}

	s := &Service{
		users:    deps.Users,
		creds:    deps.Credentials,
		guard:    deps.Guard,
		sessions: deps.Sessions,
		hasher:   deps.Hasher,
		google:   deps.Google,
		apple:    deps.Apple,
		mailer:   deps.Mailer,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		config:   config,
		now:      time.Now,
	}

	// 失敗時は空のままにし、照合は即座に失敗する
	if h, err := s.hasher.Hash(timingPassword); err == nil {
		s.dummyHash = h
	}
	return s
}

// bound は依存呼び出しに上限時間を設定したコンテキストを返す。
func (s *Service) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.config.DependencyTimeout)
}

// fail は予期しないエラーを分類する。タイムアウトは503、それ以外はラップして返す。
func (s *Service) fail(ctx context.Context, op string, err error) error {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.logger.WarnContext(ctx, "dependency timeout",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
		return model.NewDependencyError()
	}
	return fmt.Errorf("%s: %w", op, err)
}

// LoginWithPassword はメールアドレスとパスワードでログインする。
// ロック判定はパスワード照合より前に行い、ロック中は正しいパスワードでも423を返す。
func (s *Service) LoginWithPassword(ctx context.Context, email, password string, client session.Client) (*LoginResult, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, model.NewValidationError("email and password are required")
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	st, err := s.guard.CheckLocked(ctx, email)
	if err != nil {
		return nil, s.fail(ctx, "check lock", err)
	}
	if st.Locked {
		s.metrics.RecordLogin(model.ProviderEmail, metrics.ResultLocked)
		return nil, model.NewLockedError(st.RetryAfter)
	}

	cred, err := s.creds.FindByEmail(ctx, email)
	if err != nil {
		return nil, s.fail(ctx, "find credential", err)
	}
	if cred == nil || cred.PasswordHash == nil {
		// 存在しないアカウントでも同等の処理時間にする
		_ = s.hasher.Compare(s.dummyHash, password)
		s.metrics.RecordLogin(model.ProviderEmail, metrics.ResultFailure)
		return nil, model.NewAuthenticationError()
	}

	if err := s.hasher.Compare(*cred.PasswordHash, password); err != nil {
		s.metrics.RecordLogin(model.ProviderEmail, metrics.ResultFailure)
		return nil, s.recordFailure(ctx, email, model.NewAuthenticationError())
	}

	user, err := s.users.FindByID(ctx, cred.UserID)
	if err != nil {
		return nil, s.fail(ctx, "find user", err)
	}
	if user == nil {
		s.metrics.RecordLogin(model.ProviderEmail, metrics.ResultFailure)
		return nil, model.NewAuthenticationError()
	}

	if !user.EmailVerified {
		// 未確認のままの成功もロック回数に数える
		s.metrics.RecordLogin(model.ProviderEmail, metrics.ResultUnverified)
		return nil, s.recordFailure(ctx, email, model.NewEmailNotVerifiedError())
	}

	if err := s.guard.RecordSuccessfulLogin(ctx, email); err != nil {
		return nil, s.fail(ctx, "reset failed attempts", err)
	}

	pair, err := s.sessions.Issue(ctx, session.Subject{UserID: user.ID, Provider: model.ProviderEmail, Email: user.Email}, client)
	if err != nil {
		return nil, s.fail(ctx, "issue tokens", err)
	}

	s.metrics.RecordLogin(model.ProviderEmail, metrics.ResultSuccess)
	s.logger.InfoContext(ctx, "user logged in",
		slog.String("user_id", user.ID),
		slog.String("provider", model.ProviderEmail),
	)

	return &LoginResult{Tokens: pair, UserID: user.ID, Provider: model.ProviderEmail, Email: user.Email}, nil
}

// recordFailure は失敗を記録し、返すべきエラーを決める。
// この失敗でロックした場合は423、閾値まで2回以内なら残り回数付きの401を返す。
func (s *Service) recordFailure(ctx context.Context, email string, base *model.APIError) error {
	st, err := s.guard.RecordFailedLogin(ctx, email)
	if err != nil {
		return s.fail(ctx, "record failed login", err)
	}
	if st.Locked {
		s.metrics.RecordLockout()
		return model.NewLockedError(st.RetryAfter)
	}
	if base.Code == model.ErrCodeAuthFailed && st.WarnRemaining() {
		return model.NewAttemptsRemainingError(st.Remaining)
	}
	return base
}

// LoginWithGoogle はGoogleのIDトークンでログインする。未登録の場合はユーザーを作成する。
func (s *Service) LoginWithGoogle(ctx context.Context, idToken string, client session.Client) (*LoginResult, error) {
	if idToken == "" {
		return nil, model.NewValidationError("idToken is required")
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	claims, err := s.google.Verify(ctx, idToken)
	if err != nil {
		return nil, s.providerFailure(ctx, model.ProviderGoogle, err)
	}

	return s.oauthLogin(ctx, model.ProviderGoogle, claims, client)
}

// LoginWithApple はAppleのIDトークンでログインする。
// nonceは必須で、トークンのnonceクレームが生の値またはそのSHA-256（16進）と一致する必要がある。
func (s *Service) LoginWithApple(ctx context.Context, identityToken, nonce string, client session.Client) (*LoginResult, error) {
	if identityToken == "" {
		return nil, model.NewValidationError("identityToken is required")
	}
	if nonce == "" {
		return nil, model.NewValidationError("nonce is required")
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	claims, err := s.apple.Verify(ctx, identityToken)
	if err != nil {
		return nil, s.providerFailure(ctx, model.ProviderApple, err)
	}

	if !nonceMatches(claims.Nonce, nonce) {
		s.metrics.RecordLogin(model.ProviderApple, metrics.ResultRejected)
		s.logger.WarnContext(ctx, "apple nonce mismatch")
		return nil, model.NewProviderRejectedError()
	}

	return s.oauthLogin(ctx, model.ProviderApple, claims, client)
}

func nonceMatches(tokenNonce, clientNonce string) bool {
	if tokenNonce == "" {
		return false
	}
	sum := sha256.Sum256([]byte(clientNonce))
	hashed := hex.EncodeToString(sum[:])
	raw := subtle.ConstantTimeCompare([]byte(tokenNonce), []byte(clientNonce)) == 1
	digest := subtle.ConstantTimeCompare([]byte(tokenNonce), []byte(hashed)) == 1
	return raw || digest
}

// providerFailure はIDトークン検証の失敗を分類する。
// 署名・クレームの不正は401、鍵取得の失敗やタイムアウトは503とする。
func (s *Service) providerFailure(ctx context.Context, provider string, err error) error {
	if errors.Is(err, ErrIDTokenRejected) {
		s.metrics.RecordLogin(provider, metrics.ResultRejected)
		s.logger.WarnContext(ctx, "provider token rejected",
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
		return model.NewProviderRejectedError()
	}
	s.metrics.RecordLogin(provider, metrics.ResultError)
	s.logger.ErrorContext(ctx, "provider verification unavailable",
		slog.String("provider", provider),
		slog.String("error", err.Error()),
	)
	return model.NewDependencyError()
}

// oauthLogin は "{provider}_{subject}" のユーザーを検索し、なければ作成してトークンを発行する。
func (s *Service) oauthLogin(ctx context.Context, provider string, claims *IdentityClaims, client session.Client) (*LoginResult, error) {
	userID := provider + "_" + claims.Subject

	cred, err := s.creds.FindByUserAndProvider(ctx, userID, provider)
	if err != nil {
		return nil, s.fail(ctx, "find credential", err)
	}

	email := claims.Email
	isNew := false

	if cred == nil {
		now := s.now()
		user := &model.User{
			ID:            userID,
			Email:         claims.Email,
			EmailVerified: claims.EmailVerified,
			Provider:      provider,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		newCred := &model.AuthCredential{
			ID:        uuid.NewString(),
			UserID:    userID,
			Provider:  provider,
			Email:     claims.Email,
			CreatedAt: now,
			UpdatedAt: now,
		}

		err := s.users.CreateWithCredential(ctx, user, newCred)
		switch {
		case err == nil:
			isNew = true
			s.logger.InfoContext(ctx, "new user created",
				slog.String("user_id", userID),
				slog.String("provider", provider),
			)
		case errors.Is(err, repository.ErrDuplicate):
			// 同時ログインで先に作成された
		default:
			return nil, s.fail(ctx, "create user", err)
		}
	} else if email == "" {
		// Appleは2回目以降のトークンにemailを含めない
		email = cred.Email
	}

	pair, err := s.sessions.Issue(ctx, session.Subject{UserID: userID, Provider: provider, Email: email}, client)
	if err != nil {
		return nil, s.fail(ctx, "issue tokens", err)
	}

	s.metrics.RecordLogin(provider, metrics.ResultSuccess)
	return &LoginResult{Tokens: pair, UserID: userID, Provider: provider, Email: email, IsNewUser: isNew}, nil
}

// Register はメールアドレスで仮登録し、確認メールを送る。
// 登録済みのメールアドレスでも同じ結果を返し、メールは送らない。
func (s *Service) Register(ctx context.Context, email, password string) error {
	email = normalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return model.NewValidationError("A valid email address is required")
	}
	if err := s.config.PasswordPolicy.Validate(password); err != nil {
		return err
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	// 既存アカウントの有無で処理時間が変わらないよう先にハッシュ化する
	passwordHash, err := s.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	existing, err := s.creds.FindByEmail(ctx, email)
	if err != nil {
		return s.fail(ctx, "find credential", err)
	}
	if existing != nil {
		s.logger.InfoContext(ctx, "registration attempted for existing email")
		return nil
	}

	verification, err := token.GenerateOpaqueToken()
	if err != nil {
		return fmt.Errorf("generate verification token: %w", err)
	}

	now := s.now()
	expiresAt := now.Add(s.config.VerificationTTL)
	user := &model.User{
		ID:           model.ProviderEmail + "_" + uuid.NewString(),
		Email:        email,
		PasswordHash: &passwordHash,
		Provider:     model.ProviderEmail,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	cred := &model.AuthCredential{
		ID:                    uuid.NewString(),
		UserID:                user.ID,
		Provider:              model.ProviderEmail,
		Email:                 email,
		PasswordHash:          &passwordHash,
		VerificationTokenHash: &verification.Hash,
		VerificationExpiresAt: &expiresAt,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	if err := s.users.CreateWithCredential(ctx, user, cred); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil
		}
		return s.fail(ctx, "create user", err)
	}

	if err := s.mailer.SendVerification(ctx, email, s.link("/auth/email/verify", verification.Token)); err != nil {
		s.logger.ErrorContext(ctx, "failed to send verification email",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "email user registered", slog.String("user_id", user.ID))
	return nil
}

// VerifyEmail は確認トークンを消費してメールアドレスを確認済みにし、ログイン状態にする。
func (s *Service) VerifyEmail(ctx context.Context, rawToken string, client session.Client) (*LoginResult, error) {
	if rawToken == "" {
		return nil, model.NewOneTimeTokenInvalidError()
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	hash := token.HashOpaqueToken(rawToken)
	cred, err := s.creds.FindByVerificationHash(ctx, hash)
	if err != nil {
		return nil, s.fail(ctx, "find verification token", err)
	}
	if cred == nil || cred.VerificationTokenHash == nil || !token.VerifyOpaqueToken(rawToken, *cred.VerificationTokenHash) {
		return nil, model.NewOneTimeTokenInvalidError()
	}
	if cred.VerificationExpiresAt == nil || !s.now().Before(*cred.VerificationExpiresAt) {
		return nil, model.NewOneTimeTokenExpiredError()
	}

	if err := s.creds.ConsumeVerification(ctx, cred.ID, hash); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.NewOneTimeTokenInvalidError()
		}
		return nil, s.fail(ctx, "consume verification token", err)
	}

	pair, err := s.sessions.Issue(ctx, session.Subject{UserID: cred.UserID, Provider: model.ProviderEmail, Email: cred.Email}, client)
	if err != nil {
		return nil, s.fail(ctx, "issue tokens", err)
	}

	s.logger.InfoContext(ctx, "email verified", slog.String("user_id", cred.UserID))
	return &LoginResult{Tokens: pair, UserID: cred.UserID, Provider: model.ProviderEmail, Email: cred.Email}, nil
}

// ForgotPassword はパスワードリセットメールを送る。
// アカウントの有無にかかわらず成功を返す。
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if email == "" {
		return model.NewValidationError("email is required")
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	cred, err := s.creds.FindByEmail(ctx, email)
	if err != nil {
		return s.fail(ctx, "find credential", err)
	}
	if cred == nil {
		return nil
	}

	// 以降の失敗はアカウントの存在を示してしまうため、記録のみで成功を返す
	reset, err := token.GenerateOpaqueToken()
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to generate reset token", slog.String("error", err.Error()))
		return nil
	}
	if err := s.creds.SetResetToken(ctx, cred.ID, reset.Hash, s.now().Add(s.config.ResetTTL)); err != nil {
		s.logger.ErrorContext(ctx, "failed to store reset token",
			slog.String("user_id", cred.UserID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if err := s.mailer.SendPasswordReset(ctx, email, s.link("/auth/email/reset", reset.Token)); err != nil {
		s.logger.ErrorContext(ctx, "failed to send password reset email",
			slog.String("user_id", cred.UserID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// ResetPassword はリセットトークンを検証し、新しいパスワードを設定する。
// 成功時はロックを解除し、既存のリフレッシュトークンを全て失効させる。
func (s *Service) ResetPassword(ctx context.Context, rawToken, newPassword string) error {
	if rawToken == "" || newPassword == "" {
		return model.NewValidationError("token and newPassword are required")
	}
	if err := s.config.PasswordPolicy.Validate(newPassword); err != nil {
		return err
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	hash := token.HashOpaqueToken(rawToken)
	cred, err := s.creds.FindByResetHash(ctx, hash)
	if err != nil {
		return s.fail(ctx, "find reset token", err)
	}
	if cred == nil || cred.ResetTokenHash == nil || !token.VerifyOpaqueToken(rawToken, *cred.ResetTokenHash) {
		return model.NewOneTimeTokenInvalidError()
	}
	if cred.ResetExpiresAt == nil || !s.now().Before(*cred.ResetExpiresAt) {
		return model.NewOneTimeTokenExpiredError()
	}

	passwordHash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	if err := s.creds.ResetPassword(ctx, cred.ID, hash, passwordHash); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.NewOneTimeTokenInvalidError()
		}
		return s.fail(ctx, "reset password", err)
	}

	if _, err := s.sessions.RevokeAllForUser(ctx, cred.UserID); err != nil {
		return s.fail(ctx, "revoke sessions", err)
	}

	s.logger.InfoContext(ctx, "password reset", slog.String("user_id", cred.UserID))
	return nil
}

// Refresh はリフレッシュトークンをローテーションして新しいトークンの組を返す。
func (s *Service) Refresh(ctx context.Context, refreshToken string, client session.Client) (*session.TokenPair, error) {
	if refreshToken == "" {
		return nil, model.NewValidationError("refreshToken is required")
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	pair, err := s.sessions.Refresh(ctx, refreshToken, client)
	switch {
	case err == nil:
		s.metrics.RecordRefresh(metrics.ResultSuccess)
		return pair, nil
	case errors.Is(err, session.ErrRefreshReuse):
		s.metrics.RecordRefresh(metrics.ResultReuse)
		s.metrics.RecordRefreshReuse()
		return nil, model.NewRefreshInvalidError("Invalid refresh token")
	case errors.Is(err, session.ErrRefreshInvalid):
		s.metrics.RecordRefresh(metrics.ResultInvalid)
		return nil, model.NewRefreshInvalidError("Invalid refresh token")
	case errors.Is(err, session.ErrRefreshRevoked):
		s.metrics.RecordRefresh(metrics.ResultRevoked)
		return nil, model.NewRefreshInvalidError("Refresh token revoked")
	case errors.Is(err, session.ErrRefreshExpired):
		s.metrics.RecordRefresh(metrics.ResultExpired)
		return nil, model.NewRefreshInvalidError("Refresh token expired")
	default:
		s.metrics.RecordRefresh(metrics.ResultError)
		return nil, s.fail(ctx, "refresh", err)
	}
}

// Logout はリフレッシュトークンを失効させる。呼び出し元には常に成功を返す。
func (s *Service) Logout(ctx context.Context, refreshToken string) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.sessions.Revoke(ctx, refreshToken); err != nil {
		s.logger.ErrorContext(ctx, "failed to revoke refresh token on logout", slog.String("error", err.Error()))
	}
}

// LogoutAll はユーザーの全リフレッシュトークンを失効させる。
func (s *Service) LogoutAll(ctx context.Context, userID string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	n, err := s.sessions.RevokeAllForUser(ctx, userID)
	if err != nil {
		return s.fail(ctx, "revoke all sessions", err)
	}
	s.logger.InfoContext(ctx, "all sessions revoked",
		slog.String("user_id", userID),
		slog.Int64("revoked_count", n),
	)
	return nil
}

// link はBaseURLにパスとトークンを付与したURLを返す。
func (s *Service) link(path, rawToken string) string {
	return s.config.BaseURL + path + "?token=" + url.QueryEscape(rawToken)
}
