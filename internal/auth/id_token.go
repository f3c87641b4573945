package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

const (
	defaultGoogleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"
	defaultAppleJWKSURL  = "https://appleid.apple.com/auth/keys"

	defaultJWKSRefreshInterval    = time.Hour
	defaultUnknownKIDRefreshEvery = 5 * time.Minute
	defaultJWKSFetchTimeout       = 10 * time.Second
)

var (
	googleIssuers = []string{"https://accounts.google.com", "accounts.google.com"}
	appleIssuers  = []string{"https://appleid.apple.com"}

	// ErrIDTokenRejected はプロバイダー発行のIDトークンが検証に失敗したことを表す。
	ErrIDTokenRejected = errors.New("id token rejected")

	// ErrProviderKeysUnavailable はプロバイダー公開鍵を1件も取得できていないことを表す。
	ErrProviderKeysUnavailable = errors.New("provider keys unavailable")
)

// IdentityClaims はIDトークンから取り出したユーザー情報。
type IdentityClaims struct {
	Subject       string
	Email         string
	EmailVerified bool
	Nonce         string
}

// IDTokenVerifier はOAuthプロバイダーのIDトークンを検証する。
type IDTokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*IdentityClaims, error)
}

// JWKSConfig はJWKSによるIDトークン検証の設定。
type JWKSConfig struct {
	ClientID string
	Issuers  []string
	JWKSURL  string

	// HTTPClient がnilの場合はhttp.DefaultClientを使う。
	HTTPClient *http.Client
	// FetchTimeout はJWKS取得1回あたりの上限時間。
	FetchTimeout time.Duration
	// RefreshInterval はバックグラウンドで鍵を再取得する間隔。
	RefreshInterval time.Duration
	// UnknownKIDRefreshEvery は未知のkidによる再取得の最小間隔。
	// 間隔内に届いた未知のkidは再取得せずに拒否する。
	UnknownKIDRefreshEvery time.Duration
	Logger                 *slog.Logger
}

// JWKSVerifier はプロバイダー公開鍵（JWKS）でRS256署名のIDトークンを検証する。
// 鍵の取得・キャッシュ・ローテーション追従はkeyfuncに任せる。
type JWKSVerifier struct {
	config JWKSConfig
	keys   keyfunc.Keyfunc
	now    func() time.Time
}

// NewJWKSVerifier はJWKSVerifierを生成する。
// 生成時に1回鍵を取得するが、失敗してもエラーにはせず検証時に再試行する。
// ctxがキャンセルされるとバックグラウンドの再取得を停止する。
func NewJWKSVerifier(ctx context.Context, config JWKSConfig) (*JWKSVerifier, error) {
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = defaultJWKSFetchTimeout
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = defaultJWKSRefreshInterval
	}
	if config.UnknownKIDRefreshEvery <= 0 {
		config.UnknownKIDRefreshEvery = defaultUnknownKIDRefreshEvery
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	logger := config.Logger
	keys, err := keyfunc.NewDefaultOverrideCtx(ctx, []string{config.JWKSURL}, keyfunc.Override{
		Client:          config.HTTPClient,
		HTTPTimeout:     config.FetchTimeout,
		RefreshInterval: config.RefreshInterval,
		// バーストは1。間隔内の2回目以降は待たずに失敗させる
		RefreshUnknownKID: rate.NewLimiter(rate.Every(config.UnknownKIDRefreshEvery), 1),
		RefreshErrorHandlerFunc: func(u string) func(ctx context.Context, err error) {
			return func(ctx context.Context, err error) {
				logger.WarnContext(ctx, "failed to refresh provider jwks",
					slog.String("url", u),
					slog.String("error", err.Error()),
				)
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create jwks client: %w", err)
	}

	return &JWKSVerifier{config: config, keys: keys, now: time.Now}, nil
}

// NewGoogleVerifier はGoogleのIDトークン検証器を生成する。
func NewGoogleVerifier(ctx context.Context, clientID string, fetchTimeout time.Duration, logger *slog.Logger) (*JWKSVerifier, error) {
	return NewJWKSVerifier(ctx, JWKSConfig{
		ClientID:     clientID,
		Issuers:      googleIssuers,
		JWKSURL:      defaultGoogleJWKSURL,
		FetchTimeout: fetchTimeout,
		Logger:       logger,
	})
}

// NewAppleVerifier はAppleのIDトークン検証器を生成する。
func NewAppleVerifier(ctx context.Context, clientID string, fetchTimeout time.Duration, logger *slog.Logger) (*JWKSVerifier, error) {
	return NewJWKSVerifier(ctx, JWKSConfig{
		ClientID:     clientID,
		Issuers:      appleIssuers,
		JWKSURL:      defaultAppleJWKSURL,
		FetchTimeout: fetchTimeout,
		Logger:       logger,
	})
}

// idTokenClaims はプロバイダーIDトークンのクレーム。
// email_verifiedはGoogleでは真偽値、Appleでは文字列で届く。
type idTokenClaims struct {
	Email         string          `json:"email"`
	EmailVerified json.RawMessage `json:"email_verified"`
	Nonce         string          `json:"nonce"`
	jwt.RegisteredClaims
}

// Verify はIDトークンの署名・発行者・audience・有効期限を検証する。
// 検証失敗はErrIDTokenRejectedでラップする。鍵を1件も保持していない場合は
// プロバイダー側の障害としてErrProviderKeysUnavailableを返す。
func (v *JWKSVerifier) Verify(ctx context.Context, rawToken string) (*IdentityClaims, error) {
	var keysMissing bool
	lookup := v.keys.KeyfuncCtx(ctx)
	keyFunc := func(t *jwt.Token) (interface{}, error) {
		key, err := lookup(t)
		if err != nil {
			if cached, readErr := v.keys.Storage().KeyReadAll(ctx); readErr != nil || len(cached) == 0 {
				keysMissing = true
			}
			return nil, err
		}
		return key, nil
	}

	var claims idTokenClaims
	_, err := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(v.config.ClientID),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
		jwt.WithLeeway(30*time.Second),
	).ParseWithClaims(rawToken, &claims, keyFunc)
	if keysMissing {
		return nil, fmt.Errorf("%w: %v", ErrProviderKeysUnavailable, err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIDTokenRejected, err)
	}

	if !v.trustedIssuer(claims.Issuer) {
		return nil, fmt.Errorf("%w: untrusted issuer %q", ErrIDTokenRejected, claims.Issuer)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: empty subject", ErrIDTokenRejected)
	}

	return &IdentityClaims{
		Subject:       claims.Subject,
		Email:         claims.Email,
		EmailVerified: parseBoolClaim(claims.EmailVerified),
		Nonce:         claims.Nonce,
	}, nil
}

func (v *JWKSVerifier) trustedIssuer(iss string) bool {
	for _, trusted := range v.config.Issuers {
		if iss == trusted {
			return true
		}
	}
	return false
}

func parseBoolClaim(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s == "true"
	}
	return false
}

// compile-time interface check
var _ IDTokenVerifier = (*JWKSVerifier)(nil)
