package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hitoshi/matchauth/internal/model"
)

var (
	// ErrTokenExpired は署名は正しいが有効期限が切れているトークンを表す。
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenMalformed はJWTとして解釈できないトークンを表す。
	ErrTokenMalformed = errors.New("token malformed")
	// ErrTokenInvalid は署名不一致やクレーム不備のトークンを表す。
	ErrTokenInvalid = errors.New("token invalid")
)

// accessClaims はアクセストークンのJWTクレーム。
type accessClaims struct {
	UserID   string `json:"userId"`
	Provider string `json:"provider"`
	Email    string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// AccessCodec はHS256で署名されたアクセストークンを発行・検証する。
type AccessCodec struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// NewAccessCodec はAccessCodecを生成する。
func NewAccessCodec(secret []byte, ttl time.Duration, issuer string) (*AccessCodec, error) {
	if len(secret) == 0 {
		return nil, errors.New("access token secret is required")
	}
	if ttl <= 0 {
		return nil, errors.New("access token TTL must be positive")
	}
	return &AccessCodec{secret: secret, ttl: ttl, issuer: issuer, now: time.Now}, nil
}

// TTL はアクセストークンの有効期間を返す。
func (c *AccessCodec) TTL() time.Duration {
	return c.ttl
}

// Sign はユーザー情報からアクセストークンを発行する。
// 返り値のClaimsにはiat/expが設定される。
func (c *AccessCodec) Sign(userID, provider, email string) (string, *model.Claims, error) {
	if userID == "" {
		return "", nil, errors.New("user ID is required")
	}

	now := c.now().Truncate(time.Second)
	exp := now.Add(c.ttl)

	claims := accessClaims{
		UserID:   userID,
		Provider: provider,
		Email:    email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	return signed, &model.Claims{
		UserID:    userID,
		Provider:  provider,
		Email:     email,
		IssuedAt:  now,
		ExpiresAt: exp,
	}, nil
}

// Verify はアクセストークンを検証し、クレームを返す。
// 期限切れはErrTokenExpired、解析不能はErrTokenMalformed、それ以外はErrTokenInvalidを返す。
func (c *AccessCodec) Verify(tokenStr string) (*model.Claims, error) {
	if tokenStr == "" {
		return nil, ErrTokenMalformed
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	}
	if c.issuer != "" {
		options = append(options, jwt.WithIssuer(c.issuer))
	}

	var claims accessClaims
	_, err := jwt.NewParser(options...).ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (interface{}, error) {
		return c.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, ErrTokenMalformed
		default:
			return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
		}
	}

	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing userId claim", ErrTokenInvalid)
	}

	out := &model.Claims{
		UserID:   claims.UserID,
		Provider: claims.Provider,
		Email:    claims.Email,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}
