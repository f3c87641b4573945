// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// minSecretLength はHMAC/JWT署名鍵として許容する最小バイト長。
const minSecretLength = 32

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`
	RedisURL    string `env:"REDIS_URL"`

	// Server
	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`
	BaseURL    string `env:"BASE_URL,required,notEmpty"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`

	// Secrets
	JWTSecret             string `env:"JWT_SECRET,required,notEmpty"`
	RequestSigningSecret  string `env:"REQUEST_SIGNING_SECRET,required,notEmpty"`
	InternalSigningSecret string `env:"INTERNAL_SIGNING_SECRET,required,notEmpty"`

	// OAuth
	GoogleClientID string `env:"GOOGLE_CLIENT_ID,required,notEmpty"`
	AppleClientID  string `env:"APPLE_CLIENT_ID,required,notEmpty"`

	// Tokens
	AccessTokenTTL       time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"15m"`
	RefreshTokenTTL      time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"720h"`
	VerificationTokenTTL time.Duration `env:"VERIFICATION_TOKEN_TTL" envDefault:"24h"`
	ResetTokenTTL        time.Duration `env:"RESET_TOKEN_TTL" envDefault:"1h"`

	// Lockout
	LockoutThreshold int           `env:"LOCKOUT_THRESHOLD" envDefault:"5"`
	LockoutDuration  time.Duration `env:"LOCKOUT_DURATION" envDefault:"15m"`

	// Password policy
	PasswordMinLength      int  `env:"PASSWORD_MIN_LENGTH" envDefault:"12"`
	PasswordRequireUpper   bool `env:"PASSWORD_REQUIRE_UPPER" envDefault:"true"`
	PasswordRequireLower   bool `env:"PASSWORD_REQUIRE_LOWER" envDefault:"true"`
	PasswordRequireDigit   bool `env:"PASSWORD_REQUIRE_DIGIT" envDefault:"true"`
	PasswordRequireSpecial bool `env:"PASSWORD_REQUIRE_SPECIAL" envDefault:"true"`
	BcryptCost             int  `env:"BCRYPT_COST" envDefault:"12"`

	// CSRF
	CSRFCookieName string        `env:"CSRF_COOKIE_NAME" envDefault:"csrf_token"`
	CSRFCookieTTL  time.Duration `env:"CSRF_COOKIE_TTL" envDefault:"24h"`
	CSRFSkipPaths  []string      `env:"CSRF_SKIP_PATHS" envDefault:"/auth/google,/auth/apple,/webhooks,/health" envSeparator:","`

	// Request signing
	SignatureMaxSkew time.Duration `env:"SIGNATURE_MAX_SKEW" envDefault:"5m"`
	SignedRoutes     []string      `env:"SIGNED_ROUTES" envDefault:"/auth/account" envSeparator:","`

	// Rate Limit
	RateLimitAuthMax             int           `env:"RATE_LIMIT_AUTH_MAX" envDefault:"10"`
	RateLimitAuthWindow          time.Duration `env:"RATE_LIMIT_AUTH_WINDOW" envDefault:"15m"`
	RateLimitGeneralMax          int           `env:"RATE_LIMIT_GENERAL_MAX" envDefault:"120"`
	RateLimitGeneralWindow       time.Duration `env:"RATE_LIMIT_GENERAL_WINDOW" envDefault:"1m"`
	RateLimitSensitiveMax        int           `env:"RATE_LIMIT_SENSITIVE_MAX" envDefault:"5"`
	RateLimitSensitiveWindow     time.Duration `env:"RATE_LIMIT_SENSITIVE_WINDOW" envDefault:"1h"`
	RateLimitPasswordResetMax    int           `env:"RATE_LIMIT_PASSWORD_RESET_MAX" envDefault:"3"`
	RateLimitPasswordResetWindow time.Duration `env:"RATE_LIMIT_PASSWORD_RESET_WINDOW" envDefault:"1h"`
	RateLimitUserMax             int           `env:"RATE_LIMIT_USER_MAX" envDefault:"300"`
	RateLimitUserWindow          time.Duration `env:"RATE_LIMIT_USER_WINDOW" envDefault:"1m"`

	// Timeouts / jobs
	DependencyTimeout time.Duration `env:"DEPENDENCY_TIMEOUT" envDefault:"5s"`
	CleanupInterval   time.Duration `env:"CLEANUP_INTERVAL" envDefault:"24h"`

	// Mail（SMTP_HOSTが空の場合はログ出力のみ）
	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	MailFrom     string `env:"MAIL_FROM"`

	// Cookie
	CookieDomain string `env:"COOKIE_DOMAIN"`
	CookieSecure bool   `env:"-"`

	// CORS
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN" envDefault:"http://localhost:3000"`
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合は、未設定の変数名をすべて列挙したエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		if missing := missingVars(err); len(missing) > 0 {
			return nil, fmt.Errorf("required environment variables are not set: %v", missing)
		}
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate は値の範囲と秘密鍵の長さを検証する。
func (c *Config) validate() error {
	secrets := map[string]string{
		"JWT_SECRET":              c.JWTSecret,
		"REQUEST_SIGNING_SECRET":  c.RequestSigningSecret,
		"INTERNAL_SIGNING_SECRET": c.InternalSigningSecret,
	}
	var short []string
	for _, name := range []string{"JWT_SECRET", "REQUEST_SIGNING_SECRET", "INTERNAL_SIGNING_SECRET"} {
		if len(secrets[name]) < minSecretLength {
			short = append(short, name)
		}
	}
	if len(short) > 0 {
		return fmt.Errorf("secrets must be at least %d bytes: %v", minSecretLength, short)
	}
	if c.RequestSigningSecret == c.InternalSigningSecret {
		return errors.New("REQUEST_SIGNING_SECRET and INTERNAL_SIGNING_SECRET must differ")
	}

	if c.AccessTokenTTL <= 0 || c.AccessTokenTTL > time.Hour {
		return fmt.Errorf("ACCESS_TOKEN_TTL must be within (0, 1h], got %s", c.AccessTokenTTL)
	}
	if c.RefreshTokenTTL < 24*time.Hour {
		return fmt.Errorf("REFRESH_TOKEN_TTL must be at least 24h, got %s", c.RefreshTokenTTL)
	}
	if c.SMTPHost != "" && c.MailFrom == "" {
		return errors.New("MAIL_FROM is required when SMTP_HOST is set")
	}

	if c.LockoutThreshold < 1 {
		return fmt.Errorf("LOCKOUT_THRESHOLD must be positive, got %d", c.LockoutThreshold)
	}
	if c.LockoutDuration <= 0 {
		return fmt.Errorf("LOCKOUT_DURATION must be positive, got %s", c.LockoutDuration)
	}
	if c.PasswordMinLength < 8 {
		return fmt.Errorf("PASSWORD_MIN_LENGTH must be at least 8, got %d", c.PasswordMinLength)
	}
	if c.SignatureMaxSkew <= 0 {
		return fmt.Errorf("SIGNATURE_MAX_SKEW must be positive, got %s", c.SignatureMaxSkew)
	}
	if c.DependencyTimeout <= 0 {
		return fmt.Errorf("DEPENDENCY_TIMEOUT must be positive, got %s", c.DependencyTimeout)
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("CLEANUP_INTERVAL must be positive, got %s", c.CleanupInterval)
	}

	return nil
}

// missingVars はenvのパースエラーから未設定・空の必須変数名を取り出す。
func missingVars(err error) []string {
	var agg env.AggregateError
	if !errors.As(err, &agg) {
		return nil
	}

	var missing []string
	for _, e := range agg.Errors {
		var notSet env.VarIsNotSetError
		var empty env.EmptyVarError
		switch {
		case errors.As(e, &notSet):
			missing = append(missing, notSet.Key)
		case errors.As(e, &empty):
			missing = append(missing, empty.Key)
		}
	}
	return missing
}
