package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/matchauth/internal/metrics"
	"github.com/hitoshi/matchauth/internal/middleware"
	"github.com/hitoshi/matchauth/internal/ratelimit"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger  *slog.Logger
	Metrics metrics.MetricsCollector
	// MetricsHandler がnilの場合は/metricsを公開しない。
	MetricsHandler http.Handler

	// ミドルウェア依存
	CORSAllowedOrigin string
	AccessVerifier    middleware.AccessTokenVerifier
	CSRF              middleware.CSRFConfig
	Signature         middleware.SignatureConfig
	InternalSignature middleware.SignatureConfig
	Limiters          *ratelimit.Set

	// サービス
	AuthService    AuthServiceInterface
	UserService    UserServiceInterface
	HealthChecker  HealthChecker
	SessionRevoker SessionRevoker
	// DependencyTimeout は内部APIからのストア呼び出しの上限時間。
	DependencyTimeout time.Duration
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// グローバルミドルウェアの実行順序:
//
//	RealIP → RequestContext → Recovery → Logging → SecurityHeaders → CORS
//
// 公開APIの各ルートグループは 用途別レート制限 → CSRF → Signature の順に通す。
// 認証必須グループのuserリミッターはユーザーIDで数えるため、
// JWT → レート制限 → CSRF → Signature の順になる。
// /internal 配下は内部署名のみで保護する。
func NewRouter(deps *RouterDeps) http.Handler {
	m := deps.Metrics
	if m == nil {
		m = metrics.Nop{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	csrfConfig := deps.CSRF
	csrfConfig.BearerVerifier = deps.AccessVerifier
	csrfConfig.Metrics = m
	signatureConfig := deps.Signature
	signatureConfig.Metrics = m
	signatureConfig.Logger = logger
	internalConfig := deps.InternalSignature
	internalConfig.Metrics = m
	internalConfig.Logger = logger

	authHandler := NewAuthHandler(deps.AuthService)
	userHandler := NewUserHandler(deps.UserService)
	systemHandler := NewSystemHandler(deps.HealthChecker, deps.SessionRevoker, deps.DependencyTimeout, logger)

	limit := func(l *ratelimit.Limiter) func(http.Handler) http.Handler {
		return middleware.NewRateLimitMiddleware(l, m)
	}
	jwtAuth := middleware.NewJWTAuthMiddleware(deps.AccessVerifier, m)
	csrf := middleware.NewCSRFMiddleware(csrfConfig)
	signature := middleware.NewSignatureMiddleware(signatureConfig)

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.NewRequestContextMiddleware())
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger, m))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	// --- 運用系 ---
	r.Get("/health", systemHandler.Health)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// --- 内部サービス向け ---
	r.Route("/internal", func(r chi.Router) {
		r.Use(middleware.NewInternalSignatureMiddleware(internalConfig))
		r.Post("/users/{id}/revoke-sessions", systemHandler.RevokeSessions)
	})

	// --- 公開API ---
	r.Route("/auth", func(r chi.Router) {
		// ログイン・登録（authリミッター）
		r.Group(func(r chi.Router) {
			r.Use(limit(deps.Limiters.Auth), csrf, signature)
			r.Post("/email/login", authHandler.Login)
			r.Post("/email/register", authHandler.Register)
			r.Post("/google", authHandler.Google)
			r.Post("/apple", authHandler.Apple)
		})

		// パスワードリセット（password_resetリミッター）
		r.Group(func(r chi.Router) {
			r.Use(limit(deps.Limiters.PasswordReset), csrf, signature)
			r.Post("/email/forgot", authHandler.ForgotPassword)
			r.Post("/email/reset", authHandler.ResetPassword)
		})

		// トークン操作（generalリミッター）
		r.Group(func(r chi.Router) {
			r.Use(limit(deps.Limiters.General), csrf, signature)
			r.Get("/csrf-token", middleware.NewCSRFTokenHandler(csrfConfig).ServeHTTP)
			r.Get("/email/verify", authHandler.VerifyEmail)
			r.Post("/refresh", authHandler.Refresh)
			r.Post("/logout", authHandler.Logout)
		})

		// 認証必須（JWT → userリミッター）
		r.Group(func(r chi.Router) {
			r.Use(jwtAuth, limit(deps.Limiters.User), csrf, signature)
			r.Get("/me", userHandler.Me)
			r.Post("/logout-all", authHandler.LogoutAll)
		})

		// 退会（JWT → userリミッター → sensitiveリミッター）
		r.Group(func(r chi.Router) {
			r.Use(jwtAuth, limit(deps.Limiters.User), limit(deps.Limiters.Sensitive), csrf, signature)
			r.Delete("/account", userHandler.Withdraw)
		})
	})

	return r
}
