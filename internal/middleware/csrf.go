package middleware

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/matchauth/internal/metrics"
	"github.com/hitoshi/matchauth/internal/model"
)

// csrfHeaderName はリクエストヘッダーからCSRFトークンを読み取る際のヘッダー名。
const csrfHeaderName = "X-CSRF-Token"

// CSRFConfig はCSRFミドルウェアの設定。
type CSRFConfig struct {
	// CookieName はCSRFトークンを保持するCookieの名前。
	// フロントエンドからJavaScriptで読み取れるよう、HttpOnlyではない。
	CookieName   string
	CookieTTL    time.Duration
	CookieSecure bool
	CookieDomain string

	// SkipPaths は検証を行わないパスの接頭辞（OAuthコールバック、Webhook、ヘルスチェック）。
	SkipPaths []string

	// BearerVerifier が設定されている場合、有効なBearerトークンを持つリクエストは検証をスキップする。
	BearerVerifier AccessTokenVerifier

	Metrics metrics.MetricsCollector
}

func (c CSRFConfig) cookieName() string {
	if c.CookieName == "" {
		return "csrf_token"
	}
	return c.CookieName
}

func (c CSRFConfig) maxAge() int {
	if c.CookieTTL <= 0 {
		return 86400 // 24時間
	}
	return int(c.CookieTTL.Seconds())
}

// NewCSRFMiddleware はダブルサブミットCookie方式のCSRF検証ミドルウェアを返す。
// 安全なメソッド（GET, HEAD, OPTIONS）はトークン検証をスキップし、
// CSRFトークンCookieを設定する。
// 状態変更メソッドはCookieとX-CSRF-Tokenヘッダーの一致を必須とする。
func NewCSRFMiddleware(config CSRFConfig) func(next http.Handler) http.Handler {
	if config.Metrics == nil {
		config.Metrics = metrics.Nop{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 安全なメソッドはトークン検証をスキップ
			if isSafeMethod(r.Method) {
				// CSRFトークンCookieが未設定の場合は設定する
				ensureCSRFCookie(w, r, config)
				next.ServeHTTP(w, r)
				return
			}

			if skipCSRF(r, config) {
				next.ServeHTTP(w, r)
				return
			}

			// 状態変更メソッド: CSRFトークンを検証
			reject := func(code, reason string) {
				slog.WarnContext(r.Context(), "CSRF validation failed: "+reason,
					slog.String("request_id", RequestIDFromContext(r.Context())),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				config.Metrics.RecordEdgeRejection("csrf", code)
				WriteErrorResponse(w, r, model.NewCSRFError(code))
			}

			cookieToken, err := r.Cookie(config.cookieName())
			if err != nil || cookieToken.Value == "" {
				reject(model.ErrCodeCSRFMissingCookie, "missing cookie token")
				return
			}

			headerToken := r.Header.Get(csrfHeaderName)
			if headerToken == "" {
				reject(model.ErrCodeCSRFMissingHeader, "missing header token")
				return
			}

			if subtle.ConstantTimeCompare([]byte(cookieToken.Value), []byte(headerToken)) != 1 {
				reject(model.ErrCodeCSRFMismatch, "token mismatch")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// skipCSRF は設定済みパスまたは有効なBearer認証のリクエストかどうかを判定する。
// モバイルクライアントはCookieを使わないため、Bearer認証にはCSRFが成立しない。
func skipCSRF(r *http.Request, config CSRFConfig) bool {
	for _, prefix := range config.SkipPaths {
		if prefix != "" && strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}

	tok, present := bearerToken(r)
	if !present || tok == "" {
		return false
	}
	if config.BearerVerifier == nil {
		return true
	}
	_, err := config.BearerVerifier.Verify(tok)
	return err == nil
}

// NewCSRFTokenHandler はCSRFトークン取得エンドポイントのハンドラーを返す。
// GET /auth/csrf-token
// 既存のCSRFトークンCookieがある場合はそれを返し、なければ新規生成する。
func NewCSRFTokenHandler(config CSRFConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var token string

		// 既存のCSRFトークンCookieを確認
		cookie, err := r.Cookie(config.cookieName())
		if err == nil && cookie.Value != "" {
			token = cookie.Value
		} else {
			// 新規トークンを生成
			token, err = generateCSRFToken()
			if err != nil {
				slog.ErrorContext(r.Context(), "failed to generate CSRF token", slog.String("error", err.Error()))
				WriteInternalServerError(w, r)
				return
			}
			setCSRFCookie(w, token, config)
		}

		// JSONでトークンを返す
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"success":   true,
			"csrfToken": token,
		})
	})
}

// isSafeMethod はHTTPメソッドが安全（読み取り専用）かどうかを判定する。
func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// ensureCSRFCookie はCSRFトークンCookieが未設定の場合に設定する。
func ensureCSRFCookie(w http.ResponseWriter, r *http.Request, config CSRFConfig) {
	if _, err := r.Cookie(config.cookieName()); err == nil {
		// 既にCookieが設定されている
		return
	}

	token, err := generateCSRFToken()
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to generate CSRF token", slog.String("error", err.Error()))
		return
	}
	setCSRFCookie(w, token, config)
}

func setCSRFCookie(w http.ResponseWriter, token string, config CSRFConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     config.cookieName(),
		Value:    token,
		Path:     "/",
		Domain:   config.CookieDomain,
		MaxAge:   config.maxAge(),
		HttpOnly: false, // フロントエンドから読み取り可能
		Secure:   config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// generateCSRFToken は暗号的に安全なCSRFトークンを生成する。
func generateCSRFToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
