package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/matchauth/internal/metrics"
	"github.com/hitoshi/matchauth/internal/model"
	"github.com/hitoshi/matchauth/internal/token"
)

// AccessTokenVerifier はアクセストークンを検証するインターフェース。
// token.AccessCodecの部分集合として定義する。
type AccessTokenVerifier interface {
	Verify(tokenStr string) (*model.Claims, error)
}

// bearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
// present はヘッダー自体が存在するかどうか。
func bearerToken(r *http.Request) (tok string, present bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", true
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")), true
}

// NewJWTAuthMiddleware はBearerトークンを検証し、クレームをコンテキストに注入するミドルウェアを返す。
// ヘッダー欠落・形式不正はAUTH_005、期限切れはAUTH_003、それ以外の検証失敗はAUTH_004。
func NewJWTAuthMiddleware(verifier AccessTokenVerifier, m metrics.MetricsCollector) func(next http.Handler) http.Handler {
	if m == nil {
		m = metrics.Nop{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok, present := bearerToken(r)
			if !present {
				WriteErrorResponse(w, r, model.NewMissingAuthHeaderError("No authorization header"))
				return
			}
			if tok == "" {
				WriteErrorResponse(w, r, model.NewMissingAuthHeaderError("Malformed authorization header"))
				return
			}

			claims, err := verifier.Verify(tok)
			if err != nil {
				apiErr := model.NewTokenInvalidError()
				if errors.Is(err, token.ErrTokenExpired) {
					apiErr = model.NewTokenExpiredError()
				}
				m.RecordEdgeRejection("jwt", apiErr.Code)
				slog.DebugContext(r.Context(), "access token rejected",
					slog.String("request_id", RequestIDFromContext(r.Context())),
					slog.String("error", err.Error()),
				)
				WriteErrorResponse(w, r, apiErr)
				return
			}

			noteUserID(r.Context(), claims.UserID)
			next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
		})
	}
}
