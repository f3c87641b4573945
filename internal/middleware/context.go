// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"regexp"

	"github.com/google/uuid"
	"github.com/hitoshi/matchauth/internal/model"
)

const requestIDHeader = "X-Request-ID"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// requestContextKey はリクエストコンテキストにRequestContextを格納するためのキー。
var requestContextKey = contextKey("request_context")

// validRequestID はクライアント指定のリクエストIDとして受け入れる形式。
var validRequestID = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// RequestContext はミドルウェアチェーンを通して引き回すリクエスト単位の情報。
// 値として扱い、更新時は複製した上で新しいコンテキストに格納する。
type RequestContext struct {
	RequestID string
	Claims    *model.Claims
}

// NewRequestContextMiddleware はリクエストIDを採番し、RequestContextを注入するミドルウェアを返す。
// X-Request-IDが妥当な形式であればそれを引き継ぎ、そうでなければUUIDを生成する。
func NewRequestContextMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(requestIDHeader)
			if !validRequestID.MatchString(id) {
				id = uuid.NewString()
			}
			w.Header().Set(requestIDHeader, id)

			ctx := context.WithValue(r.Context(), requestContextKey, RequestContext{RequestID: id})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requestContext はコンテキストからRequestContextを取得する。未設定の場合はゼロ値。
func requestContext(ctx context.Context) RequestContext {
	rc, _ := ctx.Value(requestContextKey).(RequestContext)
	return rc
}

// RequestIDFromContext はリクエストIDを返す。未設定の場合は空文字列。
func RequestIDFromContext(ctx context.Context) string {
	return requestContext(ctx).RequestID
}

// ContextWithClaims は認証済みクレームを持つ新しいコンテキストを返す。
func ContextWithClaims(ctx context.Context, claims *model.Claims) context.Context {
	rc := requestContext(ctx)
	rc.Claims = claims
	return context.WithValue(ctx, requestContextKey, rc)
}

// ClaimsFromContext はJWT認証ミドルウェアが注入したクレームを返す。
func ClaimsFromContext(ctx context.Context) (*model.Claims, bool) {
	claims := requestContext(ctx).Claims
	return claims, claims != nil
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// JWT認証ミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	claims, ok := ClaimsFromContext(ctx)
	if !ok || claims.UserID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return claims.UserID, nil
}

// ContextWithUserID はコンテキストにユーザーIDのみのクレームを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return ContextWithClaims(ctx, &model.Claims{UserID: userID})
}
