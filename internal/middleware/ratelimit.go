package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/hitoshi/matchauth/internal/metrics"
	"github.com/hitoshi/matchauth/internal/model"
	"github.com/hitoshi/matchauth/internal/ratelimit"
)

// NewRateLimitMiddleware は指定リミッターでリクエスト数を制限するミドルウェアを返す。
// JWT認証ミドルウェアの後に配置した場合はユーザーID、そうでなければクライアントIPで数える。
func NewRateLimitMiddleware(limiter *ratelimit.Limiter, m metrics.MetricsCollector) func(next http.Handler) http.Handler {
	if m == nil {
		m = metrics.Nop{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var userID string
			if claims, ok := ClaimsFromContext(r.Context()); ok {
				userID = claims.UserID
			}

			res := limiter.Allow(r.Context(), userID, ClientIP(r))

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))

			if !res.Allowed {
				m.RecordRateLimited(limiter.Name())
				slog.WarnContext(r.Context(), "rate limit exceeded",
					slog.String("request_id", RequestIDFromContext(r.Context())),
					slog.String("limit_type", limiter.Name()),
					slog.String("key", res.Key),
				)
				WriteErrorResponse(w, r, model.NewRateLimitError(res.RetryAfter))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP はRemoteAddrからホスト部を返す。
// プロキシ配下ではchiのRealIPミドルウェアでRemoteAddrを書き換えておく。
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
