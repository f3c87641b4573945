package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/matchauth/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Success           bool   `json:"success"`
	Code              string `json:"code"`
	Message           string `json:"message"`
	Category          string `json:"category"`
	Action            string `json:"action"`
	RetryAfter        int    `json:"retryAfter,omitempty"`
	AttemptsRemaining *int   `json:"attemptsRemaining,omitempty"`
	RequestID         string `json:"requestId,omitempty"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// ステータスはapiErr.Statusを使い、423/429ではRetry-Afterヘッダーを付与する。
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, apiErr *model.APIError) {
	status := apiErr.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}

	body := ErrorResponseBody{
		Code:              apiErr.Code,
		Message:           apiErr.Message,
		Category:          apiErr.Category,
		Action:            apiErr.Action,
		AttemptsRemaining: apiErr.Remaining,
		RequestID:         RequestIDFromContext(r.Context()),
	}
	if apiErr.RetryAfter > 0 {
		body.RetryAfter = retryAfterSeconds(apiErr.RetryAfter)
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfter))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// WriteError はerrをレスポンスに変換する。
// 依存先のタイムアウトは503、それ以外のAPIError以外のエラーは
// 内部詳細をログのみに記録し、汎用の500を返す。
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		WriteErrorResponse(w, r, apiErr)
		return
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		slog.WarnContext(r.Context(), "dependency timeout",
			slog.String("request_id", RequestIDFromContext(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, model.NewDependencyError())
		return
	}

	slog.ErrorContext(r.Context(), "unhandled error",
		slog.String("request_id", RequestIDFromContext(r.Context())),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	WriteInternalServerError(w, r)
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージとリクエストIDを返す。
func WriteInternalServerError(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, &model.APIError{
		Code:     model.ErrCodeInternal,
		Message:  "An internal error occurred.",
		Category: "system",
		Action:   "Please try again later.",
		Status:   http.StatusInternalServerError,
	})
}

// retryAfterSeconds は秒単位に切り上げる。最小1秒。
func retryAfterSeconds(d time.Duration) int {
	sec := int(math.Ceil(d.Seconds()))
	if sec < 1 {
		sec = 1
	}
	return sec
}
