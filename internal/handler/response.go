package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/matchauth/internal/middleware"
	"github.com/hitoshi/matchauth/internal/model"
)

// maxRequestBodySize はJSONリクエストボディの上限バイト数。
const maxRequestBodySize = 64 << 10

// maxDeviceInfoLength はrefresh_tokens.device_infoに保存するUser-Agentの最大長。
const maxDeviceInfoLength = 255

// successResponse は本文を持たない成功レスポンス。
type successResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// decodeJSON はリクエストボディをdstにデコードする。
// 不正なJSONはAUTH_001として返す。
func decodeJSON(r *http.Request, dst any) error {
	body := http.MaxBytesReader(nil, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return model.NewValidationError("Request body is required")
		}
		return model.NewValidationError("Request body is not valid JSON")
	}
	return nil
}

// handleServiceError はサービス層のエラーを統一フォーマットで書き込む。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	middleware.WriteError(w, r, err)
}

// writeUnauthorized は認証コンテキストを欠くリクエストに401を返す。
// 通常はJWT認証ミドルウェアが先に弾くため到達しない。
func writeUnauthorized(w http.ResponseWriter, r *http.Request) {
	middleware.WriteErrorResponse(w, r, model.NewMissingAuthHeaderError("No authorization header"))
}
