package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/matchauth/internal/model"
)

// HealthChecker はDB疎通確認のインターフェース。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// SessionRevoker は内部APIから全セッションを失効させるためのインターフェース。
type SessionRevoker interface {
	RevokeAllForUser(ctx context.Context, userID string) (int64, error)
}

// SystemHandler はヘルスチェックと内部サービス向けAPIのハンドラー。
type SystemHandler struct {
	health   HealthChecker
	sessions SessionRevoker
	timeout  time.Duration
	logger   *slog.Logger
}

// NewSystemHandler はSystemHandlerを生成する。
// timeoutが0以下の場合、セッション失効の呼び出しに上限を設けない。
func NewSystemHandler(health HealthChecker, sessions SessionRevoker, timeout time.Duration, logger *slog.Logger) *SystemHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SystemHandler{health: health, sessions: sessions, timeout: timeout, logger: logger}
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

// Health はDB疎通を確認する。
// GET /health
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.health.PingContext(r.Context()); err != nil {
		h.logger.Error("health check failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Database: "down"})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Database: "up"})
}

type revokeSessionsResponse struct {
	Success bool  `json:"success"`
	Revoked int64 `json:"revoked"`
}

// RevokeSessions は指定ユーザーの全リフレッシュトークンを失効させる。
// モデレーション等の内部サービスから署名付きで呼ばれる。
// POST /internal/users/{id}/revoke-sessions
func (h *SystemHandler) RevokeSessions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if userID == "" {
		handleServiceError(w, r, model.NewValidationError("User ID is required"))
		return
	}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	n, err := h.sessions.RevokeAllForUser(ctx, userID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			h.logger.Warn("session revocation timed out", slog.String("user_id", userID))
			handleServiceError(w, r, model.NewDependencyError())
			return
		}
		handleServiceError(w, r, err)
		return
	}

	h.logger.Info("sessions revoked by internal request",
		slog.String("user_id", userID),
		slog.Int64("revoked", n),
	)
	writeJSON(w, http.StatusOK, revokeSessionsResponse{Success: true, Revoked: n})
}
