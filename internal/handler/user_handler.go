package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/matchauth/internal/middleware"
	"github.com/hitoshi/matchauth/internal/user"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	// Profile は認証済みユーザーのプロフィールを返す。
	Profile(ctx context.Context, userID string) (*user.Profile, error)
	// Withdraw はユーザーの退会処理を実行する。
	// 全セッションを失効させた後、users行を削除する（資格情報とトークンはCASCADE削除）。
	Withdraw(ctx context.Context, userID string) error
}

// UserHandler はユーザー管理のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface) *UserHandler {
	return &UserHandler{
		service: service,
	}
}

type profileResponse struct {
	Success       bool   `json:"success"`
	UserID        string `json:"userId"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"emailVerified"`
	Provider      string `json:"provider"`
	IDVerified    bool   `json:"idVerified"`
}

// Me は認証済みユーザー自身のプロフィールを返す。
// GET /auth/me
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w, r)
		return
	}

	p, err := h.service.Profile(r.Context(), userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, profileResponse{
		Success:       true,
		UserID:        p.UserID,
		Email:         p.Email,
		EmailVerified: p.EmailVerified,
		Provider:      p.Provider,
		IDVerified:    p.IDVerified,
	})
}

// Withdraw はユーザーの退会処理を実行する。
// DELETE /auth/account
func (h *UserHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w, r)
		return
	}

	if err := h.service.Withdraw(r.Context(), userID); err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, successResponse{Success: true})
}
