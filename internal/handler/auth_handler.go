// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/matchauth/internal/auth"
	"github.com/hitoshi/matchauth/internal/middleware"
	"github.com/hitoshi/matchauth/internal/session"
)

// アカウントの存在有無で変化させない固定応答文。
const (
	registerAcceptedMessage = "If the email address is valid, a verification link has been sent. Please check your inbox."
	forgotAcceptedMessage   = "If an account exists for this email address, a password reset link has been sent."
	passwordResetMessage    = "Your password has been reset. Please log in again."
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	LoginWithPassword(ctx context.Context, email, password string, client session.Client) (*auth.LoginResult, error)
	LoginWithGoogle(ctx context.Context, idToken string, client session.Client) (*auth.LoginResult, error)
	LoginWithApple(ctx context.Context, identityToken, nonce string, client session.Client) (*auth.LoginResult, error)
	Register(ctx context.Context, email, password string) error
	VerifyEmail(ctx context.Context, rawToken string, client session.Client) (*auth.LoginResult, error)
	ForgotPassword(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, rawToken, newPassword string) error
	Refresh(ctx context.Context, refreshToken string, client session.Client) (*session.TokenPair, error)
	Logout(ctx context.Context, refreshToken string)
	LogoutAll(ctx context.Context, userID string) error
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface) *AuthHandler {
	return &AuthHandler{service: service}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type googleRequest struct {
	IDToken string `json:"idToken"`
}

type appleRequest struct {
	IdentityToken string `json:"identityToken"`
	Nonce         string `json:"nonce"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type resetRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// loginResponse はログイン成功時のレスポンス。
// tokenはaccessTokenと同じ値で、旧クライアント向けに残している。
type loginResponse struct {
	Success      bool   `json:"success"`
	Token        string `json:"token"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
	UserID       string `json:"userId"`
	Provider     string `json:"provider"`
	Email        string `json:"email,omitempty"`
	IsNewUser    bool   `json:"isNewUser"`
}

type refreshResponse struct {
	Success      bool   `json:"success"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// clientFromRequest はリフレッシュトークンに記録する端末情報を取り出す。
func clientFromRequest(r *http.Request) session.Client {
	ua := r.UserAgent()
	if len(ua) > maxDeviceInfoLength {
		ua = ua[:maxDeviceInfoLength]
	}
	return session.Client{
		DeviceInfo: ua,
		IPAddress:  middleware.ClientIP(r),
	}
}

func writeLogin(w http.ResponseWriter, res *auth.LoginResult) {
	writeJSON(w, http.StatusOK, loginResponse{
		Success:      true,
		Token:        res.Tokens.AccessToken,
		AccessToken:  res.Tokens.AccessToken,
		RefreshToken: res.Tokens.RefreshToken,
		ExpiresIn:    res.Tokens.ExpiresIn,
		UserID:       res.UserID,
		Provider:     res.Provider,
		Email:        res.Email,
		IsNewUser:    res.IsNewUser,
	})
}

// Login はメールアドレスとパスワードでログインする。
// POST /auth/email/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		handleServiceError(w, r, err)
		return
	}

	res, err := h.service.LoginWithPassword(r.Context(), req.Email, req.Password, clientFromRequest(r))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeLogin(w, res)
}

// Register はメールアドレスでアカウントを登録する。
// 既存アドレスでも同じ応答を返す。
// POST /auth/email/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		handleServiceError(w, r, err)
		return
	}

	if err := h.service.Register(r.Context(), req.Email, req.Password); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true, Message: registerAcceptedMessage})
}

// VerifyEmail はメール確認トークンを消費してログインさせる。
// GET /auth/email/verify?token=...
func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.VerifyEmail(r.Context(), r.URL.Query().Get("token"), clientFromRequest(r))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeLogin(w, res)
}

// ForgotPassword はパスワードリセットメールを送信する。
// アカウントの有無にかかわらず常に同じ200応答を返す。
// POST /auth/email/forgot
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(r, &req); err != nil {
		handleServiceError(w, r, err)
		return
	}

	if err := h.service.ForgotPassword(r.Context(), req.Email); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true, Message: forgotAcceptedMessage})
}

// ResetPassword はリセットトークンで新しいパスワードを設定する。
// POST /auth/email/reset
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decodeJSON(r, &req); err != nil {
		handleServiceError(w, r, err)
		return
	}

	if err := h.service.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true, Message: passwordResetMessage})
}

// Google はGoogleのIDトークンでログインする。
// POST /auth/google
func (h *AuthHandler) Google(w http.ResponseWriter, r *http.Request) {
	var req googleRequest
	if err := decodeJSON(r, &req); err != nil {
		handleServiceError(w, r, err)
		return
	}

	res, err := h.service.LoginWithGoogle(r.Context(), req.IDToken, clientFromRequest(r))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeLogin(w, res)
}

// Apple はAppleのidentity tokenでログインする。
// POST /auth/apple
func (h *AuthHandler) Apple(w http.ResponseWriter, r *http.Request) {
	var req appleRequest
	if err := decodeJSON(r, &req); err != nil {
		handleServiceError(w, r, err)
		return
	}

	res, err := h.service.LoginWithApple(r.Context(), req.IdentityToken, req.Nonce, clientFromRequest(r))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeLogin(w, res)
}

// Refresh はリフレッシュトークンをローテーションする。
// POST /auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		handleServiceError(w, r, err)
		return
	}

	pair, err := h.service.Refresh(r.Context(), req.RefreshToken, clientFromRequest(r))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, refreshResponse{
		Success:      true,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
	})
}

// Logout はリフレッシュトークンを失効させる。
// ボディが無い・不正な場合も含め常に200を返す。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err == nil && req.RefreshToken != "" {
		h.service.Logout(r.Context(), req.RefreshToken)
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// LogoutAll は呼び出し元ユーザーの全セッションを失効させる。
// POST /auth/logout-all
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w, r)
		return
	}

	if err := h.service.LogoutAll(r.Context(), userID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}
