package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/matchauth/internal/model"
	"github.com/hitoshi/matchauth/internal/user"
)

// --- モック定義 ---

// mockUserService はUserServiceInterfaceのモック実装。
type mockUserService struct {
	profileFn  func(ctx context.Context, userID string) (*user.Profile, error)
	withdrawFn func(ctx context.Context, userID string) error
}

func (m *mockUserService) Profile(ctx context.Context, userID string) (*user.Profile, error) {
	if m.profileFn != nil {
		return m.profileFn(ctx, userID)
	}
	return &user.Profile{UserID: userID, Provider: model.ProviderEmail}, nil
}

func (m *mockUserService) Withdraw(ctx context.Context, userID string) error {
	if m.withdrawFn != nil {
		return m.withdrawFn(ctx, userID)
	}
	return nil
}

// compile-time interface check
var _ UserServiceInterface = (*mockUserService)(nil)
var _ UserServiceInterface = (*user.Service)(nil)

// --- GET /auth/me テスト ---

func TestUserHandler_Me_Success(t *testing.T) {
	svc := &mockUserService{
		profileFn: func(ctx context.Context, userID string) (*user.Profile, error) {
			return &user.Profile{
				UserID:        userID,
				Email:         "alice@example.com",
				EmailVerified: true,
				Provider:      model.ProviderEmail,
			}, nil
		},
	}
	h := NewUserHandler(svc)

	req := withUserID(httptest.NewRequest(http.MethodGet, "/auth/me", nil), "user-123")
	w := httptest.NewRecorder()
	h.Me(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decodeBody(t, w)
	if body["userId"] != "user-123" || body["email"] != "alice@example.com" || body["emailVerified"] != true {
		t.Errorf("body = %v", body)
	}
}

func TestUserHandler_Me_UserDeleted(t *testing.T) {
	svc := &mockUserService{
		profileFn: func(ctx context.Context, userID string) (*user.Profile, error) {
			return nil, model.NewUserNotFoundError()
		},
	}
	req := withUserID(httptest.NewRequest(http.MethodGet, "/auth/me", nil), "gone")
	w := httptest.NewRecorder()
	NewUserHandler(svc).Me(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

// --- DELETE /auth/account テスト ---

func TestUserHandler_Withdraw_Success(t *testing.T) {
	withdrawCalled := false
	svc := &mockUserService{
		withdrawFn: func(ctx context.Context, userID string) error {
			withdrawCalled = true
			if userID != "user-123" {
				t.Errorf("userID = %q, want %q", userID, "user-123")
			}
			return nil
		},
	}

	h := NewUserHandler(svc)

	req := httptest.NewRequest(http.MethodDelete, "/auth/account", nil)
	req = withUserID(req, "user-123")
	w := httptest.NewRecorder()

	h.Withdraw(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !withdrawCalled {
		t.Error("expected Withdraw to be called")
	}
}

func TestUserHandler_Withdraw_NoUserID_ReturnsUnauthorized(t *testing.T) {
	withdrawCalled := false
	svc := &mockUserService{
		withdrawFn: func(ctx context.Context, userID string) error {
			withdrawCalled = true
			return nil
		},
	}
	h := NewUserHandler(svc)

	w := httptest.NewRecorder()
	h.Withdraw(w, httptest.NewRequest(http.MethodDelete, "/auth/account", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if withdrawCalled {
		t.Error("Withdraw should not be called without a user")
	}
}

func TestUserHandler_Withdraw_ServiceError(t *testing.T) {
	svc := &mockUserService{
		withdrawFn: func(ctx context.Context, userID string) error {
			return errors.New("セッションの失効に失敗しました")
		},
	}
	req := withUserID(httptest.NewRequest(http.MethodDelete, "/auth/account", nil), "user-123")
	w := httptest.NewRecorder()
	NewUserHandler(svc).Withdraw(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}
