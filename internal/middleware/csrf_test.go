package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/matchauth/internal/model"
)

const testCSRFCookie = "csrf_token"

type mockAccessVerifier struct {
	verifyFn func(tokenStr string) (*model.Claims, error)
}

func (m *mockAccessVerifier) Verify(tokenStr string) (*model.Claims, error) {
	return m.verifyFn(tokenStr)
}

// compile-time interface check
var _ AccessTokenVerifier = (*mockAccessVerifier)(nil)

func acceptToken(valid string) *mockAccessVerifier {
	return &mockAccessVerifier{verifyFn: func(tok string) (*model.Claims, error) {
		if tok != valid {
			return nil, errors.New("invalid")
		}
		return &model.Claims{UserID: "email_1", Provider: model.ProviderEmail}, nil
	}}
}

func newCSRFHandler(t *testing.T, config CSRFConfig) (http.Handler, *bool) {
	t.Helper()
	called := false
	h := NewCSRFMiddleware(config)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	return h, &called
}

func decodeErrorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body.Code
}

func TestCSRFMiddleware_SafeMethods_PassThroughWithoutToken(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		t.Run(method, func(t *testing.T) {
			handler, called := newCSRFHandler(t, CSRFConfig{})

			req := httptest.NewRequest(method, "/auth/me", nil)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != http.StatusOK || !*called {
				t.Errorf("status = %d, called = %v", w.Code, *called)
			}
		})
	}
}

func TestCSRFMiddleware_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		cookie   string
		header   string
		wantCode string
	}{
		{"no cookie", "", "token-abc", model.ErrCodeCSRFMissingCookie},
		{"no header", "token-abc", "", model.ErrCodeCSRFMissingHeader},
		{"mismatch", "token-abc", "token-xyz", model.ErrCodeCSRFMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, called := newCSRFHandler(t, CSRFConfig{})

			req := httptest.NewRequest(http.MethodPost, "/auth/email/login", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: testCSRFCookie, Value: tt.cookie})
			}
			if tt.header != "" {
				req.Header.Set("X-CSRF-Token", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != http.StatusForbidden {
				t.Errorf("status = %d, want 403", w.Code)
			}
			if *called {
				t.Error("handler should not be called")
			}
			if code := decodeErrorCode(t, w); code != tt.wantCode {
				t.Errorf("code = %s, want %s", code, tt.wantCode)
			}
		})
	}
}

func TestCSRFMiddleware_ValidToken_PassesThrough(t *testing.T) {
	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
		t.Run(method, func(t *testing.T) {
			handler, called := newCSRFHandler(t, CSRFConfig{})

			req := httptest.NewRequest(method, "/auth/logout", nil)
			req.AddCookie(&http.Cookie{Name: testCSRFCookie, Value: "valid-token"})
			req.Header.Set("X-CSRF-Token", "valid-token")
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != http.StatusOK || !*called {
				t.Errorf("status = %d, called = %v", w.Code, *called)
			}
		})
	}
}

func TestCSRFMiddleware_CustomCookieName(t *testing.T) {
	handler, called := newCSRFHandler(t, CSRFConfig{CookieName: "__Host-csrf"})

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: "__Host-csrf", Value: "t"})
	req.Header.Set("X-CSRF-Token", "t")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if !*called {
		t.Errorf("status = %d, handler should be called", w.Code)
	}
}

func TestCSRFMiddleware_SkipPaths(t *testing.T) {
	handler, called := newCSRFHandler(t, CSRFConfig{SkipPaths: []string{"/auth/apple", "/webhooks"}})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/kyc", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if !*called {
		t.Errorf("status = %d, skip path should bypass CSRF", w.Code)
	}
}

// TestCSRFMiddleware_BearerBypass は有効なBearerトークンがあればCookieの不一致でも通過することを検証する。
func TestCSRFMiddleware_BearerBypass(t *testing.T) {
	config := CSRFConfig{BearerVerifier: acceptToken("good-jwt")}

	tests := []struct {
		name       string
		auth       string
		wantStatus int
	}{
		{"valid bearer bypasses", "Bearer good-jwt", http.StatusOK},
		{"invalid bearer is checked", "Bearer forged", http.StatusForbidden},
		{"non-bearer scheme is checked", "Basic dXNlcjpwYXNz", http.StatusForbidden},
		{"no authorization is checked", "", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, _ := newCSRFHandler(t, config)

			req := httptest.NewRequest(http.MethodPost, "/auth/logout-all", nil)
			req.AddCookie(&http.Cookie{Name: testCSRFCookie, Value: "cookie-token"})
			req.Header.Set("X-CSRF-Token", "different-token")
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestCSRFMiddleware_GETRequest_SetsCSRFCookie(t *testing.T) {
	handler, _ := newCSRFHandler(t, CSRFConfig{CookieSecure: true})

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	var found *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == testCSRFCookie {
			found = c
		}
	}
	if found == nil {
		t.Fatal("expected csrf cookie to be set")
	}
	if len(found.Value) != 64 {
		t.Errorf("token length = %d, want 64", len(found.Value))
	}
	if found.HttpOnly {
		t.Error("csrf cookie must be readable by the frontend")
	}
	if !found.Secure {
		t.Error("cookie should be Secure when configured")
	}
}

func TestCSRFMiddleware_GETRequest_ExistingCookie_DoesNotReplace(t *testing.T) {
	handler, _ := newCSRFHandler(t, CSRFConfig{})

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.AddCookie(&http.Cookie{Name: testCSRFCookie, Value: "existing-token"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if len(w.Result().Cookies()) != 0 {
		t.Error("existing cookie should not be replaced")
	}
}

func TestCSRFTokenHandler(t *testing.T) {
	t.Run("issues new token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/auth/csrf-token", nil)
		w := httptest.NewRecorder()
		NewCSRFTokenHandler(CSRFConfig{}).ServeHTTP(w, req)

		var body map[string]any
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("decode error: %v", err)
		}
		tok, _ := body["csrfToken"].(string)
		if tok == "" {
			t.Fatal("expected csrfToken in body")
		}
		cookies := w.Result().Cookies()
		if len(cookies) != 1 || cookies[0].Value != tok {
			t.Errorf("cookie should carry the same token, got %v", cookies)
		}
	})

	t.Run("returns existing token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/auth/csrf-token", nil)
		req.AddCookie(&http.Cookie{Name: testCSRFCookie, Value: "existing-csrf-token"})
		w := httptest.NewRecorder()
		NewCSRFTokenHandler(CSRFConfig{}).ServeHTTP(w, req)

		var body map[string]any
		json.NewDecoder(w.Body).Decode(&body)
		if body["csrfToken"] != "existing-csrf-token" {
			t.Errorf("csrfToken = %v, want existing-csrf-token", body["csrfToken"])
		}
	})
}
