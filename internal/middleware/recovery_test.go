package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/matchauth/internal/model"
)

func TestRecoveryMiddleware(t *testing.T) {
	handler := NewRequestContextMiddleware()(NewRecoveryMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("X-Request-ID", "trace-1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if body.Code != model.ErrCodeInternal || body.RequestID != "trace-1" {
		t.Errorf("body = %+v", body)
	}
}
