package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testClientID = "matchauth-ios"

type jwksServer struct {
	*httptest.Server
	fetches atomic.Int32

	mu     sync.Mutex
	key    *rsa.PrivateKey
	kid    string
	status int
}

func newRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey() error = %v", err)
	}
	return key
}

func newJWKSServer(t *testing.T) *jwksServer {
	t.Helper()
	s := &jwksServer{key: newRSAKey(t), kid: "key-1", status: http.StatusOK}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.fetches.Add(1)
		s.mu.Lock()
		pub, kid, status := s.key.PublicKey, s.kid, s.status
		s.mu.Unlock()
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": kid,
				"alg": "RS256",
				"use": "sig",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			}},
		})
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *jwksServer) setStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// rotate は署名鍵を新しい鍵とkidに差し替える。
func (s *jwksServer) rotate(key *rsa.PrivateKey, kid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key, s.kid = key, kid
}

func (s *jwksServer) current() (*rsa.PrivateKey, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key, s.kid
}

func (s *jwksServer) verifier(t *testing.T) *JWKSVerifier {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	v, err := NewJWKSVerifier(ctx, JWKSConfig{
		ClientID:   testClientID,
		Issuers:    appleIssuers,
		JWKSURL:    s.URL,
		HTTPClient: s.Client(),
		Logger:     slog.New(slog.NewJSONHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewJWKSVerifier() error = %v", err)
	}
	return v
}

func (s *jwksServer) sign(t *testing.T, kid string, claims jwt.MapClaims) string {
	t.Helper()
	key, _ := s.current()
	return signWith(t, key, kid, claims)
}

func signWith(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	raw, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return raw
}

func validClaims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":            "https://appleid.apple.com",
		"aud":            testClientID,
		"sub":            "001234.abcdef",
		"email":          "user@privaterelay.appleid.com",
		"email_verified": "true",
		"nonce":          "n-123",
		"iat":            now.Unix(),
		"exp":            now.Add(10 * time.Minute).Unix(),
	}
}

func TestJWKSVerifier_Valid(t *testing.T) {
	srv := newJWKSServer(t)
	v := srv.verifier(t)

	claims, err := v.Verify(context.Background(), srv.sign(t, "key-1", validClaims()))
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.Subject != "001234.abcdef" {
		t.Errorf("Subject = %q", claims.Subject)
	}
	if !claims.EmailVerified {
		t.Error("string email_verified should parse as true")
	}
	if claims.Nonce != "n-123" {
		t.Errorf("Nonce = %q", claims.Nonce)
	}
}

func TestJWKSVerifier_CachesKeys(t *testing.T) {
	srv := newJWKSServer(t)
	v := srv.verifier(t)

	for i := 0; i < 3; i++ {
		if _, err := v.Verify(context.Background(), srv.sign(t, "key-1", validClaims())); err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
	}
	if got := srv.fetches.Load(); got != 1 {
		t.Errorf("fetches = %d, want 1", got)
	}
}

func TestJWKSVerifier_Rejected(t *testing.T) {
	srv := newJWKSServer(t)
	otherKey := newRSAKey(t)

	tests := []struct {
		name  string
		token func() string
	}{
		{"expired", func() string {
			c := validClaims()
			c["exp"] = time.Now().Add(-time.Hour).Unix()
			return srv.sign(t, "key-1", c)
		}},
		{"missing exp", func() string {
			c := validClaims()
			delete(c, "exp")
			return srv.sign(t, "key-1", c)
		}},
		{"wrong audience", func() string {
			c := validClaims()
			c["aud"] = "someone-else"
			return srv.sign(t, "key-1", c)
		}},
		{"untrusted issuer", func() string {
			c := validClaims()
			c["iss"] = "https://evil.example.com"
			return srv.sign(t, "key-1", c)
		}},
		{"empty subject", func() string {
			c := validClaims()
			c["sub"] = ""
			return srv.sign(t, "key-1", c)
		}},
		{"unknown kid", func() string {
			return srv.sign(t, "rotated-away", validClaims())
		}},
		{"signed by another key", func() string {
			return signWith(t, otherKey, "key-1", validClaims())
		}},
		{"hmac algorithm", func() string {
			tok := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims())
			tok.Header["kid"] = "key-1"
			raw, _ := tok.SignedString([]byte("secret"))
			return raw
		}},
		{"garbage", func() string { return "not.a.token" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := srv.verifier(t).Verify(context.Background(), tt.token())
			if !errors.Is(err, ErrIDTokenRejected) {
				t.Errorf("Verify() error = %v, want ErrIDTokenRejected", err)
			}
		})
	}
}

func TestJWKSVerifier_KeyFetchFailureIsNotRejection(t *testing.T) {
	srv := newJWKSServer(t)
	srv.setStatus(http.StatusInternalServerError)

	_, err := srv.verifier(t).Verify(context.Background(), srv.sign(t, "key-1", validClaims()))
	if !errors.Is(err, ErrProviderKeysUnavailable) {
		t.Fatalf("Verify() error = %v, want ErrProviderKeysUnavailable", err)
	}
	if errors.Is(err, ErrIDTokenRejected) {
		t.Errorf("fetch failure must not be classified as rejection: %v", err)
	}
}

// 未知のkidを大量に送られてもプロバイダーへの再取得は間隔内に1回まで。
func TestJWKSVerifier_UnknownKIDRefetchIsThrottled(t *testing.T) {
	srv := newJWKSServer(t)
	v := srv.verifier(t)

	if _, err := v.Verify(context.Background(), srv.sign(t, "key-1", validClaims())); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	for i := 0; i < 50; i++ {
		_, err := v.Verify(context.Background(), srv.sign(t, fmt.Sprintf("bogus-%d", i), validClaims()))
		if !errors.Is(err, ErrIDTokenRejected) {
			t.Fatalf("token %d: error = %v, want ErrIDTokenRejected", i, err)
		}
	}

	if got := srv.fetches.Load(); got > 2 {
		t.Errorf("fetches = %d, want at most 2", got)
	}

	// 正規のトークンは引き続き検証できる
	if _, err := v.Verify(context.Background(), srv.sign(t, "key-1", validClaims())); err != nil {
		t.Errorf("Verify() after unknown kids error = %v", err)
	}
}

func TestJWKSVerifier_FollowsKeyRotation(t *testing.T) {
	srv := newJWKSServer(t)
	v := srv.verifier(t)

	rotated := newRSAKey(t)
	srv.rotate(rotated, "key-2")

	if _, err := v.Verify(context.Background(), signWith(t, rotated, "key-2", validClaims())); err != nil {
		t.Fatalf("Verify() with rotated key error = %v", err)
	}
	if got := srv.fetches.Load(); got != 2 {
		t.Errorf("fetches = %d, want 2", got)
	}
}

func TestParseBoolClaim(t *testing.T) {
	tests := []struct {
		raw  string
		want bool
	}{
		{`true`, true},
		{`false`, false},
		{`"true"`, true},
		{`"false"`, false},
		{``, false},
		{`1`, false},
	}
	for _, tt := range tests {
		if got := parseBoolClaim(json.RawMessage(tt.raw)); got != tt.want {
			t.Errorf("parseBoolClaim(%s) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}
