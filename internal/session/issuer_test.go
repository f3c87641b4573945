package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/matchauth/internal/model"
	"github.com/hitoshi/matchauth/internal/repository"
	"github.com/hitoshi/matchauth/internal/repository/repotest"
	"github.com/hitoshi/matchauth/internal/token"
)

var testSubject = Subject{UserID: "google_123", Provider: model.ProviderGoogle, Email: "alice@example.com"}

func newTestIssuer(t *testing.T) (*Issuer, *repotest.Store) {
	t.Helper()
	codec, err := token.NewAccessCodec([]byte("session-test-secret-0123456789abcdef"), 15*time.Minute, "matchauth")
	if err != nil {
		t.Fatalf("NewAccessCodec() error = %v", err)
	}
	store := repotest.NewStore()
	return NewIssuer(codec, store, 30*24*time.Hour, slog.New(slog.NewJSONHandler(io.Discard, nil))), store
}

func TestIssuer_Issue(t *testing.T) {
	iss, store := newTestIssuer(t)

	pair, err := iss.Issue(context.Background(), testSubject, Client{DeviceInfo: "iPhone", IPAddress: "203.0.113.1"})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if pair.ExpiresIn != 900 {
		t.Errorf("ExpiresIn = %d, want 900", pair.ExpiresIn)
	}
	if pair.Claims.UserID != testSubject.UserID {
		t.Errorf("Claims.UserID = %q, want %q", pair.Claims.UserID, testSubject.UserID)
	}

	rows := store.RefreshTokens()
	if len(rows) != 1 {
		t.Fatalf("stored rows = %d, want 1", len(rows))
	}
	if rows[0].TokenHash == pair.RefreshToken {
		t.Error("raw refresh token must not be stored")
	}
	if rows[0].TokenHash != token.HashOpaqueToken(pair.RefreshToken) {
		t.Error("stored hash does not match the issued token")
	}
	if rows[0].DeviceInfo != "iPhone" || rows[0].IPAddress != "203.0.113.1" {
		t.Errorf("client info not recorded: %+v", rows[0])
	}
}

func TestIssuer_Issue_NewFamilyPerLogin(t *testing.T) {
	iss, store := newTestIssuer(t)
	ctx := context.Background()

	if _, err := iss.Issue(ctx, testSubject, Client{}); err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := iss.Issue(ctx, testSubject, Client{}); err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	rows := store.RefreshTokens()
	if rows[0].TokenFamily == rows[1].TokenFamily {
		t.Error("each login must start a new token family")
	}
}

func TestIssuer_Refresh_Rotates(t *testing.T) {
	iss, store := newTestIssuer(t)
	ctx := context.Background()

	first, err := iss.Issue(ctx, testSubject, Client{})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	second, err := iss.Refresh(ctx, first.RefreshToken, Client{})
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatal("rotation must produce a different refresh token")
	}
	if second.Claims.UserID != testSubject.UserID || second.Claims.Email != testSubject.Email {
		t.Errorf("claims not carried over: %+v", second.Claims)
	}

	rows := store.RefreshTokens()
	if len(rows) != 2 {
		t.Fatalf("stored rows = %d, want 2", len(rows))
	}
	if rows[0].TokenFamily != rows[1].TokenFamily {
		t.Error("rotated token must stay in the same family")
	}

	var active int
	for _, r := range rows {
		if r.IsActive(time.Now()) {
			active++
		}
	}
	if active != 1 {
		t.Errorf("active tokens in family = %d, want 1", active)
	}
}

func TestIssuer_Refresh_ReuseRevokesFamily(t *testing.T) {
	iss, _ := newTestIssuer(t)
	ctx := context.Background()

	original, err := iss.Issue(ctx, testSubject, Client{})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	sibling, err := iss.Refresh(ctx, original.RefreshToken, Client{})
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	_, err = iss.Refresh(ctx, original.RefreshToken, Client{})
	if !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("reuse error = %v, want ErrRefreshReuse", err)
	}
	if !errors.Is(err, ErrRefreshInvalid) {
		t.Error("reuse must be reported as an invalid refresh token")
	}

	if _, err := iss.Refresh(ctx, sibling.RefreshToken, Client{}); err == nil {
		t.Fatal("sibling token must fail after reuse detection")
	}
}

func TestIssuer_Refresh_Errors(t *testing.T) {
	iss, store := newTestIssuer(t)
	ctx := context.Background()

	if _, err := iss.Refresh(ctx, "", Client{}); !errors.Is(err, ErrRefreshInvalid) {
		t.Errorf("empty token error = %v, want ErrRefreshInvalid", err)
	}
	if _, err := iss.Refresh(ctx, "deadbeef", Client{}); !errors.Is(err, ErrRefreshInvalid) {
		t.Errorf("unknown token error = %v, want ErrRefreshInvalid", err)
	}

	revoked, _ := iss.Issue(ctx, testSubject, Client{})
	if err := iss.Revoke(ctx, revoked.RefreshToken); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if _, err := iss.Refresh(ctx, revoked.RefreshToken, Client{}); !errors.Is(err, ErrRefreshRevoked) {
		t.Errorf("revoked token error = %v, want ErrRefreshRevoked", err)
	}

	expired, _ := iss.Issue(ctx, testSubject, Client{})
	iss.now = func() time.Time { return time.Now().Add(31 * 24 * time.Hour) }
	if _, err := iss.Refresh(ctx, expired.RefreshToken, Client{}); !errors.Is(err, ErrRefreshExpired) {
		t.Errorf("expired token error = %v, want ErrRefreshExpired", err)
	}

	// エラー時は行が増えない
	if n := len(store.RefreshTokens()); n != 2 {
		t.Errorf("stored rows = %d, want 2", n)
	}
}

func TestIssuer_Refresh_RollsBackOnStoreFailure(t *testing.T) {
	iss, store := newTestIssuer(t)
	ctx := context.Background()

	pair, err := iss.Issue(ctx, testSubject, Client{})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	failing := &failingCreateRepo{RefreshTokenRepository: store}
	iss.repo = failing

	if _, err := iss.Refresh(ctx, pair.RefreshToken, Client{}); err == nil {
		t.Fatal("Refresh() should fail when insert fails")
	}

	rows := store.RefreshTokens()
	if len(rows) != 1 || rows[0].RotatedAt != nil {
		t.Fatalf("rotation was not rolled back: %+v", rows)
	}
}

func TestIssuer_Revoke_Idempotent(t *testing.T) {
	iss, _ := newTestIssuer(t)
	ctx := context.Background()

	pair, _ := iss.Issue(ctx, testSubject, Client{})
	for i := 0; i < 2; i++ {
		if err := iss.Revoke(ctx, pair.RefreshToken); err != nil {
			t.Fatalf("Revoke() #%d error = %v", i+1, err)
		}
	}
	if err := iss.Revoke(ctx, "unknown"); err != nil {
		t.Errorf("Revoke(unknown) error = %v", err)
	}
	if err := iss.Revoke(ctx, ""); err != nil {
		t.Errorf("Revoke(empty) error = %v", err)
	}
}

func TestIssuer_RevokeAllForUser(t *testing.T) {
	iss, _ := newTestIssuer(t)
	ctx := context.Background()

	a, _ := iss.Issue(ctx, testSubject, Client{})
	b, _ := iss.Issue(ctx, testSubject, Client{})
	other, _ := iss.Issue(ctx, Subject{UserID: "apple_999", Provider: model.ProviderApple}, Client{})

	n, err := iss.RevokeAllForUser(ctx, testSubject.UserID)
	if err != nil {
		t.Fatalf("RevokeAllForUser() error = %v", err)
	}
	if n != 2 {
		t.Errorf("revoked = %d, want 2", n)
	}

	for _, raw := range []string{a.RefreshToken, b.RefreshToken} {
		if _, err := iss.Refresh(ctx, raw, Client{}); !errors.Is(err, ErrRefreshRevoked) {
			t.Errorf("Refresh() after logout-all error = %v, want ErrRefreshRevoked", err)
		}
	}
	if _, err := iss.Refresh(ctx, other.RefreshToken, Client{}); err != nil {
		t.Errorf("other user's token should still work: %v", err)
	}
}

// failingCreateRepo はトランザクション内のCreateだけを失敗させる。
type failingCreateRepo struct {
	repository.RefreshTokenRepository
}

func (r *failingCreateRepo) WithTx(ctx context.Context, fn func(tx repository.RefreshTokenTx) error) error {
	return r.RefreshTokenRepository.WithTx(ctx, func(tx repository.RefreshTokenTx) error {
		return fn(&failingCreateTx{RefreshTokenTx: tx})
	})
}

type failingCreateTx struct {
	repository.RefreshTokenTx
}

func (tx *failingCreateTx) Create(context.Context, *model.RefreshToken) error {
	return errors.New("insert failed")
}
