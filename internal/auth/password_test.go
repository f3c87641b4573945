package auth

import (
	"strings"
	"testing"

	"github.com/hitoshi/matchauth/internal/model"
	"golang.org/x/crypto/bcrypt"
)

func TestPasswordPolicy_Validate(t *testing.T) {
	policy := PasswordPolicy{MinLength: 12, RequireUpper: true, RequireLower: true, RequireDigit: true, RequireSpecial: true}

	tests := []struct {
		name     string
		password string
		wantErr  bool
		mention  string
	}{
		{"valid", "Correct-Horse-9", false, ""},
		{"too short", "Ab1!", true, "at least 12 characters"},
		{"no upper", "correct-horse-9", true, "uppercase"},
		{"no lower", "CORRECT-HORSE-9", true, "lowercase"},
		{"no digit", "Correct-Horse-X", true, "digit"},
		{"no special", "CorrectHorse9x", true, "special"},
		{"too long for bcrypt", "Aa1!" + strings.Repeat("x", 80), true, "at most 72 bytes"},
		{"multibyte counts runes", "Pässwörd-1234", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := policy.Validate(tt.password)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				return
			}
			apiErr, ok := err.(*model.APIError)
			if !ok || apiErr.Code != model.ErrCodeWeakPassword {
				t.Fatalf("error = %v, want AUTH_008", err)
			}
			if !strings.Contains(apiErr.Message, tt.mention) {
				t.Errorf("message %q does not mention %q", apiErr.Message, tt.mention)
			}
		})
	}
}

func TestPasswordPolicy_Relaxed(t *testing.T) {
	policy := PasswordPolicy{MinLength: 8}
	if err := policy.Validate("password"); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestBcryptHasher_RoundTrip(t *testing.T) {
	h := NewBcryptHasher(bcrypt.MinCost)

	hash, err := h.Hash("Correct-Horse-9")
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if err := h.Compare(hash, "Correct-Horse-9"); err != nil {
		t.Errorf("Compare(correct) error = %v", err)
	}
	if err := h.Compare(hash, "wrong"); err == nil {
		t.Error("Compare(wrong) should fail")
	}
	if err := h.Compare("", "anything"); err == nil {
		t.Error("Compare with empty hash should fail")
	}
}

func TestNewBcryptHasher_ClampsCost(t *testing.T) {
	if h := NewBcryptHasher(100); h.cost != bcrypt.DefaultCost {
		t.Errorf("cost = %d, want %d", h.cost, bcrypt.DefaultCost)
	}
}

func TestValidateEmail(t *testing.T) {
	valid := []string{"alice@example.com", "a.b+tag@sub.example.co.jp"}
	invalid := []string{"", "alice", "alice@", "Alice <alice@example.com>", strings.Repeat("a", 250) + "@x.io"}

	for _, e := range valid {
		if err := validateEmail(e); err != nil {
			t.Errorf("validateEmail(%q) error = %v", e, err)
		}
	}
	for _, e := range invalid {
		if err := validateEmail(e); err == nil {
			t.Errorf("validateEmail(%q) should fail", e)
		}
	}
}
