package auth

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"unicode"

	"github.com/hitoshi/matchauth/internal/model"
	"golang.org/x/crypto/bcrypt"
)

// PasswordHasher はパスワードのハッシュ化と照合を行う。
type PasswordHasher interface {
	Hash(password string) (string, error)
	// Compare は一致しない場合にエラーを返す。
	Compare(hash, password string) error
}

// BcryptHasher はbcryptによるPasswordHasher実装。
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher はBcryptHasherを生成する。範囲外のコストはbcrypt.DefaultCostに置き換える。
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &BcryptHasher{cost: cost}
}

// Hash はパスワードをbcryptでハッシュ化する。
func (h *BcryptHasher) Hash(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(b), nil
}

// Compare はハッシュとパスワードを照合する。
func (h *BcryptHasher) Compare(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// PasswordPolicy はパスワード強度の要件。
type PasswordPolicy struct {
	MinLength      int
	RequireUpper   bool
	RequireLower   bool
	RequireDigit   bool
	RequireSpecial bool
}

// bcryptMaxLength はbcryptが扱える最大バイト長。
const bcryptMaxLength = 72

// Validate はパスワードがポリシーを満たすか検証する。
// 違反がある場合は全ての違反をまとめたAUTH_008エラーを返す。
func (p PasswordPolicy) Validate(password string) error {
	var (
		hasUpper, hasLower, hasDigit, hasSpecial bool
		length                                   int
	)
	for _, r := range password {
		length++
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r):
			hasSpecial = true
		}
	}

	var problems []string
	if length < p.MinLength {
		problems = append(problems, fmt.Sprintf("at least %d characters", p.MinLength))
	}
	if len(password) > bcryptMaxLength {
		problems = append(problems, fmt.Sprintf("at most %d bytes", bcryptMaxLength))
	}
	if p.RequireUpper && !hasUpper {
		problems = append(problems, "an uppercase letter")
	}
	if p.RequireLower && !hasLower {
		problems = append(problems, "a lowercase letter")
	}
	if p.RequireDigit && !hasDigit {
		problems = append(problems, "a digit")
	}
	if p.RequireSpecial && !hasSpecial {
		problems = append(problems, "a special character")
	}

	if len(problems) > 0 {
		return model.NewWeakPasswordError("Password must contain " + strings.Join(problems, ", "))
	}
	return nil
}

var errInvalidEmail = errors.New("invalid email address")

// normalizeEmail は前後の空白を除去し小文字化する。
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// validateEmail は表示名などを含まない単一のアドレスであることを確認する。
func validateEmail(email string) error {
	if email == "" || len(email) > 254 {
		return errInvalidEmail
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return errInvalidEmail
	}
	return nil
}
