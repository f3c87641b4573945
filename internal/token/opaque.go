// Package token は確認・リセット用の不透明トークンと、JWTアクセストークンの発行・検証を提供する。
// いずれも状態を持たない純粋な処理で、永続化は呼び出し側が行う。
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// opaqueTokenBytes は不透明トークンの乱数バイト長。16進表記で64文字になる。
const opaqueTokenBytes = 32

// OpaqueToken は生のトークンとその保存用ハッシュの組。
// Tokenは利用者に一度だけ渡し、Hashのみを永続化する。
type OpaqueToken struct {
	Token string
	Hash  string
}

// GenerateOpaqueToken は32バイトの乱数から不透明トークンを生成する。
func GenerateOpaqueToken() (OpaqueToken, error) {
	b := make([]byte, opaqueTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return OpaqueToken{}, fmt.Errorf("failed to read random bytes: %w", err)
	}
	raw := hex.EncodeToString(b)
	return OpaqueToken{Token: raw, Hash: HashOpaqueToken(raw)}, nil
}

// HashOpaqueToken はトークンのSHA-256ダイジェストを16進文字列で返す。
func HashOpaqueToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// VerifyOpaqueToken は候補トークンが保存済みハッシュと一致するかを定数時間で比較する。
// 空入力や長さ不一致はpanicせずfalseを返す。
func VerifyOpaqueToken(candidate, storedHash string) bool {
	if candidate == "" || storedHash == "" {
		return false
	}
	computed := HashOpaqueToken(candidate)
	if len(computed) != len(storedHash) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}
