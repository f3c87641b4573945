// Package repotest はテスト用のインメモリリポジトリを提供する。
// PostgreSQL実装と同じ条件付き更新の意味論をミューテックスで再現する。
package repotest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/matchauth/internal/model"
	"github.com/hitoshi/matchauth/internal/repository"
)

// Store は全リポジトリインターフェースを実装するインメモリストア。
type Store struct {
	mu            sync.Mutex
	users         map[string]*model.User
	creds         map[string]*model.AuthCredential
	refreshTokens map[string]*model.RefreshToken // key: token_hash

	// Err が設定されている場合、全操作がこのエラーを返す。
	Err error
}

// NewStore は空のStoreを生成する。
func NewStore() *Store {
	return &Store{
		users:         make(map[string]*model.User),
		creds:         make(map[string]*model.AuthCredential),
		refreshTokens: make(map[string]*model.RefreshToken),
	}
}

var (
	_ repository.UserRepository         = (*Store)(nil)
	_ repository.CredentialRepository   = (*Store)(nil)
	_ repository.LockStateRepository    = (*Store)(nil)
	_ repository.RefreshTokenRepository = (*Store)(nil)
)

func copyUser(u *model.User) *model.User {
	c := *u
	return &c
}

func copyCred(c *model.AuthCredential) *model.AuthCredential {
	cc := *c
	return &cc
}

func copyToken(t *model.RefreshToken) *model.RefreshToken {
	c := *t
	return &c
}

// --- UserRepository ---

func (s *Store) FindByID(_ context.Context, id string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return copyUser(u), nil
}

func (s *Store) CreateWithCredential(_ context.Context, user *model.User, cred *model.AuthCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if _, ok := s.users[user.ID]; ok {
		return repository.ErrDuplicate
	}
	for _, c := range s.creds {
		if c.UserID == cred.UserID && c.Provider == cred.Provider {
			return repository.ErrDuplicate
		}
		if cred.Provider == model.ProviderEmail && c.Provider == model.ProviderEmail && strings.EqualFold(c.Email, cred.Email) {
			return repository.ErrDuplicate
		}
	}
	s.users[user.ID] = copyUser(user)
	s.creds[cred.ID] = copyCred(cred)
	return nil
}

func (s *Store) DeleteByID(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if _, ok := s.users[id]; !ok {
		return repository.ErrNotFound
	}
	delete(s.users, id)
	for k, c := range s.creds {
		if c.UserID == id {
			delete(s.creds, k)
		}
	}
	for k, t := range s.refreshTokens {
		if t.UserID == id {
			delete(s.refreshTokens, k)
		}
	}
	return nil
}

// --- CredentialRepository ---

func (s *Store) emailCred(email string) *model.AuthCredential {
	for _, c := range s.creds {
		if c.Provider == model.ProviderEmail && strings.EqualFold(c.Email, email) {
			return c
		}
	}
	return nil
}

func (s *Store) FindByEmail(_ context.Context, email string) (*model.AuthCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	if c := s.emailCred(email); c != nil {
		return copyCred(c), nil
	}
	return nil, nil
}

func (s *Store) FindByUserAndProvider(_ context.Context, userID, provider string) (*model.AuthCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	for _, c := range s.creds {
		if c.UserID == userID && c.Provider == provider {
			return copyCred(c), nil
		}
	}
	return nil, nil
}

func (s *Store) FindByVerificationHash(_ context.Context, hash string) (*model.AuthCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	for _, c := range s.creds {
		if c.VerificationTokenHash != nil && *c.VerificationTokenHash == hash {
			return copyCred(c), nil
		}
	}
	return nil, nil
}

func (s *Store) FindByResetHash(_ context.Context, hash string) (*model.AuthCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	for _, c := range s.creds {
		if c.ResetTokenHash != nil && *c.ResetTokenHash == hash {
			return copyCred(c), nil
		}
	}
	return nil, nil
}

func (s *Store) ConsumeVerification(_ context.Context, credID, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	c, ok := s.creds[credID]
	if !ok || c.VerificationTokenHash == nil || *c.VerificationTokenHash != tokenHash {
		return repository.ErrNotFound
	}
	c.VerificationTokenHash = nil
	c.VerificationExpiresAt = nil
	if u, ok := s.users[c.UserID]; ok {
		u.EmailVerified = true
	}
	return nil
}

func (s *Store) SetResetToken(_ context.Context, credID, tokenHash string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	c, ok := s.creds[credID]
	if !ok {
		return repository.ErrNotFound
	}
	c.ResetTokenHash = &tokenHash
	c.ResetExpiresAt = &expiresAt
	return nil
}

func (s *Store) ResetPassword(_ context.Context, credID, tokenHash, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	c, ok := s.creds[credID]
	if !ok || c.ResetTokenHash == nil || *c.ResetTokenHash != tokenHash {
		return repository.ErrNotFound
	}
	c.PasswordHash = &passwordHash
	c.ResetTokenHash = nil
	c.ResetExpiresAt = nil
	c.FailedAttempts = 0
	c.LockedUntil = nil
	if u, ok := s.users[c.UserID]; ok {
		u.PasswordHash = &passwordHash
	}
	return nil
}

func (s *Store) PurgeExpiredTokens(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	var n int64
	for _, c := range s.creds {
		touched := false
		if c.VerificationExpiresAt != nil && !c.VerificationExpiresAt.After(now) {
			c.VerificationTokenHash, c.VerificationExpiresAt = nil, nil
			touched = true
		}
		if c.ResetExpiresAt != nil && !c.ResetExpiresAt.After(now) {
			c.ResetTokenHash, c.ResetExpiresAt = nil, nil
			touched = true
		}
		if touched {
			n++
		}
	}
	return n, nil
}

// --- LockStateRepository ---

func (s *Store) LoadLockState(_ context.Context, identifier string) (*model.LockState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	c := s.emailCred(identifier)
	if c == nil {
		return nil, nil
	}
	return &model.LockState{FailedAttempts: c.FailedAttempts, LockedUntil: c.LockedUntil}, nil
}

func (s *Store) ClearExpiredLock(_ context.Context, identifier string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	c := s.emailCred(identifier)
	if c != nil && c.LockedUntil != nil && !c.LockedUntil.After(now) {
		c.FailedAttempts = 0
		c.LockedUntil = nil
	}
	return nil
}

func (s *Store) IncrementFailedAttempts(_ context.Context, identifier string, threshold int, lockUntil, now time.Time) (*model.LockState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	c := s.emailCred(identifier)
	if c == nil {
		return nil, nil
	}

	expired := c.LockedUntil != nil && !c.LockedUntil.After(now)
	next := c.FailedAttempts + 1
	if expired {
		next = 1
	}

	switch {
	case c.LockedUntil != nil && c.LockedUntil.After(now):
		// ロック中は期限を維持する
	case next >= threshold:
		until := lockUntil
		c.LockedUntil = &until
	default:
		c.LockedUntil = nil
	}
	c.FailedAttempts = next

	return &model.LockState{FailedAttempts: c.FailedAttempts, LockedUntil: c.LockedUntil}, nil
}

func (s *Store) ResetFailedAttempts(_ context.Context, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if c := s.emailCred(identifier); c != nil {
		c.FailedAttempts = 0
		c.LockedUntil = nil
	}
	return nil
}

// --- RefreshTokenRepository ---

func (s *Store) Create(_ context.Context, t *model.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	return s.createLocked(t)
}

func (s *Store) createLocked(t *model.RefreshToken) error {
	if _, ok := s.refreshTokens[t.TokenHash]; ok {
		return repository.ErrDuplicate
	}
	s.refreshTokens[t.TokenHash] = copyToken(t)
	return nil
}

func (s *Store) FindByHash(_ context.Context, tokenHash string) (*model.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	t, ok := s.refreshTokens[tokenHash]
	if !ok {
		return nil, nil
	}
	return copyToken(t), nil
}

// WithTx はストア全体をロックしてfnを実行する。
// fnがエラーを返した場合は変更前のスナップショットに戻す。
func (s *Store) WithTx(_ context.Context, fn func(tx repository.RefreshTokenTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}

	snapshot := make(map[string]*model.RefreshToken, len(s.refreshTokens))
	for k, v := range s.refreshTokens {
		snapshot[k] = copyToken(v)
	}

	if err := fn(&memTx{s: s}); err != nil {
		s.refreshTokens = snapshot
		return err
	}
	return nil
}

func (s *Store) RevokeByHash(_ context.Context, tokenHash string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	t, ok := s.refreshTokens[tokenHash]
	if !ok || t.RevokedAt != nil {
		return false, nil
	}
	t.RevokedAt = &now
	return true, nil
}

func (s *Store) RevokeAllForUser(_ context.Context, userID string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	var n int64
	for _, t := range s.refreshTokens {
		if t.UserID == userID && t.RevokedAt == nil {
			ts := now
			t.RevokedAt = &ts
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteStale(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	var n int64
	for k, t := range s.refreshTokens {
		if t.ExpiresAt.Before(before) || (t.RevokedAt != nil && t.RevokedAt.Before(before)) {
			delete(s.refreshTokens, k)
			n++
		}
	}
	return n, nil
}

// memTx はWithTx中のトランザクション操作。呼び出し元がロックを保持している。
type memTx struct {
	s *Store
}

func (tx *memTx) LockByHash(_ context.Context, tokenHash string) (*model.RefreshToken, error) {
	t, ok := tx.s.refreshTokens[tokenHash]
	if !ok {
		return nil, nil
	}
	return copyToken(t), nil
}

func (tx *memTx) MarkRotated(_ context.Context, id string, now time.Time) error {
	for _, t := range tx.s.refreshTokens {
		if t.ID == id && t.RotatedAt == nil {
			t.RotatedAt = &now
			return nil
		}
	}
	return repository.ErrNotFound
}

func (tx *memTx) Create(_ context.Context, t *model.RefreshToken) error {
	return tx.s.createLocked(t)
}

func (tx *memTx) RevokeFamily(_ context.Context, family string, now time.Time) (int64, error) {
	var n int64
	for _, t := range tx.s.refreshTokens {
		if t.TokenFamily == family && t.RevokedAt == nil {
			ts := now
			t.RevokedAt = &ts
			n++
		}
	}
	return n, nil
}

// --- テスト用ヘルパー ---

// PutUser はユーザーと資格情報を直接登録する。
func (s *Store) PutUser(user *model.User, cred *model.AuthCredential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = copyUser(user)
	if cred != nil {
		s.creds[cred.ID] = copyCred(cred)
	}
}

// UpdateCredential は資格情報をfnで直接書き換える。
func (s *Store) UpdateCredential(credID string, fn func(c *model.AuthCredential)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.creds[credID]; ok {
		fn(c)
	}
}

// Credential は資格情報のコピーを返す。
func (s *Store) Credential(credID string) *model.AuthCredential {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.creds[credID]; ok {
		return copyCred(c)
	}
	return nil
}

// RefreshTokens は全リフレッシュトークンのコピーを返す。
func (s *Store) RefreshTokens() []*model.RefreshToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.RefreshToken, 0, len(s.refreshTokens))
	for _, t := range s.refreshTokens {
		out = append(out, copyToken(t))
	}
	return out
}

// UserCount は登録ユーザー数を返す。
func (s *Store) UserCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// CredentialCount は資格情報数を返す。
func (s *Store) CredentialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.creds)
}
