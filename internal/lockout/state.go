// Package lockout はブルートフォース対策のアカウントロックを提供する。
// 状態遷移は純粋関数として定義し、永続化はLockStateRepositoryに委ねる。
package lockout

import (
	"time"

	"github.com/hitoshi/matchauth/internal/model"
)

// Effect は状態評価に伴って必要になる書き込み。
type Effect int

const (
	// EffectNone は書き込み不要。
	EffectNone Effect = iota
	// EffectClearExpiredLock は期限切れロックの解除が必要。
	EffectClearExpiredLock
)

// Policy はロックの閾値と期間。
type Policy struct {
	Threshold int
	Duration  time.Duration
}

// DefaultPolicy は5回連続失敗で15分ロックする。
var DefaultPolicy = Policy{Threshold: 5, Duration: 15 * time.Minute}

// Evaluate は時刻nowにおける有効な状態と、必要な書き込みを返す。
// 期限切れのロックは解除済み（失敗回数0）として扱い、EffectClearExpiredLockを返す。
func Evaluate(s model.LockState, now time.Time) (model.LockState, Effect) {
	if s.LockedUntil == nil {
		return s, EffectNone
	}
	if now.Before(*s.LockedUntil) {
		return s, EffectNone
	}
	return model.LockState{}, EffectClearExpiredLock
}

// Fail は失敗1回分を適用した状態を返す。
// リポジトリのIncrementFailedAttemptsと同じ遷移を表す。
func (p Policy) Fail(s model.LockState, now time.Time) model.LockState {
	if IsLocked(s, now) {
		s.FailedAttempts++
		return s
	}
	current, _ := Evaluate(s, now)
	next := model.LockState{FailedAttempts: current.FailedAttempts + 1}
	if next.FailedAttempts >= p.Threshold {
		until := now.Add(p.Duration)
		next.LockedUntil = &until
	}
	return next
}

// IsLocked は時刻nowでロック中かどうかを返す。
func IsLocked(s model.LockState, now time.Time) bool {
	return s.LockedUntil != nil && now.Before(*s.LockedUntil)
}

// RetryAfter はロック解除までの残り時間を秒単位に切り上げて返す。
func RetryAfter(s model.LockState, now time.Time) time.Duration {
	if !IsLocked(s, now) {
		return 0
	}
	d := s.LockedUntil.Sub(now)
	if r := d % time.Second; r != 0 {
		d += time.Second - r
	}
	return d
}
