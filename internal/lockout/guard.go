package lockout

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/matchauth/internal/model"
	"github.com/hitoshi/matchauth/internal/repository"
)

// Status はログイン試行に対するロック判定結果。
type Status struct {
	Locked         bool
	RetryAfter     time.Duration
	FailedAttempts int
	// Remaining はロックまでの残り試行回数。ロック中は0。
	Remaining int
	// Known は資格情報が存在したかどうか。
	Known bool
}

// WarnRemaining は残り回数の警告を出すべきかどうかを返す。
// 閾値まで2回以内の場合にtrue。
func (s Status) WarnRemaining() bool {
	return s.Known && !s.Locked && s.Remaining > 0 && s.Remaining <= 2
}

// Guard はアカウントロックの判定と試行回数の記録を行う。
type Guard struct {
	store  repository.LockStateRepository
	policy Policy
	logger *slog.Logger
	now    func() time.Time
}

// NewGuard はGuardを生成する。
func NewGuard(store repository.LockStateRepository, policy Policy, logger *slog.Logger) *Guard {
	if policy.Threshold <= 0 {
		policy.Threshold = DefaultPolicy.Threshold
	}
	if policy.Duration <= 0 {
		policy.Duration = DefaultPolicy.Duration
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{store: store, policy: policy, logger: logger, now: time.Now}
}

// Policy はGuardのポリシーを返す。
func (g *Guard) Policy() Policy {
	return g.policy
}

// CheckLocked は識別子のロック状態を返す。
// 期限切れのロックはこの呼び出しで解除される。
func (g *Guard) CheckLocked(ctx context.Context, identifier string) (Status, error) {
	stored, err := g.store.LoadLockState(ctx, identifier)
	if err != nil {
		return Status{}, fmt.Errorf("failed to load lock state: %w", err)
	}
	if stored == nil {
		return Status{Remaining: g.policy.Threshold}, nil
	}

	now := g.now()
	state, effect := Evaluate(*stored, now)
	if effect == EffectClearExpiredLock {
		if err := g.store.ClearExpiredLock(ctx, identifier, now); err != nil {
			return Status{}, fmt.Errorf("failed to clear expired lock: %w", err)
		}
		g.logger.Info("expired account lock cleared")
	}

	return g.status(state, now), nil
}

// RecordFailedLogin は失敗を1回記録し、記録後の状態を返す。
// 資格情報が存在しない識別子では何も書き込まない。
func (g *Guard) RecordFailedLogin(ctx context.Context, identifier string) (Status, error) {
	now := g.now()
	state, err := g.store.IncrementFailedAttempts(ctx, identifier, g.policy.Threshold, now.Add(g.policy.Duration), now)
	if err != nil {
		return Status{}, fmt.Errorf("failed to record failed login: %w", err)
	}
	if state == nil {
		return Status{Remaining: g.policy.Threshold}, nil
	}

	st := g.status(*state, now)
	if st.Locked {
		g.logger.Warn("account locked after repeated failures",
			slog.Int("failed_attempts", st.FailedAttempts),
			slog.Duration("retry_after", st.RetryAfter),
		)
	}
	return st, nil
}

// RecordSuccessfulLogin は失敗回数とロックを解除する。
func (g *Guard) RecordSuccessfulLogin(ctx context.Context, identifier string) error {
	if err := g.store.ResetFailedAttempts(ctx, identifier); err != nil {
		return fmt.Errorf("failed to reset failed attempts: %w", err)
	}
	return nil
}

func (g *Guard) status(s model.LockState, now time.Time) Status {
	st := Status{Known: true, FailedAttempts: s.FailedAttempts}
	if IsLocked(s, now) {
		st.Locked = true
		st.RetryAfter = RetryAfter(s, now)
		return st
	}
	st.Remaining = g.policy.Threshold - s.FailedAttempts
	if st.Remaining < 0 {
		st.Remaining = 0
	}
	return st
}
