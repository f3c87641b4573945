package lockout

import (
	"testing"
	"time"

	"github.com/hitoshi/matchauth/internal/model"
)

func timePtr(t time.Time) *time.Time { return &t }

func TestEvaluate(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		in         model.LockState
		wantState  model.LockState
		wantEffect Effect
	}{
		{
			name:       "unlocked stays unlocked",
			in:         model.LockState{FailedAttempts: 3},
			wantState:  model.LockState{FailedAttempts: 3},
			wantEffect: EffectNone,
		},
		{
			name:       "future lock is kept",
			in:         model.LockState{FailedAttempts: 5, LockedUntil: timePtr(now.Add(time.Minute))},
			wantState:  model.LockState{FailedAttempts: 5, LockedUntil: timePtr(now.Add(time.Minute))},
			wantEffect: EffectNone,
		},
		{
			name:       "past lock is cleared",
			in:         model.LockState{FailedAttempts: 5, LockedUntil: timePtr(now.Add(-time.Second))},
			wantState:  model.LockState{},
			wantEffect: EffectClearExpiredLock,
		},
		{
			name:       "lock ending exactly now is cleared",
			in:         model.LockState{FailedAttempts: 5, LockedUntil: timePtr(now)},
			wantState:  model.LockState{},
			wantEffect: EffectClearExpiredLock,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, effect := Evaluate(tt.in, now)
			if effect != tt.wantEffect {
				t.Errorf("effect = %v, want %v", effect, tt.wantEffect)
			}
			if got.FailedAttempts != tt.wantState.FailedAttempts {
				t.Errorf("FailedAttempts = %d, want %d", got.FailedAttempts, tt.wantState.FailedAttempts)
			}
			if (got.LockedUntil == nil) != (tt.wantState.LockedUntil == nil) {
				t.Errorf("LockedUntil = %v, want %v", got.LockedUntil, tt.wantState.LockedUntil)
			}
		})
	}
}

func TestPolicy_Fail_LocksAtThreshold(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p := DefaultPolicy

	var s model.LockState
	for i := 1; i < p.Threshold; i++ {
		s = p.Fail(s, now)
		if IsLocked(s, now) {
			t.Fatalf("locked after %d failures", i)
		}
	}

	s = p.Fail(s, now)
	if !IsLocked(s, now) {
		t.Fatal("expected lock after threshold failures")
	}
	if got := s.LockedUntil.Sub(now); got != 15*time.Minute {
		t.Errorf("lock duration = %v, want 15m", got)
	}

	// ロック中の失敗は期限を延長しない
	later := now.Add(time.Minute)
	s2 := p.Fail(s, later)
	if !s2.LockedUntil.Equal(*s.LockedUntil) {
		t.Errorf("lock extended from %v to %v", s.LockedUntil, s2.LockedUntil)
	}
}

func TestPolicy_Fail_AfterExpiryRestartsFromZero(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := model.LockState{FailedAttempts: 5, LockedUntil: timePtr(now.Add(-time.Minute))}

	got := DefaultPolicy.Fail(s, now)
	if got.FailedAttempts != 1 {
		t.Errorf("FailedAttempts = %d, want 1", got.FailedAttempts)
	}
	if got.LockedUntil != nil {
		t.Errorf("LockedUntil = %v, want nil", got.LockedUntil)
	}
}

func TestRetryAfter_RoundsUp(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := model.LockState{LockedUntil: timePtr(now.Add(90*time.Second + 300*time.Millisecond))}

	if got := RetryAfter(s, now); got != 91*time.Second {
		t.Errorf("RetryAfter() = %v, want 91s", got)
	}
	if got := RetryAfter(model.LockState{}, now); got != 0 {
		t.Errorf("RetryAfter(unlocked) = %v, want 0", got)
	}
}
