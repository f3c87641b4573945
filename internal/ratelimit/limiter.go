package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

// リミッター名。キーの名前空間としても使う。
const (
	NameAuth          = "auth"
	NameGeneral       = "general"
	NameSensitive     = "sensitive"
	NamePasswordReset = "password_reset"
	NameUser          = "user"
)

// Rule はリミッター1つ分の上限とウィンドウ。
type Rule struct {
	Max    int
	Window time.Duration
}

// Result はAllowの判定結果。
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	Key        string
}

// Limiter は名前付きの固定ウィンドウリミッター。
type Limiter struct {
	name   string
	rule   Rule
	store  Store
	alerts *AlertSink
	logger *slog.Logger
}

// NewLimiter は新しいLimiterを生成する。alertsがnilの場合はアラートを出さない。
func NewLimiter(name string, rule Rule, store Store, alerts *AlertSink, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{name: name, rule: rule, store: store, alerts: alerts, logger: logger}
}

// Name はリミッター名を返す。
func (l *Limiter) Name() string {
	return l.name
}

// Key はカウンターのキーを返す。
// userIDが空の場合はユーザーオブジェクトの有無にかかわらずIPで数える。
func Key(prefix, userID, ip string) string {
	if userID != "" {
		return prefix + ":user:" + userID
	}
	return prefix + ":ip:" + ip
}

// Allow はリクエストを1件数え、上限内かどうかを返す。
// ストアの障害時は通過させ、ログのみ記録する。
func (l *Limiter) Allow(ctx context.Context, userID, ip string) Result {
	key := Key(l.name, userID, ip)

	count, ttl, err := l.store.Increment(ctx, key, l.rule.Window)
	if err != nil {
		l.logger.ErrorContext(ctx, "rate limit store unavailable, allowing request",
			slog.String("limiter", l.name),
			slog.String("error", err.Error()),
		)
		return Result{Allowed: true, Limit: l.rule.Max, Remaining: l.rule.Max, Key: key}
	}

	res := Result{
		Allowed:   count <= int64(l.rule.Max),
		Limit:     l.rule.Max,
		Remaining: max(l.rule.Max-int(count), 0),
		Key:       key,
	}
	if !res.Allowed {
		res.RetryAfter = ttl
		if l.alerts != nil {
			l.alerts.Alert(ctx, l.name, key, count)
		}
	}
	return res
}

// Rules は名前付きリミッターごとの設定。
type Rules struct {
	Auth          Rule
	General       Rule
	Sensitive     Rule
	PasswordReset Rule
	User          Rule
}

// Set はアプリケーションで使うリミッター一式。
// リミッターごとにキーの名前空間が分かれるため、一方の枯渇が他方に影響しない。
type Set struct {
	Auth          *Limiter
	General       *Limiter
	Sensitive     *Limiter
	PasswordReset *Limiter
	User          *Limiter
}

// NewSet はリミッター一式を生成する。アラートはauthリミッターのみが出す。
func NewSet(store Store, rules Rules, alerts *AlertSink, logger *slog.Logger) *Set {
	return &Set{
		Auth:          NewLimiter(NameAuth, rules.Auth, store, alerts, logger),
		General:       NewLimiter(NameGeneral, rules.General, store, nil, logger),
		Sensitive:     NewLimiter(NameSensitive, rules.Sensitive, store, nil, logger),
		PasswordReset: NewLimiter(NamePasswordReset, rules.PasswordReset, store, nil, logger),
		User:          NewLimiter(NameUser, rules.User, store, nil, logger),
	}
}
