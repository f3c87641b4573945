package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxAlertKeys はAlertSinkが保持するキー数の上限。超えた場合は全て破棄する。
const maxAlertKeys = 10000

// AlertSink はリミッター発動をセキュリティアラートとして外部監視向けに記録する。
// 同一キーのアラートはキーごとのトークンバケットで間引く。
type AlertSink struct {
	logger *slog.Logger
	every  rate.Limit
	burst  int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewAlertSink は新しいAlertSinkを生成する。
// キーごとにinterval当たり1件までアラートを出力する。
func NewAlertSink(logger *slog.Logger, interval time.Duration) *AlertSink {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &AlertSink{
		logger:   logger,
		every:    rate.Every(interval),
		burst:    1,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Alert はブルートフォースの疑いとしてアラートを記録する。出力した場合はtrueを返す。
// 呼び出し元の429応答をブロックしない。
func (a *AlertSink) Alert(ctx context.Context, limiter, key string, count int64) bool {
	if !a.allow(key) {
		return false
	}
	a.logger.WarnContext(ctx, "security_alert",
		slog.String("alert", "brute_force_suspected"),
		slog.String("limiter", limiter),
		slog.String("key", key),
		slog.Int64("count", count),
	)
	return true
}

func (a *AlertSink) allow(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	l, ok := a.limiters[key]
	if !ok {
		if len(a.limiters) >= maxAlertKeys {
			a.limiters = make(map[string]*rate.Limiter)
		}
		l = rate.NewLimiter(a.every, a.burst)
		a.limiters[key] = l
	}
	return l.Allow()
}
