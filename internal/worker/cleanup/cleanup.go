// Package cleanup は認証データの定期削除ジョブを提供する。
// 期限切れ・失効から保持期間（デフォルト7日）を過ぎたリフレッシュトークン行を削除し、
// 期限切れのメール確認・パスワードリセットトークンのハッシュを消去する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// StaleTokenDeleter は不要になったリフレッシュトークン行を削除する。
type StaleTokenDeleter interface {
	DeleteStale(ctx context.Context, before time.Time) (int64, error)
}

// ExpiredTokenPurger は期限切れのワンタイムトークンを消去する。
type ExpiredTokenPurger interface {
	PurgeExpiredTokens(ctx context.Context, now time.Time) (int64, error)
}

// CleanupJob は認証データの定期削除ジョブ。
// 冪等な削除処理のみを行うため、複数ワーカーから同時に実行されても結果は変わらない。
type CleanupJob struct {
	refreshTokens StaleTokenDeleter
	credentials   ExpiredTokenPurger
	logger        *slog.Logger
	now           func() time.Time
	Retention     time.Duration // 期限切れ・失効後にリフレッシュトークン行を保持する期間（デフォルト: 7日）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(refreshTokens StaleTokenDeleter, credentials ExpiredTokenPurger, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		refreshTokens: refreshTokens,
		credentials:   credentials,
		logger:        logger,
		now:           time.Now,
		Retention:     7 * 24 * time.Hour,
	}
}

// Run は1回分のクリーンアップを実行する。
// 片方の削除が失敗してももう片方は実行し、最初のエラーを返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.now()

	var firstErr error

	deletedTokens, err := j.refreshTokens.DeleteStale(ctx, start.Add(-j.Retention))
	if err != nil {
		j.logger.Error("リフレッシュトークンの削除に失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("retention", j.Retention),
		)
		firstErr = fmt.Errorf("リフレッシュトークンの削除に失敗: %w", err)
	}

	purged, err := j.credentials.PurgeExpiredTokens(ctx, start)
	if err != nil {
		j.logger.Error("ワンタイムトークンの消去に失敗しました",
			slog.String("error", err.Error()),
		)
		if firstErr == nil {
			firstErr = fmt.Errorf("ワンタイムトークンの消去に失敗: %w", err)
		}
	}

	if firstErr != nil {
		return firstErr
	}

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_refresh_tokens", deletedTokens),
		slog.Int64("purged_one_time_tokens", purged),
		slog.Duration("retention", j.Retention),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}

// Start はinterval毎にRunを実行する。起動直後に1回実行し、ctxがキャンセルされるまでブロックする。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if err := j.Run(ctx); err != nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}
