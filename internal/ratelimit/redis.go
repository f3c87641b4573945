package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix は他用途のキーと衝突しないよう全キーに付与する接頭辞。
const redisKeyPrefix = "ratelimit:"

// RedisStore はRedisでカウンターを保持するStore。
// 複数インスタンス間でカウンターを共有する。
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore は新しいRedisStoreを生成する。
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Increment はStoreインターフェースを実装する。
// INCRとPTTLを1往復で送り、有効期限のないキー（新規ウィンドウ）にのみPEXPIREを設定する。
func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	k := redisKeyPrefix + key

	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, k)
	pttl := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}

	count := incr.Val()
	ttl := pttl.Val()
	if ttl < 0 {
		if err := s.client.PExpire(ctx, k, window).Err(); err != nil {
			return 0, 0, fmt.Errorf("failed to set rate limit window: %w", err)
		}
		ttl = window
	}

	return count, ttl, nil
}

// compile-time interface check
var _ Store = (*RedisStore)(nil)
