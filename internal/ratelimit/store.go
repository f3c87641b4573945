// Package ratelimit は固定ウィンドウ方式のリクエスト数カウンターと、名前付きリミッターを提供する。
// カウンターストアは単一インスタンス向けのインメモリ実装と、複数インスタンス向けのRedis実装を切り替えられる。
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Store はウィンドウ単位のカウンターを保持する。
type Store interface {
	// Increment はkeyのカウンターを1加算し、加算後の値とウィンドウ終了までの残り時間を返す。
	// keyが存在しないか期限切れの場合は新しいウィンドウを開始する。
	Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// windowEntry はインメモリストアの1キー分のカウンター。
type windowEntry struct {
	count   int64
	resetAt time.Time
}

// MemoryStore はプロセス内のマップでカウンターを保持するStore。
// バックグラウンドで期限切れエントリを定期的に削除する。
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*windowEntry
	now     func() time.Time

	cleanupInterval time.Duration
	stopCh          chan struct{}
	stopOnce        sync.Once
}

// NewMemoryStore は新しいMemoryStoreを生成し、クリーンアップを開始する。
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	s := &MemoryStore{
		entries:         make(map[string]*windowEntry),
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		stopCh:          make(chan struct{}),
	}

	go s.cleanupLoop()

	return s
}

// Increment はStoreインターフェースを実装する。
func (s *MemoryStore) Increment(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.entries[key]
	if !ok || !now.Before(e.resetAt) {
		e = &windowEntry{resetAt: now.Add(window)}
		s.entries[key] = e
	}
	e.count++

	return e.count, e.resetAt.Sub(now), nil
}

// Len は現在保持しているエントリ数を返す。テストおよびメトリクス用。
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (s *MemoryStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (s *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

// cleanup はウィンドウが終了したエントリを削除する。
func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, e := range s.entries {
		if !now.Before(e.resetAt) {
			delete(s.entries, key)
		}
	}
}

// compile-time interface check
var _ Store = (*MemoryStore)(nil)
