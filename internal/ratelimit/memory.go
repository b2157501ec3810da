package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process window counter, used either as the sole
// backend for single-process deployments or as the fallback when the
// shared store is unreachable. Expired windows are swept by a janitor.
type MemoryStore struct {
	mutex        sync.Mutex
	entries      map[string]*windowCounter
	cleanupEvery time.Duration
}

type windowCounter struct {
	count     int64
	expiresAt time.Time
}

type MemoryOption func(*MemoryStore)

func WithCleanupEvery(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.cleanupEvery = d }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries:      make(map[string]*windowCounter),
		cleanupEvery: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Incr(_ context.Context, key string, limit int, window time.Duration) (bool, int64, time.Duration, error) {
	now := time.Now()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	ent, ok := s.entries[key]
	if !ok || !ent.expiresAt.After(now) {
		ent = &windowCounter{expiresAt: now.Add(window)}
		s.entries[key] = ent
	}

	remaining := ent.expiresAt.Sub(now)

	if ent.count >= int64(limit) {
		return false, ent.count, remaining, nil
	}

	ent.count++
	return true, ent.count, remaining, nil
}

// Cleanup removes windows that have already expired.
func (s *MemoryStore) Cleanup() {
	now := time.Now()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	for key, ent := range s.entries {
		if !ent.expiresAt.After(now) {
			delete(s.entries, key)
		}
	}
}

// StartJanitor sweeps expired windows until the context is cancelled.
func (s *MemoryStore) StartJanitor(ctx context.Context) {
	if s.cleanupEvery <= 0 {
		return
	}

	ticker := time.NewTicker(s.cleanupEvery)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Cleanup()
			}
		}
	}()
}
