package idempotency

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 64

type entry struct {
	payload   []byte
	expiresAt time.Time
	// done is non-nil while the key is reserved and closed when it is released.
	done chan struct{}
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// MemoryStore is an in-process Store. Keys are spread across lock shards so
// unrelated keys rarely contend. A second caller for a reserved key waits.
type MemoryStore struct {
	shards [shardCount]shard
	now    func() time.Time
}

// NewMemoryStore creates a MemoryStore. now may be nil.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	s := &MemoryStore{now: now}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]*entry)
	}
	return s
}

func (s *MemoryStore) shard(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}

// live returns the entry for key, dropping it if expired. sh.mu must be held.
func (s *MemoryStore) live(sh *shard, key string) *entry {
	e, ok := sh.entries[key]
	if !ok {
		return nil
	}
	if e.done == nil && !s.now().Before(e.expiresAt) {
		delete(sh.entries, key)
		return nil
	}
	return e
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e := s.live(sh, key)
	if e == nil || e.done != nil {
		return nil, false, nil
	}
	return e.payload, true, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, payload []byte, ttl time.Duration) error {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e := sh.entries[key]; e != nil && e.done != nil {
		close(e.done)
	}
	sh.entries[key] = &entry{payload: payload, expiresAt: s.now().Add(ttlOrDefault(ttl))}
	return nil
}

func (s *MemoryStore) Acquire(ctx context.Context, key string) ([]byte, bool, error) {
	sh := s.shard(key)
	for {
		sh.mu.Lock()
		e := s.live(sh, key)
		if e == nil {
			sh.entries[key] = &entry{done: make(chan struct{})}
			sh.mu.Unlock()
			return nil, false, nil
		}
		if e.done == nil {
			payload := e.payload
			sh.mu.Unlock()
			return payload, true, nil
		}
		wait := e.done
		sh.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-wait:
		}
	}
}

func (s *MemoryStore) Complete(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	return s.Put(ctx, key, payload, ttl)
}

func (s *MemoryStore) Abandon(_ context.Context, key string) error {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e := sh.entries[key]; e != nil && e.done != nil {
		close(e.done)
		delete(sh.entries, key)
	}
	return nil
}

// Sweep removes expired results and returns how many were dropped.
func (s *MemoryStore) Sweep() int {
	removed := 0
	now := s.now()
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for key, e := range sh.entries {
			if e.done == nil && !now.Before(e.expiresAt) {
				delete(sh.entries, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
