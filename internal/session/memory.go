package session

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 32

// shard is one lock domain of the MemoryStore.
type shard struct {
	mu       sync.RWMutex
	bindings map[string]Binding
}

// MemoryStore is a sharded in-process binding store. Safe for concurrent use;
// each session id maps to exactly one shard, so per-id operations serialize
// on that shard's lock while unrelated ids proceed in parallel.
type MemoryStore struct {
	shards [shardCount]*shard
	ttl    time.Duration
}

// NewMemoryStore creates a MemoryStore with the given session TTL.
// A zero or negative ttl falls back to 30 minutes.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	s := &MemoryStore{ttl: ttl}
	for i := range s.shards {
		s.shards[i] = &shard{bindings: make(map[string]Binding)}
	}
	return s
}

// TTL returns the configured session TTL.
func (s *MemoryStore) TTL() time.Duration { return s.ttl }

func (s *MemoryStore) shardFor(id string) *shard {
	return s.shards[xxhash.Sum64String(id)%shardCount]
}

func (s *MemoryStore) Get(_ context.Context, id string) (Binding, bool) {
	sh := s.shardFor(id)

	sh.mu.RLock()
	b, ok := sh.bindings[id]
	sh.mu.RUnlock()

	if !ok {
		return Binding{}, false
	}

	if b.Expired(time.Now(), s.ttl) {
		// Lazy expiry — re-check under the write lock in case another
		// goroutine replaced the binding meanwhile.
		sh.mu.Lock()
		if cur, still := sh.bindings[id]; still && cur.Expired(time.Now(), s.ttl) {
			delete(sh.bindings, id)
		}
		sh.mu.Unlock()
		return Binding{}, false
	}

	return b, true
}

func (s *MemoryStore) Put(_ context.Context, b Binding) error {
	sh := s.shardFor(b.SessionID)
	sh.mu.Lock()
	sh.bindings[b.SessionID] = b
	sh.mu.Unlock()
	return nil
}

func (s *MemoryStore) Update(_ context.Context, id string, fn func(old *Binding) Binding) (Binding, error) {
	sh := s.shardFor(id)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	var old *Binding
	if cur, ok := sh.bindings[id]; ok && !cur.Expired(time.Now(), s.ttl) {
		c := cur
		old = &c
	}

	next := fn(old)
	sh.bindings[id] = next
	return next, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	sh := s.shardFor(id)
	sh.mu.Lock()
	delete(sh.bindings, id)
	sh.mu.Unlock()
	return nil
}

func (s *MemoryStore) Sweep(_ context.Context, now time.Time) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, b := range sh.bindings {
			if b.Expired(now, s.ttl) {
				delete(sh.bindings, id)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.bindings)
		sh.mu.RUnlock()
	}
	return n
}

// Healthy always reports true: there is no external backing to lose.
func (s *MemoryStore) Healthy(context.Context) bool { return true }

func (s *MemoryStore) Close() error { return nil }
