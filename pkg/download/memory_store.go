package download

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultMemoryCapacity bounds the number of token records held in process
const DefaultMemoryCapacity = 10000

// MemoryStore keeps token records in an expiring LRU. Records live for the ttl given
// at construction; the per-call ttl of Put is ignored.
//
// The capacity is a hard limit on records still inside window + grace. Once it is
// reached the least recently used record is evicted even if its token is live, and
// that token then resolves as not found. Size it from DOWNLOAD_TOKEN_CAPACITY above
// the number of exports completed per window + grace, or use the Redis store.
type MemoryStore struct {
	mu      sync.Mutex
	entries *expirable.LRU[string, *Record]
}

// NewMemoryStore creates an in-process store. ttl should be window + grace.
func NewMemoryStore(capacity int, ttl time.Duration) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	if ttl <= 0 {
		ttl = DefaultWindow + DefaultGrace
	}
	return &MemoryStore{entries: expirable.NewLRU[string, *Record](capacity, nil, ttl)}
}

func (s *MemoryStore) Put(_ context.Context, hash string, rec Record, _ time.Duration) error {
	r := rec
	s.mu.Lock()
	s.entries.Add(hash, &r)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Peek(_ context.Context, hash string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.entries.Peek(hash)
	if !ok {
		return Record{}, ErrTokenNotFound
	}
	if r.Consumed {
		return *r, ErrTokenConsumed
	}
	return *r, nil
}

func (s *MemoryStore) Consume(_ context.Context, hash string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.entries.Get(hash)
	if !ok {
		return Record{}, ErrTokenNotFound
	}
	if r.Consumed {
		return *r, ErrTokenConsumed
	}
	r.Consumed = true
	return *r, nil
}

func (s *MemoryStore) Revoke(_ context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.entries.Get(hash)
	if !ok {
		return ErrTokenNotFound
	}
	r.Consumed = true
	return nil
}
