// Package shardmap provides string-keyed maps split over independently
// locked shards.
package shardmap

import (
	"hash/fnv"
	"sync"
)

// DefaultShards is the shard count used when New gets n <= 0.
const DefaultShards = 32

// Store is a keyed map of shared state. Implementations must make Update
// atomic with respect to every other operation on the same key.
type Store[V any] interface {
	Get(key string) (V, bool)
	Put(key string, v V)
	Delete(key string) bool
	// Update runs fn with the current value under the key's lock. If keep is
	// false the key is removed, otherwise next is stored.
	Update(key string, fn func(cur V, ok bool) (next V, keep bool))
	Range(fn func(key string, v V) bool)
	// DeleteExpired removes every entry for which expired returns true and
	// reports how many were removed.
	DeleteExpired(expired func(v V) bool) int
	Len() int
}

type shard[V any] struct {
	mu sync.RWMutex
	m  map[string]V
}

// Map spreads keys over independently locked shards so unrelated keys
// never contend on one lock.
type Map[V any] struct {
	shards []*shard[V]
}

var _ Store[int] = (*Map[int])(nil)

// New returns an empty store with n shards.
func New[V any](n int) *Map[V] {
	if n <= 0 {
		n = DefaultShards
	}
	s := &Map[V]{shards: make([]*shard[V], n)}
	for i := range s.shards {
		s.shards[i] = &shard[V]{m: make(map[string]V)}
	}
	return s
}

func (s *Map[V]) shardFor(key string) *shard[V] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

func (s *Map[V]) Get(key string) (V, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	v, ok := sh.m[key]
	return v, ok
}

func (s *Map[V]) Put(key string, v V) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	sh.m[key] = v
	sh.mu.Unlock()
}

func (s *Map[V]) Delete(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.m[key]
	delete(sh.m, key)
	return ok
}

func (s *Map[V]) Update(key string, fn func(cur V, ok bool) (V, bool)) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur, ok := sh.m[key]
	next, keep := fn(cur, ok)
	if keep {
		sh.m[key] = next
	} else {
		delete(sh.m, key)
	}
}

// Range calls fn for every entry, one shard at a time. fn must not call back
// into the store.
func (s *Map[V]) Range(fn func(key string, v V) bool) {
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k, v := range sh.m {
			if !fn(k, v) {
				sh.mu.RUnlock()
				return
			}
		}
		sh.mu.RUnlock()
	}
}

func (s *Map[V]) DeleteExpired(expired func(v V) bool) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, v := range sh.m {
			if expired(v) {
				delete(sh.m, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func (s *Map[V]) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.m)
		sh.mu.RUnlock()
	}
	return n
}
