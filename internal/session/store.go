package session

import (
	"sort"
	"sync"
	"time"
)

type entry[T any] struct {
	value      T
	lastAccess time.Time
}

// Store is an in-memory registry with sliding expiry. A zero ttl disables expiry and a
// zero max disables the capacity bound.
type Store[T any] struct {
	mu    sync.Mutex
	items map[string]entry[T]
	ttl   time.Duration
	max   int
	now   func() time.Time
}

// NewStore constructs a Store.
func NewStore[T any](ttl time.Duration, max int) *Store[T] {
	if ttl < 0 {
		ttl = 0
	}
	if max < 0 {
		max = 0
	}
	return &Store[T]{items: make(map[string]entry[T]), ttl: ttl, max: max, now: time.Now}
}

// Put stores value under id. When the store is full, expired entries go first and then the
// least recently used ones.
func (s *Store[T]) Put(id string, value T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if _, exists := s.items[id]; !exists && s.max > 0 && len(s.items) >= s.max {
		s.sweepLocked(now)
		for len(s.items) >= s.max {
			s.evictOldestLocked()
		}
	}
	s.items[id] = entry[T]{value: value, lastAccess: now}
}

// Get returns the value for id and refreshes its expiry.
func (s *Store[T]) Get(id string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	it, ok := s.items[id]
	if !ok {
		return zero, false
	}
	now := s.now()
	if s.expired(it, now) {
		delete(s.items, id)
		return zero, false
	}
	it.lastAccess = now
	s.items[id] = it
	return it.value, true
}

// Delete removes id; it reports whether an entry existed.
func (s *Store[T]) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[id]
	delete(s.items, id)
	return ok
}

// Len reports the number of entries, including expired ones not yet swept.
func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// IDs lists live entry ids in sorted order.
func (s *Store[T]) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	ids := make([]string, 0, len(s.items))
	for id, it := range s.items {
		if !s.expired(it, now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Sweep drops expired entries and returns how many were removed.
func (s *Store[T]) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(s.now())
}

func (s *Store[T]) sweepLocked(now time.Time) int {
	removed := 0
	for id, it := range s.items {
		if s.expired(it, now) {
			delete(s.items, id)
			removed++
		}
	}
	return removed
}

func (s *Store[T]) evictOldestLocked() {
	var (
		oldestID string
		oldestAt time.Time
		found    bool
	)
	for id, it := range s.items {
		if !found || it.lastAccess.Before(oldestAt) || (it.lastAccess.Equal(oldestAt) && id < oldestID) {
			oldestID, oldestAt, found = id, it.lastAccess, true
		}
	}
	if found {
		delete(s.items, oldestID)
	}
}

func (s *Store[T]) expired(it entry[T], now time.Time) bool {
	return s.ttl > 0 && now.Sub(it.lastAccess) > s.ttl
}
