package discordtrack

import (
	"sync"

	"github.com/gammazero/deque"
)

const defaultSeenCapacity = 10000

// seenSet remembers recently processed item ids, evicting the oldest once
// capacity is reached.
type seenSet struct {
	mu    sync.Mutex
	cap   int
	order deque.Deque[string]
	ids   map[string]struct{}
}

func newSeenSet(capacity int) *seenSet {
	if capacity <= 0 {
		capacity = defaultSeenCapacity
	}
	return &seenSet{cap: capacity, ids: make(map[string]struct{}, capacity)}
}

func (s *seenSet) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

func (s *seenSet) Add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return
	}
	if s.order.Len() >= s.cap {
		delete(s.ids, s.order.PopFront())
	}
	s.order.PushBack(id)
	s.ids[id] = struct{}{}
}

func (s *seenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// claims keeps the live path and backfill from submitting the same item at
// the same time.
type claims struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newClaims() *claims {
	return &claims{ids: make(map[string]struct{})}
}

func (c *claims) Acquire(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.ids[id]; busy {
		return false
	}
	c.ids[id] = struct{}{}
	return true
}

func (c *claims) Release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ids, id)
}
