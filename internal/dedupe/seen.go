// ABOUTME: Size-bounded TTL set of recently seen channel message identities.
// ABOUTME: The router consults it before forwarding a channel inbound message to a session.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// DefaultWindow is how long a message identity is remembered.
const DefaultWindow = 5 * time.Minute

// DefaultCapacity bounds the number of remembered identities.
const DefaultCapacity = 10000

type entry struct {
	key    string
	seenAt time.Time
}

// Seen remembers message identities in arrival order. The oldest entry is
// evicted first when the set is full; entries older than the window are ignored
// and pruned lazily on each mark.
type Seen struct {
	mu       sync.Mutex
	index    map[string]*list.Element
	order    *list.List
	window   time.Duration
	capacity int
	now      func() time.Time
}

// New creates a set with the given window and capacity.
func New(window time.Duration, capacity int) *Seen {
	if window <= 0 {
		window = DefaultWindow
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Seen{
		index:    make(map[string]*list.Element),
		order:    list.New(),
		window:   window,
		capacity: capacity,
		now:      time.Now,
	}
}

// InboundKey identifies a channel message across redeliveries.
func InboundKey(channel, accountID, messageID string) string {
	return channel + "\x00" + accountID + "\x00" + messageID
}

// Observe records key and reports whether it was already seen inside the window.
func (s *Seen) Observe(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.pruneLocked(now)

	if el, ok := s.index[key]; ok {
		return now.Sub(el.Value.(*entry).seenAt) < s.window
	}

	if s.order.Len() >= s.capacity {
		s.removeLocked(s.order.Front())
	}
	s.index[key] = s.order.PushBack(&entry{key: key, seenAt: now})
	return false
}

// Len returns the number of remembered identities.
func (s *Seen) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// pruneLocked drops expired entries from the front. Entries are in arrival order,
// so the scan stops at the first live one.
func (s *Seen) pruneLocked(now time.Time) {
	for el := s.order.Front(); el != nil; el = s.order.Front() {
		if now.Sub(el.Value.(*entry).seenAt) < s.window {
			return
		}
		s.removeLocked(el)
	}
}

func (s *Seen) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	s.order.Remove(el)
	delete(s.index, el.Value.(*entry).key)
}
