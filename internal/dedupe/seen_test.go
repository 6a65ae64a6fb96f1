// ABOUTME: Tests for the seen-message set used to drop redelivered channel messages.
// ABOUTME: Drives time through an injected clock.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newWithClock(window time.Duration, capacity int) (*Seen, *fakeClock) {
	s := New(window, capacity)
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s.now = clk.now
	return s, clk
}

func TestObserve_FirstThenDuplicate(t *testing.T) {
	s, _ := newWithClock(time.Minute, 10)
	key := InboundKey("discord", "acct", "m1")

	assert.False(t, s.Observe(key))
	assert.True(t, s.Observe(key))
	assert.False(t, s.Observe(InboundKey("discord", "acct", "m2")))
}

func TestObserve_ExpiresAfterWindow(t *testing.T) {
	s, clk := newWithClock(time.Minute, 10)

	assert.False(t, s.Observe("k"))
	clk.t = clk.t.Add(2 * time.Minute)
	assert.False(t, s.Observe("k"))
	assert.Equal(t, 1, s.Len())
}

func TestObserve_EvictsOldestAtCapacity(t *testing.T) {
	s, clk := newWithClock(time.Hour, 2)

	s.Observe("a")
	clk.t = clk.t.Add(time.Second)
	s.Observe("b")
	clk.t = clk.t.Add(time.Second)
	s.Observe("c")

	assert.Equal(t, 2, s.Len())
	assert.False(t, s.Observe("a"), "oldest entry should have been evicted")
}

func TestInboundKey_Distinct(t *testing.T) {
	assert.NotEqual(t, InboundKey("a", "bc", "d"), InboundKey("ab", "c", "d"))
}

func TestObserve_Concurrent(t *testing.T) {
	s := New(time.Minute, 1000)
	var wg sync.WaitGroup
	dupes := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dupes <- s.Observe(fmt.Sprintf("k%d", i%10))
		}(i)
	}
	wg.Wait()
	close(dupes)

	fresh := 0
	for d := range dupes {
		if !d {
			fresh++
		}
	}
	assert.Equal(t, 10, fresh)
}
