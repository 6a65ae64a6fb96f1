// ABOUTME: Table of tool calls sent to nodes, tagged by who is waiting for the result.
// ABOUTME: Client calls answer a request; session calls feed the session's tool result.

package router

import (
	"errors"
	"sync"
	"time"
)

// ErrDuplicateCallID indicates the call id is already pending.
var ErrDuplicateCallID = errors.New("duplicate call id")

// callKind tags a pending call with the kind of caller waiting on it.
type callKind int

const (
	callClient callKind = iota
	callSession
)

// pendingCall is one outstanding tool invocation.
type pendingCall struct {
	id     string
	kind   callKind
	nodeID string
	tool   string
	sentAt time.Time
	timer  *time.Timer

	// callClient
	conn      *Conn
	requestID string

	// callSession
	sessionKey    string
	sessionCallID string
}

// pendingTable is keyed by the call id sent to the node.
type pendingTable struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[string]*pendingCall)}
}

// add records a call and arms its expiry. onExpire runs at most once and only if
// the call is still pending.
func (t *pendingTable) add(c *pendingCall, timeout time.Duration, onExpire func(*pendingCall)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.calls[c.id]; exists {
		return ErrDuplicateCallID
	}
	c.sentAt = time.Now()
	t.calls[c.id] = c
	if timeout > 0 {
		c.timer = time.AfterFunc(timeout, func() {
			if expired := t.take(c.id); expired != nil {
				onExpire(expired)
			}
		})
	}
	return nil
}

// take removes and returns a call, or nil if it is unknown or already resolved.
func (t *pendingTable) take(id string) *pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[id]
	if !ok {
		return nil
	}
	delete(t.calls, id)
	if c.timer != nil {
		c.timer.Stop()
	}
	return c
}

// takeFrom removes and returns a call only if it was sent to nodeID.
func (t *pendingTable) takeFrom(id, nodeID string) *pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[id]
	if !ok || c.nodeID != nodeID {
		return nil
	}
	delete(t.calls, id)
	if c.timer != nil {
		c.timer.Stop()
	}
	return c
}

// takeIf removes and returns every call for which match is true.
func (t *pendingTable) takeIf(match func(*pendingCall) bool) []*pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*pendingCall
	for id, c := range t.calls {
		if !match(c) {
			continue
		}
		delete(t.calls, id)
		if c.timer != nil {
			c.timer.Stop()
		}
		out = append(out, c)
	}
	return out
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
