// ABOUTME: Tests for the pending tool call table.
// ABOUTME: Checks correlation by id, node ownership, expiry, and bulk removal.

package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingTable_TakeOnce(t *testing.T) {
	table := newPendingTable()
	require.NoError(t, table.add(&pendingCall{id: "a", nodeID: "n1"}, 0, nil))
	require.NoError(t, table.add(&pendingCall{id: "b", nodeID: "n1"}, 0, nil))
	assert.ErrorIs(t, table.add(&pendingCall{id: "a"}, 0, nil), ErrDuplicateCallID)

	got := table.take("b")
	require.NotNil(t, got)
	assert.Equal(t, "b", got.id)
	assert.Nil(t, table.take("b"), "a call resolves only once")
	assert.Equal(t, 1, table.len())
}

func TestPendingTable_TakeFromChecksNode(t *testing.T) {
	table := newPendingTable()
	require.NoError(t, table.add(&pendingCall{id: "a", nodeID: "n1"}, 0, nil))

	assert.Nil(t, table.takeFrom("a", "n2"))
	assert.NotNil(t, table.takeFrom("a", "n1"))
}

func TestPendingTable_Expiry(t *testing.T) {
	table := newPendingTable()
	expired := make(chan string, 2)
	onExpire := func(pc *pendingCall) { expired <- pc.id }

	require.NoError(t, table.add(&pendingCall{id: "slow"}, 20*time.Millisecond, onExpire))
	require.NoError(t, table.add(&pendingCall{id: "fast"}, 20*time.Millisecond, onExpire))
	require.NotNil(t, table.take("fast"))

	select {
	case id := <-expired:
		assert.Equal(t, "slow", id)
	case <-time.After(time.Second):
		t.Fatal("expected expiry")
	}
	select {
	case id := <-expired:
		t.Fatalf("resolved call %s must not expire", id)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Zero(t, table.len())
}

func TestPendingTable_TakeIf(t *testing.T) {
	table := newPendingTable()
	for _, pc := range []*pendingCall{{id: "1", nodeID: "a"}, {id: "2", nodeID: "b"}, {id: "3", nodeID: "a"}} {
		require.NoError(t, table.add(pc, 0, nil))
	}
	taken := table.takeIf(func(pc *pendingCall) bool { return pc.nodeID == "a" })
	assert.Len(t, taken, 2)
	assert.Equal(t, 1, table.len())
}
