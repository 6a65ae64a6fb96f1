// ABOUTME: Tests for metric recording and the tracing helpers.

package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_Idempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		Init()
		Init()
	})
}

func TestRecorders(t *testing.T) {
	before := testutil.ToFloat64(toolCallsTotal.WithLabelValues("echo", "ok"))
	RecordToolCall("echo", true)
	assert.Equal(t, before+1, testutil.ToFloat64(toolCallsTotal.WithLabelValues("echo", "ok")))

	SetConnections("node", 3)
	assert.Equal(t, float64(3), testutil.ToFloat64(connectionsActive.WithLabelValues("node")))

	beforeBytes := testutil.ToFloat64(transferBytes)
	RecordTransfer(true, 100)
	RecordTransfer(false, 50)
	assert.Equal(t, beforeBytes+100, testutil.ToFloat64(transferBytes))

	RecordRun("final", time.Second)
	RecordCompaction("fallback", "overflow")
	RecordLLMCall("m", true, time.Millisecond)
	RecordFrame("chat.send", false)
	SetActors(2)
	assert.Equal(t, float64(2), testutil.ToFloat64(activeActors))
}

func TestHandler_Serves(t *testing.T) {
	Init()
	RecordRun("final", time.Second)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "coven_relay_runs_total")
}

func TestStartSpan_NoopWhenDisabled(t *testing.T) {
	require.NoError(t, InitTracing(false))
	ctx, span := StartSpan(context.Background(), "test")
	assert.NotNil(t, ctx)
	span.End()
	assert.NoError(t, ShutdownTracing(context.Background()))
}
