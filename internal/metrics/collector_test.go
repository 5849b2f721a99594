package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.SessionCreated()
	c.SessionRemoved("idle")
	c.RecordHTTPRequest("GET", "/health", 200, time.Millisecond)
	c.StateTransition("active")
	assert.Nil(t, c.Registry())
	assert.NotNil(t, c.Handler())
}

func TestCollectorCounts(t *testing.T) {
	c := NewCollector("voice_test")
	c.SessionCreated()
	c.SessionCreated()
	c.SessionRemoved("idle")
	c.ConnectionAttempt("retry")
	c.ConnectionAttempt("retry")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.activeSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.evictions.WithLabelValues("idle")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.connectionAttempts.WithLabelValues("retry")))
}

func TestHandlerExposesNamespace(t *testing.T) {
	c := NewCollector("voice_test")
	c.StateTransition("active")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `voice_test_session_state_transitions_total{to="active"} 1`))
}
