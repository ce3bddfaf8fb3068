package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersIncrement(t *testing.T) {
	m := New()

	m.FramesCaptured.Inc()
	m.FramesCaptured.Inc()
	m.Interruptions.Inc()
	m.TurnEndReasons.WithLabelValues("silence_timeout").Inc()
	m.Speaker.Set(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesCaptured))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Interruptions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TurnEndReasons.WithLabelValues("silence_timeout")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Speaker))
}

func TestIndependentRegistries(t *testing.T) {
	// Two instances must not collide; each session can carry its own.
	a, b := New(), New()
	a.Turns.Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.Turns))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Turns))
}

func TestHandlerServesExposition(t *testing.T) {
	m := New()
	m.Turns.Inc()
	m.ResponseLatency.Observe(0.3)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "voicepipe_turns_total")
	assert.Contains(t, string(body), "voicepipe_response_latency_seconds")
}
