package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsServerRegistersCollectors(t *testing.T) {
	srv, err := New("enrollment-gateway", "127.0.0.1:0")
	require.NoError(t, err)

	before := testutil.ToFloat64(stepOutcomes.WithLabelValues("greeter", "1-wait-peer-ready", "ok"))
	RecordStep("greeter", "1-wait-peer-ready", "ok")
	assert.Equal(t, before+1, testutil.ToFloat64(stepOutcomes.WithLabelValues("greeter", "1-wait-peer-ready", "ok")))

	WaiterParked()
	assert.Equal(t, float64(1), testutil.ToFloat64(parkedWaiters))
	WaiterReleased()
	assert.Equal(t, float64(0), testutil.ToFloat64(parkedWaiters))

	families, err := srv.Registry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["enrollment_step_outcomes_total"])
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "enrollment_gateway", sanitize("enrollment-gateway"))
}
