package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return New(reg, DefaultConfig()), reg
}

func TestObserveSessionAttemptLabelsByOutcome(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.ObserveSessionAttempt("unlock", true)
	m.ObserveSessionAttempt("unlock", false)
	m.ObserveSessionAttempt("unlock", false)

	ok := testutil.ToFloat64(m.sessionAttempts.WithLabelValues("unlock", "ok"))
	fail := testutil.ToFloat64(m.sessionAttempts.WithLabelValues("unlock", "fail"))
	assert.Equal(t, 1.0, ok)
	assert.Equal(t, 2.0, fail)

	count, err := testutil.GatherAndCount(reg, "ppmboot_orchestrator_session_attempts_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestObservePageRetryIncrementsBySession(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.ObservePageRetry("flash_program")
	m.ObservePageRetry("flash_program")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.pageRetries.WithLabelValues("flash_program")))
}

func TestObserveFramesDroppedAddsDelta(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.ObserveFramesDropped(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.framesDropped))
	m.ObserveFramesDropped(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.framesDropped))
}

func TestObserveActionDurationRecordsSeconds(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.ObserveActionDuration("nvram", "program", 250*time.Millisecond)

	count, err := testutil.GatherAndCount(reg, "ppmboot_orchestrator_action_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNewUsesDefaultConfigWhenNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, nil)
	m.ObserveFramesDropped(1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.framesDropped))
}
