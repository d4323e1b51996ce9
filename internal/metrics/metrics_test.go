// Package metrics_test verifies that every Prometheus metric exported by the
// metrics package can be registered without panicking, and that each increment
// or set operation is reflected in the metric's current value.
//
// Delta comparisons (before/after) are used throughout so that tests remain
// order-independent regardless of how many other tests have touched the
// package-level counters before this file runs.
package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developingchet/postguard/internal/metrics"
)

func TestRegisterWith_DoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		metrics.RegisterWith(prometheus.NewRegistry())
	})
}

// TestRegisterWith_PanicsOnDoubleRegistration verifies the MustRegister
// behaviour: re-registering the same metrics with the same registry panics.
func TestRegisterWith_PanicsOnDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.RegisterWith(reg)
	assert.Panics(t, func() {
		metrics.RegisterWith(reg)
	})
}

func TestSubmissions_IncrementsByOutcome(t *testing.T) {
	for _, outcome := range []string{"admit", "throttle", "reject"} {
		outcome := outcome
		t.Run(outcome, func(t *testing.T) {
			before := testutil.ToFloat64(metrics.Submissions.WithLabelValues(outcome))
			metrics.Submissions.WithLabelValues(outcome).Inc()
			assert.Equal(t, before+1, testutil.ToFloat64(metrics.Submissions.WithLabelValues(outcome)))
		})
	}
}

func TestDenials_IncrementsByStage(t *testing.T) {
	stages := []string{"rate", "flood", "ban", "reputation", "content", "challenge"}
	for _, s := range stages {
		s := s
		t.Run(s, func(t *testing.T) {
			before := testutil.ToFloat64(metrics.Denials.WithLabelValues(s))
			metrics.Denials.WithLabelValues(s).Inc()
			assert.Equal(t, before+1, testutil.ToFloat64(metrics.Denials.WithLabelValues(s)))
		})
	}
}

func TestChallengeErrors_IncrementsByType(t *testing.T) {
	for _, typ := range []string{"network", "timeout", "http", "decode"} {
		typ := typ
		t.Run(typ, func(t *testing.T) {
			before := testutil.ToFloat64(metrics.ChallengeErrors.WithLabelValues(typ))
			metrics.ChallengeErrors.WithLabelValues(typ).Inc()
			assert.Equal(t, before+1, testutil.ToFloat64(metrics.ChallengeErrors.WithLabelValues(typ)))
		})
	}
}

func TestCounterKeys_SetAndDec(t *testing.T) {
	metrics.CounterKeys.Set(500)
	require.Equal(t, float64(500), testutil.ToFloat64(metrics.CounterKeys))

	metrics.CounterKeys.Dec()
	assert.Equal(t, float64(499), testutil.ToFloat64(metrics.CounterKeys))
}

func TestReputationEntries_PerList(t *testing.T) {
	metrics.ReputationEntries.WithLabelValues("tor").Set(12)
	metrics.ReputationEntries.WithLabelValues("vpn").Set(3)
	assert.Equal(t, float64(12), testutil.ToFloat64(metrics.ReputationEntries.WithLabelValues("tor")))
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.ReputationEntries.WithLabelValues("vpn")))
}
