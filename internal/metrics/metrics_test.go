package metrics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventattend/internal/attendance"
)

func TestKind(t *testing.T) {
	cases := map[string]error{
		"invalid_transition": &attendance.TransitionError{From: attendance.StateCompleted, Attempted: attendance.TransitionTimeOut},
		"missing_identifier": attendance.ErrMissingIdentifier,
		"missing_evidence":   fmt.Errorf("scan: %w", attendance.ErrMissingEvidence),
		"session_busy":       attendance.ErrSessionBusy,
		"persistence":        &attendance.PersistenceError{Err: errors.New("db down")},
		"other":              errors.New("boom"),
	}
	for want, err := range cases {
		assert.Equal(t, want, Kind(err), err.Error())
	}
}

func TestRecorderObservesCommitsAndRejections(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	ctx := context.Background()

	m.Committed(ctx, attendance.Commit{Transition: attendance.TransitionTimeIn, Path: attendance.PathManual})
	m.Committed(ctx, attendance.Commit{Transition: attendance.TransitionTimeIn, Path: attendance.PathManual})
	m.Rejected(ctx, attendance.Key{}, attendance.PathScan, attendance.ErrMissingEvidence)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Transitions.WithLabelValues("time_in", "manual")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Failures.WithLabelValues("missing_evidence")))
}

func TestActiveGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	ActiveGauge(reg, func() map[string]int { return map[string]int{"E1": 3} })

	expected := `
# HELP attendance_active_sessions Sessions timed in and not yet completed.
# TYPE attendance_active_sessions gauge
attendance_active_sessions{event="E1"} 3
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "attendance_active_sessions"))
}

func TestEvidenceChecked(t *testing.T) {
	m := New(nil)
	m.EvidenceChecked(true)
	m.EvidenceChecked(false)
	m.EvidenceChecked(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Evidence.WithLabelValues("live")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Evidence.WithLabelValues("spoof")))
}
