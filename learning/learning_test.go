package learning

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/itsneelabh/orchestra/execution"
	"github.com/itsneelabh/orchestra/queue"
)

func TestPreferredReportsNoPreferenceBelowMinObservations(t *testing.T) {
	r := NewRecorder(nil, nil)
	for i := 0; i < minObservations-1; i++ {
		r.RecordOutcome(execution.Outcome{Success: true, Backend: "a", TaskKind: "analyze"})
	}
	_, _, ok := r.Preferred("analyze|medium|single")
	assert.False(t, ok)
}

func TestPreferredPicksHighestSuccessRateAfterThreshold(t *testing.T) {
	r := NewRecorder(nil, nil)
	for i := 0; i < 5; i++ {
		r.RecordOutcome(execution.Outcome{Success: true, Backend: "a", TaskKind: "analyze"})
	}
	for i := 0; i < 5; i++ {
		success := i < 2
		r.RecordOutcome(execution.Outcome{Success: success, Backend: "b", TaskKind: "analyze"})
	}

	backend, confidence, ok := r.Preferred("analyze|medium|single")
	assert.True(t, ok)
	assert.Equal(t, "a", backend)
	assert.Equal(t, 1.0, confidence)
}

func TestRecordOutcomeEnqueuesFailureForBackgroundAnalysis(t *testing.T) {
	q := queue.New(queue.Config{})
	r := NewRecorder(nil, q)
	r.RecordOutcome(execution.Outcome{Success: false, Backend: "a", TaskKind: "refactor"})
	assert.Equal(t, 1, q.Len())
}

func TestRecordOutcomeDoesNotEnqueueOnSuccess(t *testing.T) {
	q := queue.New(queue.Config{})
	r := NewRecorder(nil, q)
	r.RecordOutcome(execution.Outcome{Success: true, Backend: "a", TaskKind: "refactor"})
	assert.Equal(t, 0, q.Len())
}
