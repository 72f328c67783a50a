package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/orchestra/telemetry"
)

type fakeSpan struct{}

func (fakeSpan) End()                             {}
func (fakeSpan) SetAttribute(string, interface{}) {}
func (fakeSpan) RecordError(error)                {}

type recordingTelemetry struct {
	spans   []string
	metrics map[string]float64
}

func (r *recordingTelemetry) StartSpan(ctx context.Context, name string) (context.Context, telemetry.Span) {
	r.spans = append(r.spans, name)
	return ctx, fakeSpan{}
}

func (r *recordingTelemetry) RecordMetric(name string, value float64, _ map[string]string) {
	if r.metrics == nil {
		r.metrics = map[string]float64{}
	}
	r.metrics[name] = value
}

func newTestQueue(cfg Config) *Queue {
	q := New(cfg)
	q.lastActivity = time.Now().Add(-time.Hour)
	return q
}

func TestFailureInsertedAtHeadBeforeResort(t *testing.T) {
	q := newTestQueue(DefaultConfig())
	q.EnqueuePlaybookMiss(Item{ID: "miss"})
	q.EnqueueFailure(Item{ID: "fail"})

	assert.Equal(t, "fail", q.items[0].ID, "failure outranks playbook-miss by base priority after resort")
}

func TestRoutineSampleRespectsSampleRate(t *testing.T) {
	q := New(Config{SampleRate: 0})
	q.rand = func() float64 { return 0.5 }
	enqueued := q.EnqueueRoutineSample(Item{ID: "r1"})
	assert.False(t, enqueued)

	q2 := New(Config{SampleRate: 1})
	q2.rand = func() float64 { return 0.5 }
	enqueued = q2.EnqueueRoutineSample(Item{ID: "r2"})
	assert.True(t, enqueued)
}

func TestDrainRequiresIdle(t *testing.T) {
	q := New(DefaultConfig())
	q.EnqueueFailure(Item{ID: "f1"})
	drained := q.Drain(context.Background())
	assert.Nil(t, drained, "should not drain while active")
}

func TestDrainYieldsAtMostMaxPerWake(t *testing.T) {
	q := newTestQueue(Config{MaxItemsPerWake: 2, ItemTTL: time.Hour, IdleThreshold: time.Millisecond, Capacity: 100})
	for i := 0; i < 5; i++ {
		q.EnqueueFailure(Item{ID: string(rune('a' + i))})
	}
	q.lastActivity = time.Now().Add(-time.Hour)
	drained := q.Drain(context.Background())
	assert.Len(t, drained, 2)
}

func TestDrainDropsExpiredItems(t *testing.T) {
	q := newTestQueue(Config{ItemTTL: time.Millisecond, IdleThreshold: time.Millisecond, MaxItemsPerWake: 5, Capacity: 100})
	q.EnqueueFailure(Item{ID: "old", Timestamp: time.Now().Add(-time.Hour)})
	q.lastActivity = time.Now().Add(-time.Hour)
	drained := q.Drain(context.Background())
	assert.Empty(t, drained)
}

func TestDrainRecordsTelemetrySpanAndDepthGauge(t *testing.T) {
	tel := &recordingTelemetry{}
	q := New(Config{MaxItemsPerWake: 5, ItemTTL: time.Hour, IdleThreshold: time.Millisecond, Capacity: 100}, WithTelemetry(tel))
	q.EnqueueFailure(Item{ID: "f1"})
	q.lastActivity = time.Now().Add(-time.Hour)

	drained := q.Drain(context.Background())
	assert.Len(t, drained, 1)
	assert.Contains(t, tel.spans, "queue.drain")
	assert.Equal(t, float64(0), tel.metrics["queue.depth"])
}

func TestRetryIncrementsAndDeadLettersAfterMax(t *testing.T) {
	q := New(DefaultConfig())
	it := Item{ID: "x", Base: PriorityFailure}

	var poisoned bool
	for i := 0; i < maxRetries+1; i++ {
		poisoned = q.Retry(it)
		if poisoned {
			break
		}
		it.RetryCount++
	}
	assert.True(t, poisoned)
	assert.Len(t, q.DeadLetter(), 1)
}

func TestDeadLetterBounded(t *testing.T) {
	q := New(DefaultConfig())
	for i := 0; i < deadLetterMax+5; i++ {
		q.Retry(Item{ID: "x", RetryCount: maxRetries})
	}
	assert.Len(t, q.DeadLetter(), deadLetterMax)
}

func TestEvictionDropsLowestScoreOldestTieFirst(t *testing.T) {
	q := New(Config{Capacity: 2, ItemTTL: time.Hour, SampleRate: 1})
	now := time.Now()
	q.now = func() time.Time { return now }

	q.EnqueuePlaybookMiss(Item{ID: "old", Timestamp: now.Add(-time.Minute)})
	q.EnqueuePlaybookMiss(Item{ID: "new", Timestamp: now})
	require.Equal(t, 2, q.Len())

	q.EnqueueFailure(Item{ID: "urgent", Timestamp: now})
	assert.Equal(t, 2, q.Len())

	ids := map[string]bool{}
	for _, it := range q.items {
		ids[it.ID] = true
	}
	assert.True(t, ids["urgent"])
	assert.False(t, ids["old"])
}
