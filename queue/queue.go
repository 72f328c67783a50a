// Package queue implements the Background Analysis Queue (spec §4.G): a
// priority, capacity-bounded, TTL-aware buffer for post-hoc analysis, with
// head-of-line insertion for failures, idle-based draining, and a bounded
// dead-letter queue for poison pills.
package queue

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itsneelabh/orchestra/telemetry"
)

// PriorityClass is the base priority of a queue item before age/retry
// adjustment.
type PriorityClass float64

const (
	PriorityFailure      PriorityClass = 3
	PriorityPlaybookMiss PriorityClass = 2
	PriorityRoutineSample PriorityClass = 1
)

const (
	defaultCapacity      = 100
	defaultSampleRate    = 0.02
	defaultItemTTL       = 10 * time.Minute
	defaultIdleThreshold = 60 * time.Second
	defaultMaxPerWake    = 5
	maxRetries           = 3
	deadLetterMax        = 20
)

// Item is the Queue Item data model.
type Item struct {
	ID            string
	Request       interface{}
	Response      interface{}
	RoutingContext interface{}
	Base          PriorityClass
	Timestamp     time.Time
	RetryCount    int
}

// effectivePriority = base * max(0, 1 - age/TTL) - 0.5*retryCount.
func (it Item) effectivePriority(now time.Time, ttl time.Duration) float64 {
	age := now.Sub(it.Timestamp)
	ageFactor := 1 - age.Seconds()/ttl.Seconds()
	if ageFactor < 0 {
		ageFactor = 0
	}
	return float64(it.Base)*ageFactor - 0.5*float64(it.RetryCount)
}

func (it Item) expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(it.Timestamp) >= ttl
}

// Config holds the queue's tunables, matching spec §6's named constants.
type Config struct {
	Capacity        int
	SampleRate      float64
	ItemTTL         time.Duration
	IdleThreshold   time.Duration
	MaxItemsPerWake int
}

func DefaultConfig() Config {
	return Config{
		Capacity:        defaultCapacity,
		SampleRate:      defaultSampleRate,
		ItemTTL:         defaultItemTTL,
		IdleThreshold:   defaultIdleThreshold,
		MaxItemsPerWake: defaultMaxPerWake,
	}
}

// Queue is the priority ring buffer plus its bounded dead-letter queue.
type Queue struct {
	cfg       Config
	telemetry telemetry.Telemetry

	mu         sync.Mutex
	items      []Item
	deadLetter []Item
	lastActivity time.Time
	now        func() time.Time
	rand       func() float64
}

// Option configures optional Queue behavior.
type Option func(*Queue)

// WithTelemetry attaches a Telemetry sink; Drain is wrapped in a span and
// every depth-changing operation reports a "queue.depth" gauge.
func WithTelemetry(t telemetry.Telemetry) Option {
	return func(q *Queue) { q.telemetry = t }
}

func New(cfg Config, opts ...Option) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.ItemTTL <= 0 {
		cfg.ItemTTL = defaultItemTTL
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = defaultIdleThreshold
	}
	if cfg.MaxItemsPerWake <= 0 {
		cfg.MaxItemsPerWake = defaultMaxPerWake
	}
	q := &Queue{
		cfg:          cfg,
		telemetry:    telemetry.NoOp{},
		lastActivity: time.Now(),
		now:          time.Now,
		rand:         rand.Float64,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// EnqueueFailure always enqueues, inserted at the head before the resort.
func (q *Queue) EnqueueFailure(it Item) {
	it.Base = PriorityFailure
	q.enqueue(it, true)
}

// EnqueuePlaybookMiss always enqueues.
func (q *Queue) EnqueuePlaybookMiss(it Item) {
	it.Base = PriorityPlaybookMiss
	q.enqueue(it, false)
}

// EnqueueRoutineSample enqueues with probability SampleRate; returns
// whether it was actually enqueued.
func (q *Queue) EnqueueRoutineSample(it Item) bool {
	if q.rand() >= q.cfg.SampleRate {
		return false
	}
	it.Base = PriorityRoutineSample
	q.enqueue(it, false)
	return true
}

func (q *Queue) enqueue(it Item, headOfLine bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if it.Timestamp.IsZero() {
		it.Timestamp = q.now()
	}
	if it.ID == "" {
		it.ID = uuid.NewString()
	}

	if headOfLine {
		q.items = append([]Item{it}, q.items...)
	} else {
		q.items = append(q.items, it)
	}
	q.resortLocked()
	q.evictIfOverLocked()
	q.lastActivity = q.now()
	q.telemetry.RecordMetric("queue.depth", float64(len(q.items)), nil)
}

// resortLocked sorts by (priority desc, timestamp asc).
func (q *Queue) resortLocked() {
	now := q.now()
	sort.SliceStable(q.items, func(i, j int) bool {
		pi := q.items[i].effectivePriority(now, q.cfg.ItemTTL)
		pj := q.items[j].effectivePriority(now, q.cfg.ItemTTL)
		if pi != pj {
			return pi > pj
		}
		return q.items[i].Timestamp.Before(q.items[j].Timestamp)
	})
}

// evictIfOverLocked drops the lowest-score item once over capacity; among
// items tied for lowest score, the oldest is evicted. This is a distinct
// rule from the general resort's tie-break (which favors older items
// surviving near the head) — eviction specifically targets the oldest of
// the worst-scoring group.
func (q *Queue) evictIfOverLocked() {
	for len(q.items) > q.cfg.Capacity {
		now := q.now()
		worstIdx := -1
		var worstScore float64
		for i, it := range q.items {
			score := it.effectivePriority(now, q.cfg.ItemTTL)
			if worstIdx == -1 || score < worstScore ||
				(score == worstScore && it.Timestamp.Before(q.items[worstIdx].Timestamp)) {
				worstIdx = i
				worstScore = score
			}
		}
		q.items = append(q.items[:worstIdx], q.items[worstIdx+1:]...)
	}
}

// MarkActivity resets the idle clock; callers invoke this on every
// foreground request.
func (q *Queue) MarkActivity() {
	q.mu.Lock()
	q.lastActivity = q.now()
	q.mu.Unlock()
}

// Idle reports whether the system has been quiet for at least
// IdleThreshold.
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.now().Sub(q.lastActivity) >= q.cfg.IdleThreshold
}

// Drain returns up to MaxItemsPerWake non-expired items if the queue is
// idle, removing them from the buffer. Expired items are dropped silently
// (not returned, not retried).
func (q *Queue) Drain(ctx context.Context) []Item {
	_, span := q.telemetry.StartSpan(ctx, "queue.drain")
	defer span.End()

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.now().Sub(q.lastActivity) < q.cfg.IdleThreshold {
		span.SetAttribute("drained", 0)
		return nil
	}

	now := q.now()
	var drained []Item
	var remaining []Item
	for _, it := range q.items {
		if len(drained) >= q.cfg.MaxItemsPerWake {
			remaining = append(remaining, it)
			continue
		}
		if it.expired(now, q.cfg.ItemTTL) {
			continue // dropped, not drained
		}
		drained = append(drained, it)
	}
	q.items = remaining
	span.SetAttribute("drained", len(drained))
	q.telemetry.RecordMetric("queue.depth", float64(len(q.items)), nil)
	return drained
}

// Retry re-enqueues a failed analysis item with RetryCount incremented,
// moving it to the dead-letter queue once MAX_RETRIES is exceeded. It
// returns true if the item became a poison pill (moved to dead-letter).
func (q *Queue) Retry(it Item) bool {
	it.RetryCount++
	if it.RetryCount > maxRetries {
		q.mu.Lock()
		q.deadLetter = append(q.deadLetter, it)
		if len(q.deadLetter) > deadLetterMax {
			q.deadLetter = q.deadLetter[len(q.deadLetter)-deadLetterMax:]
		}
		q.mu.Unlock()
		return true
	}
	q.enqueue(it, false)
	return false
}

// DeadLetter returns a snapshot of the poison-pill queue.
func (q *Queue) DeadLetter() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, len(q.deadLetter))
	copy(out, q.deadLetter)
	return out
}

// Len reports the current live queue length (for diagnostics/metrics).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
