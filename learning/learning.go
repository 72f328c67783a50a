// Package learning implements the routing-outcome recorder the control
// flow in spec §2 calls "the Router's learning recorder": it receives every
// routingOutcome event from the Execution Loop, keeps a per-taskKind
// success tally, and answers the Router's Preferred lookups from that
// tally. It also forwards failed outcomes to the Background Queue so they
// get queued for offline analysis; playbook misses are not queued here.
package learning

import (
	"strings"
	"sync"

	"github.com/itsneelabh/orchestra/execution"
	"github.com/itsneelabh/orchestra/queue"
	"github.com/itsneelabh/orchestra/store"
)

// minObservations is how many outcomes a (taskKind, backend) pair needs
// before the recorder will offer it as a learned preference; below this,
// Preferred reports ok=false and the Router falls through to the static
// table.
const minObservations = 5

type tally struct {
	success int
	total   int
}

func (t tally) confidence() float64 {
	if t.total == 0 {
		return 0
	}
	return float64(t.success) / float64(t.total)
}

// Recorder implements both execution.Recorder and router.HistorySource.
type Recorder struct {
	mu    sync.RWMutex
	byKey map[string]map[string]tally // taskKind -> backend -> tally
	log   store.OutcomeLog
	q     *queue.Queue
}

func NewRecorder(log store.OutcomeLog, q *queue.Queue) *Recorder {
	return &Recorder{byKey: make(map[string]map[string]tally), log: log, q: q}
}

var _ execution.Recorder = (*Recorder)(nil)

// RecordOutcome updates the per-(taskKind, backend) tally, persists the
// outcome if a log is configured, and enqueues a failure for background
// analysis when the outcome was unsuccessful.
func (r *Recorder) RecordOutcome(o execution.Outcome) {
	r.mu.Lock()
	backends, ok := r.byKey[o.TaskKind]
	if !ok {
		backends = make(map[string]tally)
		r.byKey[o.TaskKind] = backends
	}
	t := backends[o.Backend]
	t.total++
	if o.Success {
		t.success++
	}
	backends[o.Backend] = t
	r.mu.Unlock()

	if r.log != nil {
		_ = r.log.AppendOutcome(store.OutcomeRecord{
			TaskKind: o.TaskKind,
			Backend:  o.Backend,
			Success:  o.Success,
		})
	}

	if r.q != nil && !o.Success {
		r.q.EnqueueFailure(queue.Item{
			Request:        o.TaskKind,
			RoutingContext: o.Backend,
		})
	}
}

// Preferred reports the backend with the best observed success rate for
// key's taskKind component (the prefix before router.StaticKey's first
// "|"), provided it has at least minObservations outcomes. The router's
// composite (taskKind, complexity, filePattern) key carries finer detail
// than the routingOutcome event does, so learned preference here operates
// at taskKind granularity only.
func (r *Recorder) Preferred(key string) (string, float64, bool) {
	taskKind := key
	if idx := strings.IndexByte(key, '|'); idx >= 0 {
		taskKind = key[:idx]
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	backends, ok := r.byKey[taskKind]
	if !ok {
		return "", 0, false
	}

	bestKey := ""
	bestConfidence := -1.0
	bestTotal := 0
	for backendKey, t := range backends {
		if t.total < minObservations {
			continue
		}
		c := t.confidence()
		if c > bestConfidence {
			bestKey = backendKey
			bestConfidence = c
			bestTotal = t.total
		}
	}
	if bestKey == "" || bestTotal < minObservations {
		return "", 0, false
	}
	return bestKey, bestConfidence, true
}
