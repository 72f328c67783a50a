// Package inmem is the default persistence adapter: a process-local,
// mutex-guarded store with no external dependency, grounded on the
// teacher's in-memory cache pattern. It satisfies playbook.Mirror and
// store.OutcomeLog; the core runs correctly with this alone (§6).
package inmem

import (
	"sync"

	"github.com/itsneelabh/orchestra/playbook"
	"github.com/itsneelabh/orchestra/store"
)

// Store is a process-local lesson/outcome mirror. Nothing here survives a
// process restart; it exists to satisfy the persistence ports uniformly so
// callers don't special-case "no store configured".
type Store struct {
	mu       sync.RWMutex
	lessons  []playbook.Lesson
	outcomes []store.OutcomeRecord
}

func New() *Store {
	return &Store{}
}

var _ playbook.Mirror = (*Store)(nil)
var _ store.OutcomeLog = (*Store)(nil)

// SaveLessons replaces the stored lesson snapshot wholesale.
func (s *Store) SaveLessons(lessons []playbook.Lesson) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]playbook.Lesson, len(lessons))
	copy(cp, lessons)
	s.lessons = cp
	return nil
}

// LoadLessons returns the last snapshot saved, or an empty slice if none yet.
func (s *Store) LoadLessons() ([]playbook.Lesson, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make([]playbook.Lesson, len(s.lessons))
	copy(cp, s.lessons)
	return cp, nil
}

// AppendOutcome records one outcome, evicting the oldest entry once the
// cap is exceeded.
func (s *Store) AppendOutcome(rec store.OutcomeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, rec)
	if over := len(s.outcomes) - store.MaxOutcomeRecords; over > 0 {
		s.outcomes = s.outcomes[over:]
	}
	return nil
}

// RecentOutcomes returns up to limit of the most recently appended
// outcomes, newest last.
func (s *Store) RecentOutcomes(limit int) ([]store.OutcomeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.outcomes) {
		limit = len(s.outcomes)
	}
	start := len(s.outcomes) - limit
	cp := make([]store.OutcomeRecord, limit)
	copy(cp, s.outcomes[start:])
	return cp, nil
}
