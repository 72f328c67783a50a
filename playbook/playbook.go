// Package playbook implements the Playbook Store (spec §4.F): a bounded,
// in-memory collection of Lesson Records with Bayesian confidence updates
// and authority/stability rules governing replacement, optionally mirrored
// to an external key/value store.
package playbook

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Category is the Lesson Record category.
type Category string

const (
	CategoryRouting          Category = "routing"
	CategoryPerformance      Category = "performance"
	CategoryErrorHandling    Category = "error_handling"
	CategoryContextManagement Category = "context_management"
)

const (
	// MaxLessons bounds the live, in-memory lesson set.
	MaxLessons = 50
	// Maturity is the observation count at which the cold-start prior is
	// fully replaced by the Bayesian posterior.
	Maturity = 10
	// HalfLife is the exponential decay constant for a lesson's score.
	HalfLife = 24 * time.Hour
	// StabilityWindow is how long a freshly stored lesson resists
	// replacement absent a decisive source-weight edge.
	StabilityWindow = 5 * time.Minute

	priorAlpha = 0.1
	priorBeta  = 0.9
	coldStart  = 0.1

	minConfidence = 0.01
	maxConfidence = 0.99
)

// Lesson is the Lesson Record data model.
type Lesson struct {
	ID              string
	Text            string
	Category        Category
	AppliesWhen     string
	SourceWeight    float64
	OriginTimestamp time.Time
	UpdatedAt       time.Time
	ObservationCount int
	SuccessCount    int
	FailureCount    int
	Confidence      float64
	ModelVersion    string
}

// Score computes sourceWeight·confidence·exp(-age/HALF_LIFE) against now.
func (l Lesson) Score(now time.Time) float64 {
	age := now.Sub(l.UpdatedAt)
	if age < 0 {
		age = 0
	}
	return l.SourceWeight * l.Confidence * math.Exp(-age.Hours()/HalfLife.Hours())
}

// updateConfidence recomputes Confidence from SuccessCount/FailureCount per
// the Bayesian Beta-posterior blend with the cold-start prior.
func (l *Lesson) updateConfidence() {
	posterior := (priorAlpha + float64(l.SuccessCount)) / (priorAlpha + priorBeta + float64(l.ObservationCount))
	m := math.Min(1, float64(l.ObservationCount)/float64(Maturity))
	conf := (1-m)*coldStart + m*posterior
	l.Confidence = clampConfidence(conf)
}

func clampConfidence(c float64) float64 {
	if c < minConfidence {
		return minConfidence
	}
	if c > maxConfidence {
		return maxConfidence
	}
	return c
}

// Mirror is the optional external persistence port for lesson snapshots
// (§6 "Persisted state"). The store must run correctly with a nil Mirror.
type Mirror interface {
	SaveLessons(lessons []Lesson) error
	LoadLessons() ([]Lesson, error)
}

// Options configures the two Open-Question knobs this package resolves.
type Options struct {
	// BurstAcceleration is stored (0 becomes 1.0) but not applied:
	// confidence follows the plain Bayesian update for every value, with
	// no extra acceleration for bursts of successes during cold start.
	BurstAcceleration float64
	// StabilityRoundsUp decides ties narrower than 0.5 sourceWeight
	// during the stability window in favor of the incoming lesson
	// instead of the incumbent. Defaults to false (incumbent wins ties).
	StabilityRoundsUp bool
}

func DefaultOptions() Options {
	return Options{BurstAcceleration: 1.0, StabilityRoundsUp: false}
}

// Store holds the live lesson set plus an optional mirror.
type Store struct {
	mu      sync.Mutex
	lessons map[string]*Lesson
	order   []string // insertion order, for iteration stability independent of score
	mirror  Mirror
	opts    Options
	now     func() time.Time
}

func New(mirror Mirror, opts Options) *Store {
	if opts.BurstAcceleration == 0 {
		opts.BurstAcceleration = 1.0
	}
	return &Store{
		lessons: make(map[string]*Lesson),
		mirror:  mirror,
		opts:    opts,
		now:     time.Now,
	}
}

// LoadFromMirror hydrates the live set from the mirror at startup. A nil
// mirror or an empty snapshot is not an error.
func (s *Store) LoadFromMirror() error {
	if s.mirror == nil {
		return nil
	}
	lessons, err := s.mirror.LoadLessons()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range lessons {
		l := lessons[i]
		s.lessons[l.ID] = &l
		s.order = append(s.order, l.ID)
	}
	return nil
}

// FlushToMirror writes the current live set out, if a mirror is configured.
func (s *Store) FlushToMirror() error {
	if s.mirror == nil {
		return nil
	}
	s.mu.Lock()
	snapshot := s.allLocked()
	s.mu.Unlock()
	return s.mirror.SaveLessons(snapshot)
}

func (s *Store) allLocked() []Lesson {
	out := make([]Lesson, 0, len(s.order))
	for _, id := range s.order {
		if l, ok := s.lessons[id]; ok {
			out = append(out, *l)
		}
	}
	return out
}

// GetTop returns the top-k lessons by score (desc), optionally filtered by
// category; a category of "" matches all.
func (s *Store) GetTop(category Category, k int) []Lesson {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var candidates []Lesson
	for _, id := range s.order {
		l, ok := s.lessons[id]
		if !ok {
			continue
		}
		if category != "" && l.Category != category {
			continue
		}
		candidates = append(candidates, *l)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score(now) > candidates[j].Score(now)
	})

	if k > 0 && len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates
}

// StoreWithAuthority applies the authority/stability rules and inserts or
// replaces the lesson, recomputing confidence and score. It returns true if
// the incoming lesson was accepted.
func (s *Store) StoreWithAuthority(incoming Lesson) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if incoming.UpdatedAt.IsZero() {
		incoming.UpdatedAt = now
	}
	if incoming.OriginTimestamp.IsZero() {
		incoming.OriginTimestamp = now
	}
	if incoming.ObservationCount == 0 {
		incoming.ObservationCount = incoming.SuccessCount + incoming.FailureCount
	}
	incoming.updateConfidence()

	incumbent, exists := s.lessons[incoming.ID]
	if !exists {
		s.insertLocked(&incoming)
		return true
	}

	if !s.acceptsLocked(incumbent, &incoming, now) {
		return false
	}

	s.lessons[incoming.ID] = &incoming
	return true
}

// acceptsLocked implements the four authority/stability rules, evaluated in
// spec order.
func (s *Store) acceptsLocked(incumbent, incoming *Lesson, now time.Time) bool {
	// Rule 4: a model-version change invalidates the incumbent outright.
	if incumbent.ModelVersion != "" && incoming.ModelVersion != "" && incumbent.ModelVersion != incoming.ModelVersion {
		return true
	}

	// Rule 1: reject an incoming lesson clearly staler than the incumbent.
	if incumbent.OriginTimestamp.Sub(incoming.OriginTimestamp) > StabilityWindow {
		return false
	}

	withinWindow := now.Sub(incumbent.UpdatedAt) < StabilityWindow
	if withinWindow {
		// Rule 2: incumbent wins ties inside the stability window unless
		// the incoming source weight clears the incumbent's by >0.5.
		edge := incoming.SourceWeight - incumbent.SourceWeight
		if s.opts.StabilityRoundsUp {
			return edge >= 0.5
		}
		return edge > 0.5
	}

	// Rule 3: outside the window, the higher score wins.
	return incoming.Score(now) > incumbent.Score(now)
}

func (s *Store) insertLocked(l *Lesson) {
	if _, exists := s.lessons[l.ID]; !exists {
		s.order = append(s.order, l.ID)
	}
	s.lessons[l.ID] = l
	s.evictIfOverLocked()
}

// evictIfOverLocked drops the lowest-scoring lesson once the live set
// exceeds MaxLessons.
func (s *Store) evictIfOverLocked() {
	for len(s.order) > MaxLessons {
		now := s.now()
		worstIdx, worstScore := -1, math.Inf(1)
		for i, id := range s.order {
			l, ok := s.lessons[id]
			if !ok {
				continue
			}
			score := l.Score(now)
			if score < worstScore {
				worstScore = score
				worstIdx = i
			}
		}
		if worstIdx == -1 {
			return
		}
		id := s.order[worstIdx]
		delete(s.lessons, id)
		s.order = append(s.order[:worstIdx], s.order[worstIdx+1:]...)
	}
}

// RecordOutcome updates a lesson's observation/success/failure counts and
// recomputes its confidence.
func (s *Store) RecordOutcome(lessonID string, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lessons[lessonID]
	if !ok {
		return
	}
	l.ObservationCount++
	if success {
		l.SuccessCount++
	} else {
		l.FailureCount++
	}
	l.UpdatedAt = s.now()
	l.updateConfidence()
}

// EnhanceRouting injects the top-K routing-category lessons' text into the
// decorated context, returning the decoration and how many lessons were
// applied.
func (s *Store) EnhanceRouting(baseContext string, k int) (string, int) {
	top := s.GetTop(CategoryRouting, k)
	if len(top) == 0 {
		return baseContext, 0
	}
	decorated := baseContext + "\n\nApplicable lessons:\n"
	for _, l := range top {
		decorated += "- " + l.Text + "\n"
	}
	return decorated, len(top)
}
