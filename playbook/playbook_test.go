package playbook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore() *Store {
	return New(nil, DefaultOptions())
}

func TestStoreWithAuthorityInsertsNew(t *testing.T) {
	s := newTestStore()
	ok := s.StoreWithAuthority(Lesson{ID: "l1", Text: "prefer local for small diffs", Category: CategoryRouting, SourceWeight: 1})
	assert.True(t, ok)
	top := s.GetTop("", 10)
	require.Len(t, top, 1)
	assert.Equal(t, "l1", top[0].ID)
}

func TestColdStartConfidenceIsPrior(t *testing.T) {
	s := newTestStore()
	s.StoreWithAuthority(Lesson{ID: "l1", SourceWeight: 1, SuccessCount: 1, FailureCount: 0})
	top := s.GetTop("", 1)
	require.Len(t, top, 1)
	assert.InDelta(t, coldStart, top[0].Confidence, 0.15)
}

func TestConfidenceApproachesPosteriorAtMaturity(t *testing.T) {
	s := newTestStore()
	s.StoreWithAuthority(Lesson{ID: "l1", SourceWeight: 1, SuccessCount: 9, FailureCount: 1, ObservationCount: 10})
	top := s.GetTop("", 1)
	require.Len(t, top, 1)
	assert.Greater(t, top[0].Confidence, 0.7)
}

func TestConfidenceClampedToRange(t *testing.T) {
	s := newTestStore()
	s.StoreWithAuthority(Lesson{ID: "l1", SourceWeight: 1, SuccessCount: 1000, FailureCount: 0, ObservationCount: 1000})
	top := s.GetTop("", 1)
	assert.LessOrEqual(t, top[0].Confidence, maxConfidence)

	s.StoreWithAuthority(Lesson{ID: "l2", SourceWeight: 1, SuccessCount: 0, FailureCount: 1000, ObservationCount: 1000})
	top = s.GetTop("", 2)
	for _, l := range top {
		if l.ID == "l2" {
			assert.GreaterOrEqual(t, l.Confidence, minConfidence)
		}
	}
}

func TestStabilityWindowIncumbentWinsOnSmallEdge(t *testing.T) {
	s := newTestStore()
	fixedNow := time.Now()
	s.now = func() time.Time { return fixedNow }

	s.StoreWithAuthority(Lesson{ID: "l1", SourceWeight: 1.0, UpdatedAt: fixedNow, OriginTimestamp: fixedNow})

	accepted := s.StoreWithAuthority(Lesson{ID: "l1", SourceWeight: 1.3, UpdatedAt: fixedNow.Add(time.Minute), OriginTimestamp: fixedNow.Add(time.Minute)})
	assert.False(t, accepted, "edge of 0.3 is not > 0.5, incumbent should win within stability window")
}

func TestStabilityWindowIncomingWinsOnDecisiveEdge(t *testing.T) {
	s := newTestStore()
	fixedNow := time.Now()
	s.now = func() time.Time { return fixedNow }

	s.StoreWithAuthority(Lesson{ID: "l1", SourceWeight: 1.0, UpdatedAt: fixedNow, OriginTimestamp: fixedNow})

	accepted := s.StoreWithAuthority(Lesson{ID: "l1", SourceWeight: 2.0, UpdatedAt: fixedNow.Add(time.Minute), OriginTimestamp: fixedNow.Add(time.Minute)})
	assert.True(t, accepted, "edge of 1.0 clears the 0.5 threshold")
}

func TestOutsideStabilityWindowHigherScoreWins(t *testing.T) {
	s := newTestStore()
	base := time.Now()
	s.now = func() time.Time { return base }
	s.StoreWithAuthority(Lesson{ID: "l1", SourceWeight: 1.0, SuccessCount: 1, ObservationCount: 1, UpdatedAt: base, OriginTimestamp: base})

	later := base.Add(10 * time.Minute)
	s.now = func() time.Time { return later }
	accepted := s.StoreWithAuthority(Lesson{ID: "l1", SourceWeight: 1.0, SuccessCount: 10, ObservationCount: 10, UpdatedAt: later, OriginTimestamp: later})
	assert.True(t, accepted)
}

func TestModelVersionChangeInvalidatesIncumbent(t *testing.T) {
	s := newTestStore()
	fixedNow := time.Now()
	s.now = func() time.Time { return fixedNow }
	s.StoreWithAuthority(Lesson{ID: "l1", SourceWeight: 1.0, ModelVersion: "v1", UpdatedAt: fixedNow, OriginTimestamp: fixedNow})

	accepted := s.StoreWithAuthority(Lesson{ID: "l1", SourceWeight: 0.1, ModelVersion: "v2", UpdatedAt: fixedNow, OriginTimestamp: fixedNow})
	assert.True(t, accepted, "model version change invalidates incumbent regardless of source weight")
}

func TestRecordOutcomeUpdatesCounts(t *testing.T) {
	s := newTestStore()
	s.StoreWithAuthority(Lesson{ID: "l1", SourceWeight: 1})

	s.RecordOutcome("l1", true)
	s.RecordOutcome("l1", false)

	top := s.GetTop("", 1)
	require.Len(t, top, 1)
	assert.Equal(t, 1, top[0].SuccessCount)
	assert.Equal(t, 1, top[0].FailureCount)
	assert.Equal(t, 2, top[0].ObservationCount)
}

func TestEvictsLowestScoreOverCapacity(t *testing.T) {
	s := newTestStore()
	for i := 0; i < MaxLessons+5; i++ {
		id := string(rune('a' + i%26))
		s.StoreWithAuthority(Lesson{ID: id + string(rune(i)), SourceWeight: float64(i%10) + 0.1})
	}
	top := s.GetTop("", 1000)
	assert.LessOrEqual(t, len(top), MaxLessons)
}

func TestEnhanceRoutingInjectsTopLessons(t *testing.T) {
	s := newTestStore()
	s.StoreWithAuthority(Lesson{ID: "l1", Category: CategoryRouting, Text: "use local for single-file edits", SourceWeight: 1})

	decorated, count := s.EnhanceRouting("base context", 5)
	assert.Equal(t, 1, count)
	assert.Contains(t, decorated, "use local for single-file edits")
}
