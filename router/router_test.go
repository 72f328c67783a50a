package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/orchestra/backend"
	"github.com/itsneelabh/orchestra/planner"
	"github.com/itsneelabh/orchestra/playbook"
	"github.com/itsneelabh/orchestra/workflowmode"
)

type alwaysAllow struct{}

func (alwaysAllow) Allow(string) bool { return true }

func newTestRouter(t *testing.T, static StaticTable) *Router {
	t.Helper()
	reg := backend.NewRegistry()
	require.NoError(t, reg.Register(&backend.Descriptor{Key: "local-a", Kind: backend.KindLocal, ContextChars: 32768, TokensPerSecond: 20, Adapter: backend.NewMockAdapter()}))
	require.NoError(t, reg.Register(&backend.Descriptor{Key: "cloud-a", Kind: backend.KindRemote, ContextChars: 200000, TokensPerSecond: 40, Adapter: backend.NewMockAdapter()}))

	modes := workflowmode.New()
	books := playbook.New(nil, playbook.DefaultOptions())
	plan := planner.New(nil, planner.RemoteContextTable{"cloud-a": 200000}, nil)

	return New(reg, modes, books, plan, alwaysAllow{}, nil, static)
}

func TestRouteForcedBackendBypassesPolicy(t *testing.T) {
	r := newTestRouter(t, nil)
	dec := r.Route(Request{InputChars: 100, ForcedBackend: "cloud-a", TaskKind: planner.TaskSimple}, workflowmode.Input{})

	assert.Equal(t, "cloud-a", dec.BackendKey)
	assert.Equal(t, SourceForced, dec.Context.RouteSource)
	assert.Equal(t, 1.0, dec.Context.Confidence)
}

func TestRouteStaticTableFallback(t *testing.T) {
	key := StaticKey(planner.TaskStandard, ComplexityMedium, PatternSingle)
	r := newTestRouter(t, StaticTable{key: "local-a"})

	dec := r.Route(Request{InputChars: 100, TaskKind: planner.TaskStandard, Complexity: ComplexityMedium, FilePattern: PatternSingle}, workflowmode.Input{})
	assert.Equal(t, "local-a", dec.BackendKey)
	assert.Equal(t, SourceRule, dec.Context.RouteSource)
	assert.Equal(t, 0.6, dec.Context.Confidence)
}

func TestRouteIsIdempotent(t *testing.T) {
	key := StaticKey(planner.TaskStandard, ComplexityMedium, PatternSingle)
	r := newTestRouter(t, StaticTable{key: "local-a"})
	req := Request{InputChars: 100, TaskKind: planner.TaskStandard, Complexity: ComplexityMedium, FilePattern: PatternSingle}

	first := r.Route(req, workflowmode.Input{})
	second := r.Route(req, workflowmode.Input{})

	assert.Equal(t, first.BackendKey, second.BackendKey)
	assert.Equal(t, first.Context.RouteSource, second.Context.RouteSource)
	assert.Equal(t, first.Backend, second.Backend)
}

type fixedHistory struct {
	key string
	backendKey string
	confidence float64
}

func (f fixedHistory) Preferred(key string) (string, float64, bool) {
	if key == f.key {
		return f.backendKey, f.confidence, true
	}
	return "", 0, false
}

func TestRouteStaticTableConfidenceBoostedByApplicableLessons(t *testing.T) {
	key := StaticKey(planner.TaskStandard, ComplexityMedium, PatternSingle)

	reg := backend.NewRegistry()
	require.NoError(t, reg.Register(&backend.Descriptor{Key: "local-a", Kind: backend.KindLocal, Adapter: backend.NewMockAdapter()}))
	modes := workflowmode.New()
	books := playbook.New(nil, playbook.DefaultOptions())
	require.True(t, books.StoreWithAuthority(playbook.Lesson{
		ID: "l1", Category: playbook.CategoryRouting, AppliesWhen: key,
		Text: "prefer local backend for standard single-file tasks", SourceWeight: 1,
	}))
	plan := planner.New(nil, planner.RemoteContextTable{}, nil)
	r := New(reg, modes, books, plan, alwaysAllow{}, nil, StaticTable{key: "local-a"})

	dec := r.Route(Request{InputChars: 100, TaskKind: planner.TaskStandard, Complexity: ComplexityMedium, FilePattern: PatternSingle}, workflowmode.Input{})
	assert.Equal(t, "local-a", dec.BackendKey)
	assert.Equal(t, SourceRule, dec.Context.RouteSource)
	assert.Greater(t, dec.Context.Confidence, 0.6)
	assert.Contains(t, dec.Context.Reasoning, "applicable playbook lesson")
}

func TestRouteLearnedPreferenceWinsOverStaticTable(t *testing.T) {
	key := StaticKey(planner.TaskStandard, ComplexityMedium, PatternSingle)
	r := newTestRouter(t, StaticTable{key: "local-a"})
	r.history = fixedHistory{key: key, backendKey: "cloud-a", confidence: 0.9}

	dec := r.Route(Request{InputChars: 100, TaskKind: planner.TaskStandard, Complexity: ComplexityMedium, FilePattern: PatternSingle}, workflowmode.Input{})
	assert.Equal(t, "cloud-a", dec.BackendKey)
	assert.Equal(t, SourceLearned, dec.Context.RouteSource)
	assert.Equal(t, 0.9, dec.Context.Confidence)
}
