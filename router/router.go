// Package router implements the Router (spec §4.H): builds the Routing
// Context, consults the Workflow Mode Detector, the Playbook, and the
// Capacity Planner, and returns an idempotent routing decision.
package router

import (
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/itsneelabh/orchestra/backend"
	"github.com/itsneelabh/orchestra/planner"
	"github.com/itsneelabh/orchestra/playbook"
	"github.com/itsneelabh/orchestra/workflowmode"
)

// maxLessonBoost caps how much the Playbook's applicable-lesson count can
// add to a rule/learned confidence; a handful of lessons shouldn't alone
// push a routing decision to near-certainty.
const maxLessonBoost = 0.3

// Complexity is the Routing Context's coarse complexity estimate.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// FilePattern distinguishes a single-file request from a multi-file one.
type FilePattern string

const (
	PatternSingle FilePattern = "single"
	PatternMulti  FilePattern = "multi"
)

// RouteSource records why a backend was chosen.
type RouteSource string

const (
	SourceForced   RouteSource = "forced"
	SourceAuto     RouteSource = "auto"
	SourceRule     RouteSource = "rule"
	SourceLearned  RouteSource = "learned"
	SourceFallback RouteSource = "fallback"
)

// Request is the caller-supplied shape the Router builds a Context from.
type Request struct {
	InputChars     int
	TaskKind       planner.TaskKind
	Complexity     Complexity
	FilePattern    FilePattern
	ForcedBackend  string
}

// Context is the Routing Context data model.
type Context struct {
	RequestID       string
	InputChars      int
	TaskKind        planner.TaskKind
	Complexity      Complexity
	FilePattern     FilePattern
	ForcedBackend   string
	SelectedBackend string
	RouteSource     RouteSource
	Confidence      float64
	Reasoning       string
}

// Decision is what the Router returns: the chosen backend, the options the
// Execution Loop should invoke it with, and the Routing Context explaining
// the choice.
type Decision struct {
	Backend backend.Options
	BackendKey string
	Context Context
	Overflow planner.OverflowKind
}

// StaticTable maps (taskKind, complexity, filePattern) to a preferred
// backend key when no learned preference exists.
type StaticTable map[string]string

func StaticKey(taskKind planner.TaskKind, complexity Complexity, fp FilePattern) string {
	return string(taskKind) + "|" + string(complexity) + "|" + string(fp)
}

// HistorySource reports a learned preference and confidence for a routing
// key, backed by the outcome history the Execution Loop records.
type HistorySource interface {
	// Preferred returns the best-known backend key and a confidence in
	// [0,1], or ok=false if there is no history for this key.
	Preferred(key string) (backendKey string, confidence float64, ok bool)
}

// AvailabilityChecker reports whether a backend is currently routable.
type AvailabilityChecker interface {
	Allow(key string) bool
}

// Router ties the components together. It has no hidden state beyond the
// Playbook/health snapshots it consults, so repeated calls with the same
// inputs and the same component state produce the same Decision.
type Router struct {
	registry *backend.Registry
	modes    *workflowmode.Detector
	books    *playbook.Store
	plan     *planner.Planner
	health   AvailabilityChecker
	history  HistorySource
	static   StaticTable

	mu sync.Mutex
}

func New(registry *backend.Registry, modes *workflowmode.Detector, books *playbook.Store, plan *planner.Planner, health AvailabilityChecker, history HistorySource, static StaticTable) *Router {
	if static == nil {
		static = StaticTable{}
	}
	return &Router{registry: registry, modes: modes, books: books, plan: plan, health: health, history: history, static: static}
}

// Route executes the six-step decision process.
func (r *Router) Route(req Request, wfInput workflowmode.Input) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx := Context{
		RequestID:   uuid.NewString(),
		InputChars:  req.InputChars,
		TaskKind:    req.TaskKind,
		Complexity:  req.Complexity,
		FilePattern: req.FilePattern,
		ForcedBackend: req.ForcedBackend,
	}

	wfDecision := r.modes.Detect(wfInput)

	var backendKey string
	if req.ForcedBackend != "" {
		backendKey = req.ForcedBackend
		ctx.RouteSource = SourceForced
		ctx.Confidence = 1.0
		ctx.Reasoning = "backend forced by caller"
	} else {
		backendKey, ctx.RouteSource, ctx.Confidence, ctx.Reasoning = r.selectBackend(req, wfDecision)
	}
	ctx.SelectedBackend = backendKey

	d, ok := r.registry.Get(backendKey)
	if !ok {
		return Decision{Context: ctx, BackendKey: backendKey}
	}

	dec := r.plan.Plan(d, req.InputChars, req.TaskKind)
	if dec.Overflow == planner.OverflowEscalateCloud {
		if escalated, escOK := r.escalate(wfDecision, backendKey); escOK {
			backendKey = escalated
			ctx.SelectedBackend = backendKey
			ctx.RouteSource = SourceFallback
			ctx.Reasoning += "; escalated to cloud on capacity overflow"
			if d2, ok2 := r.registry.Get(backendKey); ok2 {
				d = d2
				dec = r.plan.Plan(d, req.InputChars, req.TaskKind)
			}
		}
	}

	return Decision{
		Backend:    backend.Options{MaxTokens: dec.MaxOutputTokens, TimeoutMs: dec.RequestTimeout},
		BackendKey: backendKey,
		Context:    ctx,
		Overflow:   dec.Overflow,
	}
}

func (r *Router) selectBackend(req Request, wf workflowmode.Decision) (string, RouteSource, float64, string) {
	key := StaticKey(req.TaskKind, req.Complexity, req.FilePattern)

	var lessonBoost float64
	var lessonNote string
	if r.books != nil {
		if _, count := r.books.EnhanceRouting(key, 5); count > 0 {
			lessonBoost = math.Min(float64(count)*0.05, maxLessonBoost)
			lessonNote = fmt.Sprintf(" (%d applicable playbook lesson(s))", count)
		}
	}

	if r.history != nil {
		if backendKey, confidence, ok := r.history.Preferred(key); ok {
			return backendKey, SourceLearned, math.Min(confidence+lessonBoost, 1.0), "learned preference for " + key + lessonNote
		}
	}

	if backendKey, ok := r.static[key]; ok {
		return backendKey, SourceRule, math.Min(0.6+lessonBoost, 0.95), "static table match for " + key + lessonNote
	}

	if gen, ok := wf.Roles[backend.RoleGenerator]; ok {
		return gen, SourceAuto, 0.6, "fell back to workflow mode generator role" + lessonNote
	}

	for _, d := range r.registry.Iterate() {
		if r.health == nil || r.health.Allow(d.Key) {
			return d.Key, SourceFallback, 0.5, "fell back to first available registered backend"
		}
	}

	return "", SourceFallback, 0.0, "no backend available"
}

// escalate picks a remote backend other than backendKey: the first one in the
// fallback chain, else the first one in the registry. Local backends are
// never returned.
func (r *Router) escalate(wf workflowmode.Decision, backendKey string) (string, bool) {
	for _, candidate := range wf.FallbackChain {
		if candidate == backendKey {
			continue
		}
		if d, ok := r.registry.Get(candidate); ok && d.Kind == backend.KindRemote {
			return candidate, true
		}
	}
	for _, d := range r.registry.Iterate() {
		if d.Key != backendKey && d.Kind == backend.KindRemote {
			return d.Key, true
		}
	}
	return "", false
}
