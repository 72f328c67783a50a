// Package planner implements the Capacity Planner (spec §4.D): given a
// backend, input size, and task kind it returns an output token budget, a
// request timeout, and an overflow decision, anchored to live Model
// Discovery readings for local backends and a static table for remote ones.
package planner

import (
	"context"
	"math"

	"github.com/itsneelabh/orchestra/backend"
	"github.com/itsneelabh/orchestra/discovery"
)

// TaskKind is the coarse task classification the planner modulates remote
// output caps by.
type TaskKind string

const (
	TaskSimple   TaskKind = "simple"
	TaskStandard TaskKind = "standard"
	TaskRefactor TaskKind = "refactor"
	TaskComplex  TaskKind = "complex"
	TaskSecurity TaskKind = "security"
	TaskGenerate TaskKind = "generation"
)

const safetyBufferChars = 4000

// Decision is the planner's output for one (backend, input, taskKind)
// request.
type Decision struct {
	MaxOutputTokens int
	RequestTimeout  int // milliseconds
	Overflow        OverflowKind
}

// OverflowKind names what, if anything, the planner recommends when the
// input cannot fit inside the backend's context window.
type OverflowKind string

const (
	OverflowNone          OverflowKind = ""
	OverflowEscalateCloud OverflowKind = "escalate-to-cloud"
	OverflowSplitOrReject OverflowKind = "split-or-reject"
)

// remoteCap is the static per-task-kind output range for a remote backend,
// used when no live Discovery snapshot exists.
type remoteCap struct {
	min, max int
}

var remoteCaps = map[TaskKind]remoteCap{
	TaskSimple:   {800, 1500},
	TaskStandard: {1500, 3000},
	TaskRefactor: {1500, 3000},
	TaskComplex:  {2000, 5000},
	TaskSecurity: {2000, 5000},
	TaskGenerate: {2000, 16000},
}

// RemoteContextTable maps a remote backend key to its static context
// ceiling in characters. For a key not listed, the planner uses the
// descriptor's ContextChars, and 128000 chars (roughly a 32K-token window)
// when that is zero too.
type RemoteContextTable map[string]int

const defaultRemoteContextChars = 128000

// Planner computes output budgets and timeouts.
type Planner struct {
	discovery   *discovery.Discovery
	remoteChars RemoteContextTable
	localPort   func(backendKey string) (int, bool)
}

// New builds a Planner. localPort maps a backend key to the local
// Discovery port it corresponds to (backends of Kind local only); it may be
// nil if the caller never registers local backends.
func New(disc *discovery.Discovery, remoteChars RemoteContextTable, localPort func(string) (int, bool)) *Planner {
	if remoteChars == nil {
		remoteChars = RemoteContextTable{}
	}
	return &Planner{discovery: disc, remoteChars: remoteChars, localPort: localPort}
}

// Plan returns the budget/timeout/overflow decision for one request.
func (p *Planner) Plan(d *backend.Descriptor, inputChars int, taskKind TaskKind) Decision {
	if d.Kind == backend.KindLocal {
		return p.planLocal(d, inputChars, taskKind)
	}
	return p.planRemote(d, inputChars, taskKind)
}

func (p *Planner) planLocal(d *backend.Descriptor, inputChars int, taskKind TaskKind) Decision {
	contextTokens := 0
	parallelSlots := 1
	if p.localPort != nil {
		if port, ok := p.localPort(d.Key); ok && p.discovery != nil {
			if snap, err := p.discovery.Probe(context.Background(), port); err == nil {
				if snap.NCtxCurrent > 0 {
					contextTokens = snap.NCtxCurrent
				} else {
					contextTokens = snap.NCtxTrain
				}
				if snap.ParallelSlots > 0 {
					parallelSlots = snap.ParallelSlots
				}
			}
		}
	}
	if contextTokens == 0 {
		contextTokens = d.ContextChars / 4 // rough chars→tokens fallback when Discovery has nothing live
	}
	if contextTokens == 0 {
		contextTokens = 8192
	}

	contextChars := contextTokens * 4

	tokensPerSlot := contextTokens / parallelSlots
	maxOutput := int(float64(tokensPerSlot) * 0.35)
	maxOutput = clamp(maxOutput, 1000, 8000)
	if taskKind == TaskGenerate && maxOutput < 16000 {
		maxOutput = 16000
	}

	maxOutput, overflow := p.applySafetyBuffer(maxOutput, inputChars, contextChars, true)

	timeout := computeTimeout(maxOutput, d.TokensPerSecond, 120000, 300000)

	return Decision{MaxOutputTokens: maxOutput, RequestTimeout: timeout, Overflow: overflow}
}

func (p *Planner) planRemote(d *backend.Descriptor, inputChars int, taskKind TaskKind) Decision {
	contextChars := p.remoteChars[d.Key]
	if contextChars == 0 {
		contextChars = d.ContextChars
	}
	if contextChars == 0 {
		contextChars = defaultRemoteContextChars
	}

	rc, ok := remoteCaps[taskKind]
	if !ok {
		rc = remoteCaps[TaskStandard]
	}
	maxOutput := rc.max

	maxOutput, overflow := p.applySafetyBuffer(maxOutput, inputChars, contextChars, false)

	timeout := computeTimeout(maxOutput, d.TokensPerSecond, 60000, 120000)

	return Decision{MaxOutputTokens: maxOutput, RequestTimeout: timeout, Overflow: overflow}
}

// applySafetyBuffer enforces inputChars + 4*maxOutputTokens <= contextChars
// - safetyBufferChars, reducing maxOutputTokens first and only reporting
// overflow if that still doesn't fit.
func (p *Planner) applySafetyBuffer(maxOutput, inputChars, contextChars int, isLocal bool) (int, OverflowKind) {
	budget := contextChars - safetyBufferChars - inputChars
	if budget <= 0 {
		if isLocal {
			return 0, OverflowEscalateCloud
		}
		return 0, OverflowSplitOrReject
	}

	allowedByBudget := budget / 4
	if allowedByBudget < maxOutput {
		maxOutput = allowedByBudget
	}
	if maxOutput < 1 {
		if isLocal {
			return 0, OverflowEscalateCloud
		}
		return 0, OverflowSplitOrReject
	}
	return maxOutput, OverflowNone
}

// computeTimeout applies ceil(maxOutputTokens/tokensPerSecond)*1000 +
// headroom, clamped to [floor, cap].
func computeTimeout(maxOutputTokens int, tokensPerSecond float64, floorMs, capMs int) int {
	if tokensPerSecond <= 0 {
		tokensPerSecond = 20
	}
	const headroomMs = 5000
	generateMs := int(math.Ceil(float64(maxOutputTokens)/tokensPerSecond)) * 1000
	timeout := generateMs + headroomMs
	if timeout < floorMs {
		timeout = floorMs
	}
	if timeout > capMs {
		timeout = capMs
	}
	return timeout
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
