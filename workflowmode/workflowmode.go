// Package workflowmode implements the Workflow Mode Detector (spec §4.E):
// an ordered rule evaluation over the current health set and local Model
// Discovery snapshot, cached for 30s and force-invalidated on a
// multi-model-capable transition.
package workflowmode

import (
	"sync"
	"time"

	"github.com/itsneelabh/orchestra/backend"
)

// Mode is one of the four workflow modes.
type Mode string

const (
	DualIterative   Mode = "DUAL_ITERATIVE"
	SingleReflection Mode = "SINGLE_REFLECTION"
	PassThrough     Mode = "PASS_THROUGH"
	CloudFallback   Mode = "CLOUD_FALLBACK"
)

const cacheTTL = 30 * time.Second

// largeTierParams is the parameter-count threshold for "large" tier
// (≥14B) per §4.E rule 2.
const largeTierParams = 14e9

// smallTierParams is the parameter-count ceiling for "small" tier (<7B)
// per §4.E rule 3. A single healthy model between smallTierParams and
// largeTierParams is "mid" tier and falls through to CLOUD_FALLBACK
// (rule 4): there is no self-review without a large model, and a mid-tier
// model alone isn't trusted pass-through either.
const smallTierParams = 7e9

// LocalModel is the subset of a Discovery snapshot the detector needs.
type LocalModel struct {
	BackendKey string
	Healthy    bool
	NParams    int64
	Role       backend.RoleHint // generator or reviewer, if known
}

// Input is what the detector evaluates each call.
type Input struct {
	// LoadedLocalModels are the models the local multi-model router
	// currently reports as loaded (possibly empty).
	LoadedLocalModels []LocalModel
}

// RoleMap is the detector's generator/reviewer → backend assignment for the
// current mode; no fixer role is assigned.
type RoleMap map[backend.RoleHint]string

// Decision bundles the mode, its role map, and an ordered fallback chain.
type Decision struct {
	Mode         Mode
	Roles        RoleMap
	FallbackChain []string
}

// Detector caches the last decision for cacheTTL and force-invalidates on a
// multi-model-capable transition.
type Detector struct {
	mu              sync.Mutex
	cached          *Decision
	cachedAt        time.Time
	wasMultiCapable bool
}

func New() *Detector {
	return &Detector{}
}

// Detect evaluates the rules in order and returns the first match, using
// the cache when it is still fresh and no capability transition occurred.
func (d *Detector) Detect(in Input) Decision {
	d.mu.Lock()
	defer d.mu.Unlock()

	nowMultiCapable := countHealthy(in.LoadedLocalModels) >= 2
	transitioned := nowMultiCapable != d.wasMultiCapable
	d.wasMultiCapable = nowMultiCapable

	if d.cached != nil && !transitioned && time.Since(d.cachedAt) < cacheTTL {
		return *d.cached
	}

	dec := evaluate(in)
	d.cached = &dec
	d.cachedAt = time.Now()
	return dec
}

func countHealthy(models []LocalModel) int {
	n := 0
	for _, m := range models {
		if m.Healthy {
			n++
		}
	}
	return n
}

func evaluate(in Input) Decision {
	healthy := healthyModels(in.LoadedLocalModels)

	if len(healthy) >= 2 {
		return buildDualIterative(healthy)
	}
	if len(healthy) == 1 && healthy[0].NParams >= largeTierParams {
		return buildSingleReflection(healthy[0])
	}
	if len(healthy) == 1 && healthy[0].NParams < smallTierParams {
		return buildPassThrough(healthy[0])
	}
	return buildCloudFallback()
}

func healthyModels(models []LocalModel) []LocalModel {
	var out []LocalModel
	for _, m := range models {
		if m.Healthy {
			out = append(out, m)
		}
	}
	return out
}

func buildDualIterative(models []LocalModel) Decision {
	roles := RoleMap{}
	var fallback []string
	generatorSet, reviewerSet := false, false
	for _, m := range models {
		switch {
		case !generatorSet:
			roles[backend.RoleGenerator] = m.BackendKey
			generatorSet = true
		case !reviewerSet:
			roles[backend.RoleReviewer] = m.BackendKey
			reviewerSet = true
		}
		fallback = append(fallback, m.BackendKey)
	}
	return Decision{Mode: DualIterative, Roles: roles, FallbackChain: fallback}
}

func buildSingleReflection(m LocalModel) Decision {
	roles := RoleMap{backend.RoleGenerator: m.BackendKey, backend.RoleReviewer: m.BackendKey}
	return Decision{Mode: SingleReflection, Roles: roles, FallbackChain: []string{m.BackendKey}}
}

func buildPassThrough(m LocalModel) Decision {
	roles := RoleMap{backend.RoleGenerator: m.BackendKey}
	return Decision{Mode: PassThrough, Roles: roles, FallbackChain: []string{m.BackendKey}}
}

func buildCloudFallback() Decision {
	return Decision{Mode: CloudFallback, Roles: RoleMap{}, FallbackChain: nil}
}
