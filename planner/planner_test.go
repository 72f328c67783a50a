package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/itsneelabh/orchestra/backend"
)

func TestPlanRemoteAppliesTaskKindCap(t *testing.T) {
	p := New(nil, RemoteContextTable{"cloud": 200000}, nil)
	d := &backend.Descriptor{Key: "cloud", Kind: backend.KindRemote, TokensPerSecond: 40}

	dec := p.Plan(d, 1000, TaskSimple)
	assert.Equal(t, OverflowNone, dec.Overflow)
	assert.Equal(t, 1500, dec.MaxOutputTokens)
}

func TestPlanRemoteOverflowsOnHugeInput(t *testing.T) {
	p := New(nil, RemoteContextTable{"cloud": 20000}, nil)
	d := &backend.Descriptor{Key: "cloud", Kind: backend.KindRemote, TokensPerSecond: 40}

	dec := p.Plan(d, 19000, TaskComplex)
	assert.Equal(t, OverflowSplitOrReject, dec.Overflow)
	assert.Equal(t, 0, dec.MaxOutputTokens)
}

func TestPlanRemoteTimeoutClampedToFloor(t *testing.T) {
	p := New(nil, RemoteContextTable{"cloud": 200000}, nil)
	d := &backend.Descriptor{Key: "cloud", Kind: backend.KindRemote, TokensPerSecond: 1000}

	dec := p.Plan(d, 100, TaskSimple)
	assert.Equal(t, 60000, dec.RequestTimeout)
}

func TestPlanRemoteTimeoutClampedToCap(t *testing.T) {
	p := New(nil, RemoteContextTable{"cloud": 200000}, nil)
	d := &backend.Descriptor{Key: "cloud", Kind: backend.KindRemote, TokensPerSecond: 1}

	dec := p.Plan(d, 100, TaskGenerate)
	assert.Equal(t, 120000, dec.RequestTimeout)
}

func TestPlanLocalFallsBackToStaticContextWithoutDiscovery(t *testing.T) {
	p := New(nil, nil, nil)
	d := &backend.Descriptor{Key: "local-a", Kind: backend.KindLocal, ContextChars: 32768, TokensPerSecond: 20}

	dec := p.Plan(d, 500, TaskStandard)
	assert.Equal(t, OverflowNone, dec.Overflow)
	assert.GreaterOrEqual(t, dec.MaxOutputTokens, 1000)
	assert.LessOrEqual(t, dec.MaxOutputTokens, 8000)
}

func TestSafetyBufferReducesOutputBeforeOverflowing(t *testing.T) {
	p := New(nil, RemoteContextTable{"cloud": 20000}, nil)
	d := &backend.Descriptor{Key: "cloud", Kind: backend.KindRemote, TokensPerSecond: 40}

	dec := p.Plan(d, 13000, TaskComplex)
	assert.Equal(t, OverflowNone, dec.Overflow)
	assert.Less(t, dec.MaxOutputTokens, remoteCaps[TaskComplex].max)
}
