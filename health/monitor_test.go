package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/orchestra/backend"
)

func newTestRegistry(t *testing.T, keys ...string) (*backend.Registry, map[string]*backend.MockAdapter) {
	t.Helper()
	reg := backend.NewRegistry()
	mocks := make(map[string]*backend.MockAdapter)
	for _, k := range keys {
		m := backend.NewMockAdapter()
		mocks[k] = m
		require.NoError(t, reg.Register(&backend.Descriptor{Key: k, Adapter: m}))
	}
	return reg, mocks
}

func TestMonitorProbeMarksHealthy(t *testing.T) {
	reg, _ := newTestRegistry(t, "a")
	m := NewMonitor(reg, WithProbeInterval(time.Hour))

	m.probeOne(context.Background(), mustDescriptor(reg, "a"))

	rec, ok := m.Get("a")
	require.True(t, ok)
	assert.Equal(t, Healthy, rec.State)
}

func TestMonitorProbeMarksOpenAfterRepeatedFailure(t *testing.T) {
	reg, mocks := newTestRegistry(t, "a")
	mocks["a"].Healthy = false
	m := NewMonitor(reg, WithProbeInterval(time.Hour))
	m.breakers["a"] = NewCircuitBreaker(2, time.Minute, time.Second)

	d := mustDescriptor(reg, "a")
	m.probeOne(context.Background(), d)
	m.probeOne(context.Background(), d)

	rec, ok := m.Get("a")
	require.True(t, ok)
	assert.Equal(t, Open, rec.State)
}

func TestMonitorRecordOutcomeAffectsAvailability(t *testing.T) {
	reg, _ := newTestRegistry(t, "a", "b")
	m := NewMonitor(reg)
	m.breakers["a"] = NewCircuitBreaker(1, time.Minute, time.Minute)

	m.RecordOutcome("a", errors.New("transport failure"))

	avail := m.AvailableBackends()
	assert.NotContains(t, avail, "a")
	assert.Contains(t, avail, "b")
}

func mustDescriptor(reg *backend.Registry, key string) *backend.Descriptor {
	d, _ := reg.Get(key)
	return d
}
