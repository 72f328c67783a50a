package backend

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	mock := NewMockAdapter()

	err := r.Register(&Descriptor{Key: "local-a", Kind: KindLocal, Adapter: mock, RoleHints: []RoleHint{RoleGenerator}})
	require.NoError(t, err)

	d, ok := r.Get("local-a")
	require.True(t, ok)
	assert.Equal(t, "local-a", d.Key)
	assert.True(t, d.SupportsRole(RoleGenerator))
	assert.False(t, d.SupportsRole(RoleReviewer))
}

func TestRegistryRejectsInvalidDescriptors(t *testing.T) {
	r := NewRegistry()

	assert.Error(t, r.Register(&Descriptor{Key: "", Adapter: NewMockAdapter()}))
	assert.Error(t, r.Register(&Descriptor{Key: "x", Adapter: nil}))
}

func TestRegistryIterateIsStableOrder(t *testing.T) {
	r := NewRegistry()
	for _, k := range []string{"c", "a", "b"} {
		require.NoError(t, r.Register(&Descriptor{Key: k, Adapter: NewMockAdapter()}))
	}
	got := r.Keys()
	assert.Equal(t, []string{"c", "a", "b"}, got)
}

func TestRegistryReRegisterPreservesOrder(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Descriptor{Key: "a", Adapter: NewMockAdapter()}))
	require.NoError(t, r.Register(&Descriptor{Key: "b", Adapter: NewMockAdapter()}))
	require.NoError(t, r.Register(&Descriptor{Key: "a", DisplayName: "updated", Adapter: NewMockAdapter()}))

	assert.Equal(t, []string{"a", "b"}, r.Keys())
	d, _ := r.Get("a")
	assert.Equal(t, "updated", d.DisplayName)
}

func TestMockAdapterSequencedResponses(t *testing.T) {
	m := NewMockAdapter()
	m.Responses = []*Response{
		{Content: "first"},
		{Content: "second"},
	}

	resp, err := m.Send(context.Background(), "p", Options{})
	require.NoError(t, err)
	assert.Equal(t, "first", resp.Content)

	resp, err = m.Send(context.Background(), "p", Options{})
	require.NoError(t, err)
	assert.Equal(t, "second", resp.Content)

	assert.Equal(t, 2, m.CallCount())
}

func TestMockAdapterErrInjection(t *testing.T) {
	m := NewMockAdapter()
	wantErr := errors.New("boom")
	m.Errs = []error{wantErr}

	_, err := m.Send(context.Background(), "p", Options{})
	assert.ErrorIs(t, err, wantErr)
}
