package council

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/orchestra/backend"
	"github.com/itsneelabh/orchestra/errs"
	"github.com/itsneelabh/orchestra/telemetry"
)

type fakeSpan struct{}

func (fakeSpan) End()                             {}
func (fakeSpan) SetAttribute(string, interface{}) {}
func (fakeSpan) RecordError(error)                {}

type recordingTelemetry struct {
	spans []string
}

func (r *recordingTelemetry) StartSpan(ctx context.Context, name string) (context.Context, telemetry.Span) {
	r.spans = append(r.spans, name)
	return ctx, fakeSpan{}
}

func (r *recordingTelemetry) RecordMetric(string, float64, map[string]string) {}

type allowAll struct{ denied map[string]bool }

func (a allowAll) Allow(key string) bool { return !a.denied[key] }

func newTestCouncil(t *testing.T, denied map[string]bool) *Council {
	t.Helper()
	reg := backend.NewRegistry()
	names := []string{"a", "b", "c", "d"}
	for _, n := range names {
		mock := backend.NewMockAdapter()
		mock.Responses = []*backend.Response{{Content: "VOTE: " + n + "\nREASON: because"}}
		require.NoError(t, reg.Register(&backend.Descriptor{Key: n, Kind: backend.KindLocal, Adapter: mock}))
	}
	topics := TopicTable{"security": {"a", "b", "c", "d"}}
	return New(reg, allowAll{denied: denied}, topics, nil)
}

func TestRunFailsFastWhenTooFewHealthy(t *testing.T) {
	c := newTestCouncil(t, map[string]bool{"b": true, "c": true, "d": true})
	_, err := c.Run(context.Background(), Request{Topic: "security", Confidence: ConfidenceMedium, Prompt: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrCouncilUnavailable))
}

func TestRunProceedsWithOneBackendDown(t *testing.T) {
	c := newTestCouncil(t, map[string]bool{"d": true})
	result, err := c.Run(context.Background(), Request{Topic: "security", Confidence: ConfidenceMedium, Prompt: "x"})
	require.NoError(t, err)
	assert.Len(t, result.BackendsQueried, 3)
	assert.Len(t, result.Responses, 3)
}

func TestRunUnknownTopicErrors(t *testing.T) {
	c := newTestCouncil(t, nil)
	_, err := c.Run(context.Background(), Request{Topic: "nope", Confidence: ConfidenceLow, Prompt: "x"})
	require.Error(t, err)
}

func TestRunRawModeReturnsAllResponses(t *testing.T) {
	c := newTestCouncil(t, nil)
	result, err := c.Run(context.Background(), Request{Topic: "security", Confidence: ConfidenceHigh, Prompt: "x", Mode: ModeRaw})
	require.NoError(t, err)
	assert.Len(t, result.Responses, 4)
	assert.Empty(t, result.SynthesisHint)
}

func TestRunVoteModeTalliesPlurality(t *testing.T) {
	reg := backend.NewRegistry()
	for _, pair := range []struct{ key, vote string }{
		{"a", "yes"}, {"b", "yes"}, {"c", "no"},
	} {
		mock := backend.NewMockAdapter()
		mock.Responses = []*backend.Response{{Content: "VOTE: " + pair.vote + "\nREASON: r"}}
		require.NoError(t, reg.Register(&backend.Descriptor{Key: pair.key, Kind: backend.KindLocal, Adapter: mock}))
	}
	c := New(reg, allowAll{}, TopicTable{"t": {"a", "b", "c"}}, nil)

	result, err := c.Run(context.Background(), Request{Topic: "t", Confidence: ConfidenceMedium, Prompt: "x", Mode: ModeVote})
	require.NoError(t, err)
	assert.Equal(t, "yes", result.SynthesisHint)
}

func TestRunDebateModeFeedsPreviousRoundForward(t *testing.T) {
	reg := backend.NewRegistry()
	mockA := backend.NewMockAdapter()
	mockA.Fn = func(ctx context.Context, prompt string, opts backend.Options) (*backend.Response, error) {
		return &backend.Response{Content: "a-says"}, nil
	}
	mockB := backend.NewMockAdapter()
	var sawOtherRound bool
	mockB.Fn = func(ctx context.Context, prompt string, opts backend.Options) (*backend.Response, error) {
		if containsSubstr(prompt, "a-says") {
			sawOtherRound = true
		}
		return &backend.Response{Content: "b-says"}, nil
	}
	require.NoError(t, reg.Register(&backend.Descriptor{Key: "a", Kind: backend.KindLocal, Adapter: mockA}))
	require.NoError(t, reg.Register(&backend.Descriptor{Key: "b", Kind: backend.KindLocal, Adapter: mockB}))

	c := New(reg, allowAll{}, TopicTable{"t": {"a", "b"}}, nil)
	result, err := c.Run(context.Background(), Request{Topic: "t", Confidence: ConfidenceLow, Prompt: "orig", Mode: ModeDebate, Rounds: 2})
	require.NoError(t, err)
	assert.Len(t, result.Responses, 2)
	assert.True(t, sawOtherRound)
}

func TestRunRecordsTelemetrySpanPerFanOutRound(t *testing.T) {
	reg := backend.NewRegistry()
	mockA := backend.NewMockAdapter()
	mockA.Responses = []*backend.Response{{Content: "a-says"}, {Content: "a-says-2"}}
	mockB := backend.NewMockAdapter()
	mockB.Responses = []*backend.Response{{Content: "b-says"}, {Content: "b-says-2"}}
	require.NoError(t, reg.Register(&backend.Descriptor{Key: "a", Kind: backend.KindLocal, Adapter: mockA}))
	require.NoError(t, reg.Register(&backend.Descriptor{Key: "b", Kind: backend.KindLocal, Adapter: mockB}))

	tel := &recordingTelemetry{}
	c := New(reg, allowAll{}, TopicTable{"t": {"a", "b"}}, nil).WithTelemetry(tel)
	_, err := c.Run(context.Background(), Request{Topic: "t", Confidence: ConfidenceLow, Prompt: "orig", Mode: ModeDebate, Rounds: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"council.fanout", "council.fanout"}, tel.spans, "one span per debate round")
}

func TestRunFullModeSynthesizesViaChair(t *testing.T) {
	reg := backend.NewRegistry()
	mockA := backend.NewMockAdapter()
	mockA.Responses = []*backend.Response{{Content: "first take"}}
	mockB := backend.NewMockAdapter()
	mockB.Responses = []*backend.Response{{Content: "second take"}}
	require.NoError(t, reg.Register(&backend.Descriptor{Key: "a", Kind: backend.KindLocal, Adapter: mockA}))
	require.NoError(t, reg.Register(&backend.Descriptor{Key: "b", Kind: backend.KindLocal, Adapter: mockB}))

	c := New(reg, allowAll{}, TopicTable{"t": {"a", "b"}}, nil)
	result, err := c.Run(context.Background(), Request{Topic: "t", Confidence: ConfidenceLow, Prompt: "orig", Mode: ModeFull})
	require.NoError(t, err)
	assert.NotEmpty(t, result.SynthesisHint)
}

func containsSubstr(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}
