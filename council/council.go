// Package council implements the Council (spec §4.J): a parallel fan-out
// over 2-4 backends for a topic, with availability filtering and one of
// several aggregation modes.
package council

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itsneelabh/orchestra/backend"
	"github.com/itsneelabh/orchestra/errs"
	"github.com/itsneelabh/orchestra/logging"
	"github.com/itsneelabh/orchestra/telemetry"
)

// ConfidenceLevel names the caller's desired thoroughness; it drives how
// many backends are queried.
type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "high"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceLow    ConfidenceLevel = "low"
)

func requiredCount(c ConfidenceLevel) int {
	switch c {
	case ConfidenceHigh:
		return 4
	case ConfidenceMedium:
		return 3
	case ConfidenceLow:
		return 2
	default:
		return 2
	}
}

// Mode selects how responses are aggregated after the fan-out.
type Mode string

const (
	ModeRaw   Mode = "raw"   // return the raw set, caller synthesizes
	ModeVote  Mode = "vote"  // extract VOTE:/REASON:, tally plurality
	ModeDebate Mode = "debate" // R rounds, each seeing the previous round
	ModeFull  Mode = "full"  // chair synthesis over the anonymized responses
)

// AvailabilityChecker reports whether a backend is currently routable.
type AvailabilityChecker interface {
	Allow(key string) bool
}

// TopicTable maps a topic to its ordered candidate backend list (3-4
// entries), configured statically per deployment.
type TopicTable map[string][]string

// Request is one Council invocation.
type Request struct {
	Prompt     string
	Topic      string
	Confidence ConfidenceLevel
	Mode       Mode
	Rounds     int // debate mode only; defaults to 2
	MaxTokens  int
	ChairKey   string // full mode only; defaults to the first queried backend
}

// Response is one backend's fan-out reply.
type Response struct {
	Backend   string
	Content   string
	LatencyMs int64
	OK        bool
}

// Result is what the Council returns to the caller.
type Result struct {
	RequestID       string
	BackendsQueried []string
	Responses       []Response
	SynthesisHint   string
	ProcessingTimeMs int64
}

// Council executes topic-directed, availability-filtered fan-out calls.
type Council struct {
	registry  *backend.Registry
	health    AvailabilityChecker
	topics    TopicTable
	logger    logging.Logger
	now       func() time.Time
	stream    RoundBroadcaster
	telemetry telemetry.Telemetry
}

func New(registry *backend.Registry, health AvailabilityChecker, topics TopicTable, logger logging.Logger) *Council {
	return &Council{registry: registry, health: health, topics: topics, logger: logging.Fallback(logger), now: time.Now, telemetry: telemetry.NoOp{}}
}

// WithTelemetry attaches a Telemetry sink; every fan-out round is wrapped in
// its own span.
func (c *Council) WithTelemetry(t telemetry.Telemetry) *Council {
	c.telemetry = telemetry.Fallback(t)
	return c
}

// Run executes one Council call end to end: topic resolution, health
// filtering, parallel fan-out, and mode-specific aggregation.
func (c *Council) Run(ctx context.Context, req Request) (*Result, error) {
	start := c.now()
	requestID := uuid.NewString()

	candidates, ok := c.topics[req.Topic]
	if !ok || len(candidates) == 0 {
		return nil, errs.New("council.run", errs.ErrUnknownBackend, fmt.Sprintf("no backend list configured for topic %q", req.Topic))
	}

	available := c.filterAvailable(candidates)
	need := requiredCount(req.Confidence)
	minAvailable := need - 1
	if minAvailable < 2 {
		minAvailable = 2
	}
	if len(available) < minAvailable {
		return nil, errs.New("council.run", errs.ErrCouncilUnavailable,
			fmt.Sprintf("only %d of %d required backends healthy for topic %q", len(available), need, req.Topic))
	}

	selected := available
	if len(selected) > need {
		selected = selected[:need]
	}

	mode := req.Mode
	if mode == "" {
		mode = ModeRaw
	}

	var responses []Response
	switch mode {
	case ModeDebate:
		responses = c.runDebate(ctx, requestID, req, selected)
	default:
		responses = c.fanOut(ctx, req.Prompt, req.MaxTokens, selected)
	}

	hint := ""
	switch mode {
	case ModeVote:
		hint = tallyVotes(responses)
	case ModeFull:
		hint = c.chairSynthesis(ctx, req, selected, responses)
	}

	return &Result{
		RequestID:        requestID,
		BackendsQueried:  selected,
		Responses:        responses,
		SynthesisHint:    hint,
		ProcessingTimeMs: c.now().Sub(start).Milliseconds(),
	}, nil
}

func (c *Council) filterAvailable(candidates []string) []string {
	out := make([]string, 0, len(candidates))
	for _, key := range candidates {
		if _, ok := c.registry.Get(key); !ok {
			continue
		}
		if c.health == nil || c.health.Allow(key) {
			out = append(out, key)
		}
	}
	return out
}

// fanOut sends prompt to every backend in keys concurrently and joins
// before returning, in the order of keys.
func (c *Council) fanOut(ctx context.Context, prompt string, maxTokens int, keys []string) []Response {
	spanCtx, span := c.telemetry.StartSpan(ctx, "council.fanout")
	span.SetAttribute("backends", len(keys))
	defer span.End()

	results := make([]Response, len(keys))
	var wg sync.WaitGroup
	for i, key := range keys {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			results[i] = c.call(spanCtx, key, prompt, maxTokens)
		}(i, key)
	}
	wg.Wait()
	return results
}

func (c *Council) call(ctx context.Context, key, prompt string, maxTokens int) Response {
	start := c.now()
	d, ok := c.registry.Get(key)
	if !ok {
		return Response{Backend: key, OK: false}
	}
	resp, err := d.Adapter.Send(ctx, prompt, backend.Options{MaxTokens: maxTokens})
	latency := c.now().Sub(start).Milliseconds()
	if err != nil {
		c.logger.Warn("council backend call failed", map[string]interface{}{"backend": key, "error": err.Error()})
		return Response{Backend: key, LatencyMs: latency, OK: false}
	}
	return Response{Backend: key, Content: resp.Content, LatencyMs: latency, OK: true}
}

// runDebate runs up to req.Rounds rounds, feeding each round's transcript
// into the next round's prompt, and returns the final round's responses.
// When a RoundBroadcaster is attached, every round (including the last) is
// published so a caller can watch the debate progress live.
func (c *Council) runDebate(ctx context.Context, requestID string, req Request, keys []string) []Response {
	rounds := req.Rounds
	if rounds <= 0 {
		rounds = 2
	}
	responses := c.fanOut(ctx, req.Prompt, req.MaxTokens, keys)
	c.publishRound(requestID, req.Topic, 1, responses, rounds == 1)
	for round := 2; round <= rounds; round++ {
		prompt := buildDebatePrompt(req.Prompt, responses)
		responses = c.fanOut(ctx, prompt, req.MaxTokens, keys)
		c.publishRound(requestID, req.Topic, round, responses, round == rounds)
	}
	return responses
}

func (c *Council) publishRound(requestID, topic string, round int, responses []Response, final bool) {
	if c.stream == nil {
		return
	}
	c.stream.Broadcast(RoundEvent{
		RequestID: requestID,
		Topic:     topic,
		Round:     round,
		Responses: responses,
		Final:     final,
	})
}

func buildDebatePrompt(original string, previous []Response) string {
	var b strings.Builder
	b.WriteString(original)
	b.WriteString("\n\nOther participants responded:\n")
	for _, r := range previous {
		if !r.OK {
			continue
		}
		b.WriteString("- ")
		b.WriteString(r.Backend)
		b.WriteString(": ")
		b.WriteString(r.Content)
		b.WriteString("\n")
	}
	b.WriteString("\nConsidering the above, refine or defend your answer.")
	return b.String()
}

var votePattern = regexp.MustCompile(`(?i)VOTE:\s*([^\n]+)`)

// tallyVotes extracts a VOTE: line from each OK response and returns the
// plurality choice, or "" if no response carried a parseable vote.
func tallyVotes(responses []Response) string {
	tally := map[string]int{}
	order := []string{}
	for _, r := range responses {
		if !r.OK {
			continue
		}
		m := votePattern.FindStringSubmatch(r.Content)
		if m == nil {
			continue
		}
		choice := strings.TrimSpace(m[1])
		if _, seen := tally[choice]; !seen {
			order = append(order, choice)
		}
		tally[choice]++
	}
	best := ""
	bestCount := 0
	for _, choice := range order {
		if tally[choice] > bestCount {
			best = choice
			bestCount = tally[choice]
		}
	}
	return best
}

// chairSynthesis asks a designated chair backend to synthesize a final answer
// from the full transcript, with each response shown under a number instead
// of its backend key. The other backends are not asked to rank one another.
// Returns the chair's synthesis text, or "" on failure.
func (c *Council) chairSynthesis(ctx context.Context, req Request, keys []string, responses []Response) string {
	if len(responses) == 0 {
		return ""
	}
	chair := req.ChairKey
	if chair == "" {
		chair = keys[0]
	}
	d, ok := c.registry.Get(chair)
	if !ok {
		return ""
	}

	var b strings.Builder
	b.WriteString("You are the chair. Synthesize the strongest answer to the original request from the anonymous responses below.\n\n")
	b.WriteString("Original request:\n")
	b.WriteString(req.Prompt)
	b.WriteString("\n\n")
	for i, r := range responses {
		if !r.OK {
			continue
		}
		fmt.Fprintf(&b, "Response %d:\n%s\n\n", i+1, r.Content)
	}

	resp, err := d.Adapter.Send(ctx, b.String(), backend.Options{MaxTokens: req.MaxTokens})
	if err != nil {
		c.logger.Warn("council chair synthesis failed", map[string]interface{}{"backend": chair, "error": err.Error()})
		return ""
	}
	return resp.Content
}
