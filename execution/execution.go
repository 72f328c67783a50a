// Package execution implements the Execution Loop (spec §4.I): invokes the
// chosen backend, detects truncation, retries on the current backend,
// attempts one dual-mode iteration in DUAL_ITERATIVE mode, and escalates
// through the fallback chain on exhausted retries or transport failure.
package execution

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/itsneelabh/orchestra/backend"
	"github.com/itsneelabh/orchestra/errs"
	"github.com/itsneelabh/orchestra/logging"
	"github.com/itsneelabh/orchestra/planner"
	"github.com/itsneelabh/orchestra/telemetry"
	"github.com/itsneelabh/orchestra/workflowmode"
)

const (
	maxLocalRetries = 2
	scaleFactor     = 1.5
	doubleFactor    = 2.0
)

// Request bundles everything the loop needs for one invocation.
type Request struct {
	Prompt       string
	BackendKey   string
	TaskKind     planner.TaskKind
	Options      backend.Options
	Protocol     ToolProtocol
	Mode         workflowmode.Mode
	Roles        workflowmode.RoleMap
	FallbackChain []string
	CloudFallbackEnabled bool
	MaxOutputCap int // 8000 or 16000, per tool; 0 means use the protocol-based default
}

func (r Request) outputCap() int {
	if r.MaxOutputCap > 0 {
		return r.MaxOutputCap
	}
	if r.Protocol == ProtocolBlockEdit {
		return 16000
	}
	return 8000
}

// Outcome is the routingOutcome event emitted after resolution (§4.I),
// fed to the Router's learning recorder and the Background Queue.
type Outcome struct {
	Success         bool
	OutputLength    int
	Backend         string
	ModelID         string
	TaskKind        string
	ProcessingTimeMs int64
}

// Result is what the loop returns to the caller.
type Result struct {
	Response     *backend.Response
	BackendUsed  string
	Attempts     int
	WasTruncated bool
}

// Recorder receives the routingOutcome event; the Router's learning
// recorder and the Background Queue both implement it.
type Recorder interface {
	RecordOutcome(Outcome)
}

// HealthReporter lets the loop report real-request success/failure to the
// Health Monitor's circuit breaker.
type HealthReporter interface {
	RecordOutcome(backendKey string, err error)
}

// Loop executes requests against the Backend Registry.
type Loop struct {
	registry  *backend.Registry
	health    HealthReporter
	recorder  Recorder
	logger    logging.Logger
	telemetry telemetry.Telemetry
	now       func() time.Time
}

// Option configures optional Loop behavior.
type Option func(*Loop)

// WithTelemetry attaches a Telemetry sink; each backend attempt is wrapped
// in its own span.
func WithTelemetry(t telemetry.Telemetry) Option {
	return func(l *Loop) { l.telemetry = t }
}

func New(registry *backend.Registry, health HealthReporter, recorder Recorder, logger logging.Logger, opts ...Option) *Loop {
	l := &Loop{registry: registry, health: health, recorder: recorder, logger: logging.Fallback(logger), telemetry: telemetry.NoOp{}, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Run executes the full retry/escalation policy and returns the final
// result, or a terminal *errs.OrchestratorError if every avenue failed.
func (l *Loop) Run(ctx context.Context, req Request) (*Result, error) {
	start := l.now()
	attempts := 0

	backendKey := req.BackendKey
	opts := req.Options

	for {
		d, ok := l.registry.Get(backendKey)
		if !ok {
			return nil, errs.New("execution.run", errs.ErrUnknownBackend, "backend not registered").WithBackend(backendKey)
		}

		resp, truncated, err := l.attemptOnBackend(ctx, d, req, opts, &attempts)

		if err != nil {
			l.reportHealth(backendKey, err)
			if !errs.Retryable(err) {
				l.emitOutcome(req, backendKey, "", false, 0, start)
				return nil, err
			}
			escalated, escOK := l.nextFallback(req, backendKey)
			if !escOK {
				wrapped := errs.New("execution.run", errs.ErrTransportFailure, "all backends exhausted after transport failures").WithBackend(backendKey)
				l.emitOutcome(req, backendKey, "", false, 0, start)
				return nil, wrapped
			}
			backendKey = escalated
			opts.MaxTokens = capOutput(int(float64(opts.MaxTokens)*doubleFactor), req.outputCap())
			continue
		}

		l.reportHealth(backendKey, nil)

		if !truncated {
			l.emitOutcome(req, backendKey, resp.Metadata.ModelID, true, len(resp.Content), start)
			return &Result{Response: resp, BackendUsed: backendKey, Attempts: attempts, WasTruncated: false}, nil
		}

		if attempts < maxLocalRetries {
			opts.MaxTokens = capOutput(int(float64(opts.MaxTokens)*scaleFactor), req.outputCap())
			continue
		}

		if req.Mode == workflowmode.DualIterative && d.Kind == backend.KindLocal {
			if fixed, ok := l.tryDualModeIteration(ctx, req, resp); ok {
				l.emitOutcome(req, backendKey, fixed.Metadata.ModelID, true, len(fixed.Content), start)
				return &Result{Response: fixed, BackendUsed: backendKey, Attempts: attempts, WasTruncated: false}, nil
			}
		}

		if !req.CloudFallbackEnabled {
			l.emitOutcome(req, backendKey, resp.Metadata.ModelID, false, len(resp.Content), start)
			return &Result{Response: resp, BackendUsed: backendKey, Attempts: attempts, WasTruncated: true}, nil
		}

		escalated, escOK := l.nextFallback(req, backendKey)
		if !escOK {
			l.emitOutcome(req, backendKey, resp.Metadata.ModelID, false, len(resp.Content), start)
			return &Result{Response: resp, BackendUsed: backendKey, Attempts: attempts, WasTruncated: true}, nil
		}
		backendKey = escalated
		opts.MaxTokens = capOutput(int(float64(opts.MaxTokens)*doubleFactor), req.outputCap())
	}
}

// attemptOnBackend sends one request and evaluates truncation.
func (l *Loop) attemptOnBackend(ctx context.Context, d *backend.Descriptor, req Request, opts backend.Options, attempts *int) (*backend.Response, bool, error) {
	*attempts++
	spanCtx, span := l.telemetry.StartSpan(ctx, "execution.attempt")
	span.SetAttribute("backend", d.Key)
	span.SetAttribute("attempt", *attempts)
	defer span.End()

	sendCtx := spanCtx
	var cancel context.CancelFunc
	if opts.TimeoutMs > 0 {
		sendCtx, cancel = context.WithTimeout(spanCtx, time.Duration(opts.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	resp, err := d.Adapter.Send(sendCtx, req.Prompt, opts)
	if err != nil {
		span.RecordError(err)
		if errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
			return nil, false, errs.New("execution.attempt", errs.ErrTimeout, err.Error()).WithBackend(d.Key)
		}
		return nil, false, errs.New("execution.attempt", errs.ErrTransportFailure, err.Error()).WithBackend(d.Key)
	}
	truncated := detectTruncation(resp, len(req.Prompt), req.Protocol)
	span.SetAttribute("truncated", truncated)
	return resp, truncated, nil
}

// tryDualModeIteration has the reviewer model review and complete the
// generator's truncated output. The reviewer's output replaces the
// generator's only if it signals "FIXED" or is itself structurally
// complete.
func (l *Loop) tryDualModeIteration(ctx context.Context, req Request, generatorResp *backend.Response) (*backend.Response, bool) {
	reviewerKey, ok := req.Roles[backend.RoleReviewer]
	if !ok {
		return nil, false
	}
	d, ok := l.registry.Get(reviewerKey)
	if !ok {
		return nil, false
	}

	reviewPrompt := buildReviewPrompt(req.Prompt, generatorResp.Content)
	resp, err := d.Adapter.Send(ctx, reviewPrompt, backend.Options{MaxTokens: req.outputCap(), TimeoutMs: req.Options.TimeoutMs})
	if err != nil {
		return nil, false
	}

	if strings.Contains(resp.Content, "FIXED") {
		return resp, true
	}
	if !detectTruncation(resp, len(req.Prompt), req.Protocol) {
		return resp, true
	}
	return nil, false
}

func buildReviewPrompt(original, generatorOutput string) string {
	var b strings.Builder
	b.WriteString("The following output may be truncated or incomplete. Review it against the original request and complete it. Reply with the word FIXED if you produced a corrected version.\n\n")
	b.WriteString("Original request:\n")
	b.WriteString(original)
	b.WriteString("\n\nGenerated output:\n")
	b.WriteString(generatorOutput)
	return b.String()
}

// nextFallback picks the next candidate in the fallback chain after
// backendKey, skipping backendKey itself.
func (l *Loop) nextFallback(req Request, backendKey string) (string, bool) {
	seen := false
	for _, candidate := range req.FallbackChain {
		if candidate == backendKey {
			seen = true
			continue
		}
		if seen {
			if _, ok := l.registry.Get(candidate); ok {
				return candidate, true
			}
		}
	}
	// Fall back to the first chain entry not equal to backendKey if the
	// current key wasn't found in the chain at all (e.g. forced backend).
	if seen {
		return "", false
	}
	for _, candidate := range req.FallbackChain {
		if candidate != backendKey {
			if _, ok := l.registry.Get(candidate); ok {
				return candidate, true
			}
		}
	}
	return "", false
}

func capOutput(v, ceiling int) int {
	if v > ceiling {
		return ceiling
	}
	return v
}

func (l *Loop) reportHealth(backendKey string, err error) {
	if l.health != nil {
		l.health.RecordOutcome(backendKey, err)
	}
}

func (l *Loop) emitOutcome(req Request, backendKey, modelID string, success bool, outputLen int, start time.Time) {
	if l.recorder == nil {
		return
	}
	l.recorder.RecordOutcome(Outcome{
		Success:          success,
		OutputLength:     outputLen,
		Backend:          backendKey,
		ModelID:          modelID,
		TaskKind:         string(req.TaskKind),
		ProcessingTimeMs: l.now().Sub(start).Milliseconds(),
	})
}
