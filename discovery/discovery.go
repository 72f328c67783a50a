// Package discovery implements Model Discovery (spec §4.C): probing a
// configured set of local inference-server ports across dialects and
// extracting a uniform Discovered Model Snapshot, cached per port with a
// short TTL exactly as the teacher's discovery layer caches service
// registrations.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/itsneelabh/orchestra/backend"
	"github.com/itsneelabh/orchestra/logging"
)

// Snapshot is the Discovered Model Snapshot data model.
type Snapshot struct {
	Port           int
	ModelID        string
	NParams        int64 // parameter count, 0 if unknown
	NCtxTrain      int
	NCtxCurrent    int
	ParallelSlots  int
	ServerDialect  backend.Dialect
	Capabilities   []string
	IsOrchestrator bool // true if this port is the local multi-model router
	FetchedAt      time.Time
}

// HasCapability reports whether cap is present in the snapshot's inferred
// capability set.
func (s Snapshot) HasCapability(cap string) bool {
	for _, c := range s.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

const cacheTTL = 60 * time.Second

// Discovery probes a fixed set of local ports and caches the result per
// port for CACHE_TTL.
type Discovery struct {
	ports      []int
	httpClient *http.Client
	logger     logging.Logger

	mu    sync.RWMutex
	cache map[int]Snapshot
}

func New(ports []int, logger logging.Logger) *Discovery {
	return &Discovery{
		ports:      ports,
		httpClient: &http.Client{Timeout: 3 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		logger:     logging.Fallback(logger),
		cache:      make(map[int]Snapshot),
	}
}

// Probe returns the snapshot for port, using the cache unless it is absent
// or stale.
func (d *Discovery) Probe(ctx context.Context, port int) (Snapshot, error) {
	d.mu.RLock()
	snap, ok := d.cache[port]
	d.mu.RUnlock()
	if ok && time.Since(snap.FetchedAt) < cacheTTL {
		return snap, nil
	}

	snap, err := d.probeDialects(ctx, port)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Capabilities = inferCapabilities(snap)

	d.mu.Lock()
	d.cache[port] = snap
	d.mu.Unlock()
	return snap, nil
}

// ProbeAll probes every configured port, skipping ports that error (treated
// as "no server listening there").
func (d *Discovery) ProbeAll(ctx context.Context) []Snapshot {
	var out []Snapshot
	for _, p := range d.ports {
		snap, err := d.Probe(ctx, p)
		if err != nil {
			d.logger.Debug("discovery probe skipped", map[string]interface{}{"port": p, "error": err.Error()})
			continue
		}
		out = append(out, snap)
	}
	return out
}

// Invalidate drops the cached snapshot for port, forcing the next Probe to
// re-query. Nothing in this module calls it automatically: the Workflow Mode
// Detector holds no Discovery reference, so a capability transition does not
// by itself refresh the snapshot.
func (d *Discovery) Invalidate(port int) {
	d.mu.Lock()
	delete(d.cache, port)
	d.mu.Unlock()
}

func (d *Discovery) probeDialects(ctx context.Context, port int) (Snapshot, error) {
	base := fmt.Sprintf("http://localhost:%d", port)

	if snap, ok := d.tryLlamaCpp(ctx, base, port); ok {
		return snap, nil
	}
	if snap, ok := d.tryOllama(ctx, base, port); ok {
		return snap, nil
	}
	if snap, ok := d.tryOpenAICompatible(ctx, base, port); ok {
		return snap, nil
	}
	return Snapshot{}, fmt.Errorf("discovery: no server responding on port %d", port)
}

func (d *Discovery) get(ctx context.Context, url string) ([]byte, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, false
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false
	}
	return body, true
}

// tryLlamaCpp probes llama.cpp's /props endpoint, which reports the live
// context and slot configuration directly.
func (d *Discovery) tryLlamaCpp(ctx context.Context, base string, port int) (Snapshot, bool) {
	body, ok := d.get(ctx, base+"/props")
	if !ok {
		return Snapshot{}, false
	}
	var parsed struct {
		DefaultGenerationSettings struct {
			Model   string `json:"model"`
			NCtx    int    `json:"n_ctx"`
		} `json:"default_generation_settings"`
		TotalSlots int `json:"total_slots"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Snapshot{}, false
	}
	slots := parsed.TotalSlots
	if slots <= 0 {
		slots = 1
	}
	modelID := parsed.DefaultGenerationSettings.Model
	snap := Snapshot{
		Port:          port,
		ModelID:       modelID,
		NCtxTrain:     parsed.DefaultGenerationSettings.NCtx,
		NCtxCurrent:   parsed.DefaultGenerationSettings.NCtx,
		ParallelSlots: slots,
		ServerDialect: backend.DialectLlamaCpp,
		FetchedAt:     time.Now(),
	}
	if args, ok := d.tryModelsArgs(ctx, base); ok {
		applyArgsOverride(&snap, args)
	}
	return snap, true
}

func (d *Discovery) tryOllama(ctx context.Context, base string, port int) (Snapshot, bool) {
	body, ok := d.get(ctx, base+"/api/tags")
	if !ok {
		return Snapshot{}, false
	}
	var parsed struct {
		Models []struct {
			Name    string `json:"name"`
			Details struct {
				ParameterSize string `json:"parameter_size"`
			} `json:"details"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Models) == 0 {
		return Snapshot{}, false
	}
	first := parsed.Models[0]
	return Snapshot{
		Port:          port,
		ModelID:       first.Name,
		NParams:       parseParamSize(first.Details.ParameterSize),
		ParallelSlots: 1, // Ollama does not expose live slot counts over this endpoint
		ServerDialect: backend.DialectOllama,
		FetchedAt:     time.Now(),
	}, true
}

// tryOpenAICompatible covers vLLM and LM Studio, both of which expose
// /v1/models with an OpenAI-shaped body.
func (d *Discovery) tryOpenAICompatible(ctx context.Context, base string, port int) (Snapshot, bool) {
	body, ok := d.get(ctx, base+"/v1/models")
	if !ok {
		return Snapshot{}, false
	}
	var parsed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Data) == 0 {
		return Snapshot{}, false
	}
	return Snapshot{
		Port:          port,
		ModelID:       parsed.Data[0].ID,
		ParallelSlots: 1,
		ServerDialect: backend.DialectVLLM,
		FetchedAt:     time.Now(),
	}, true
}

// modelArgs holds the CLI flags a local multi-model router reports for its
// currently loaded model, as surfaced through a models-listing endpoint that
// carries an args[] field (the router's own extension, not a dialect
// standard).
type modelArgs struct {
	ParallelSlots int
	CtxSize       int
}

// tryModelsArgs queries the router-extended /v1/models endpoint for the
// args[] carrying the live --parallel and --ctx-size flags of the loaded
// model. The Capacity Planner must never fall back to a baked-in constant
// when this succeeds.
func (d *Discovery) tryModelsArgs(ctx context.Context, base string) (modelArgs, bool) {
	body, ok := d.get(ctx, base+"/v1/models")
	if !ok {
		return modelArgs{}, false
	}
	var parsed struct {
		Data []struct {
			Args []string `json:"args"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Data) == 0 {
		return modelArgs{}, false
	}
	return parseArgs(parsed.Data[0].Args), true
}

func parseArgs(args []string) modelArgs {
	var ma modelArgs
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--parallel", "-np":
			if i+1 < len(args) {
				if v, err := strconv.Atoi(args[i+1]); err == nil {
					ma.ParallelSlots = v
				}
			}
		case "--ctx-size", "-c":
			if i+1 < len(args) {
				if v, err := strconv.Atoi(args[i+1]); err == nil {
					ma.CtxSize = v
				}
			}
		}
	}
	return ma
}

func applyArgsOverride(snap *Snapshot, args modelArgs) {
	if args.ParallelSlots > 0 {
		snap.ParallelSlots = args.ParallelSlots
	}
	if args.CtxSize > 0 {
		snap.NCtxCurrent = args.CtxSize
	}
	if snap.ParallelSlots > 1 {
		snap.IsOrchestrator = true
	}
}

func parseParamSize(s string) int64 {
	s = strings.TrimSpace(strings.ToUpper(s))
	s = strings.TrimSuffix(s, "B")
	var f float64
	if _, err := fmt.Sscanf(s, "%f", &f); err != nil {
		return 0
	}
	return int64(f * 1e9)
}

// inferCapabilities derives capability tags from the snapshot's size,
// context window, and model-name cues, per §4.C.
func inferCapabilities(s Snapshot) []string {
	var caps []string

	params := s.NParams
	if params == 0 {
		params = paramsFromName(s.ModelID)
	}
	switch {
	case params >= 30e9:
		caps = append(caps, "deep-reasoning")
	case params > 0 && params <= 8e9:
		caps = append(caps, "fast-generation")
	}

	ctx := s.NCtxCurrent
	if ctx == 0 {
		ctx = s.NCtxTrain
	}
	if ctx >= 32000 {
		caps = append(caps, "large-context")
	}

	name := strings.ToLower(s.ModelID)
	switch {
	case strings.Contains(name, "code") || strings.Contains(name, "coder"):
		caps = append(caps, "code")
	}
	switch {
	case strings.Contains(name, "guard") || strings.Contains(name, "security"):
		caps = append(caps, "security")
	}
	switch {
	case strings.Contains(name, "doc"):
		caps = append(caps, "documentation")
	}

	return caps
}

// paramsFromName extracts a parameter-count cue from common model-name
// conventions like "qwen2.5-32b-instruct" when the server doesn't report
// it directly.
func paramsFromName(name string) int64 {
	lower := strings.ToLower(name)
	idx := strings.Index(lower, "b-")
	if idx == -1 && strings.HasSuffix(lower, "b") {
		idx = len(lower) - 1
	}
	if idx == -1 {
		return 0
	}
	start := idx
	for start > 0 && (lower[start-1] >= '0' && lower[start-1] <= '9' || lower[start-1] == '.') {
		start--
	}
	if start == idx {
		return 0
	}
	var f float64
	if _, err := fmt.Sscanf(lower[start:idx], "%f", &f); err != nil {
		return 0
	}
	return int64(f * 1e9)
}

// FormatStatus renders a snapshot as a short human-readable diagnostic line
// for the health/status surface.
func FormatStatus(s Snapshot) string {
	if s.ModelID == "" {
		return fmt.Sprintf("port=%d dialect=unknown status=no-response", s.Port)
	}
	return fmt.Sprintf("port=%d dialect=%s model=%s slots=%d ctx=%d caps=%s",
		s.Port, s.ServerDialect, s.ModelID, s.ParallelSlots, s.NCtxCurrent, strings.Join(s.Capabilities, ","))
}

// ParseStatus is the inverse of FormatStatus. Only the tests call it; no
// HTTP endpoint in this module serves the status line.
func ParseStatus(line string) (Snapshot, error) {
	var snap Snapshot
	fields := strings.Fields(line)
	for _, f := range fields {
		kv := strings.SplitN(f, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "port":
			if v, err := strconv.Atoi(kv[1]); err == nil {
				snap.Port = v
			}
		case "dialect":
			snap.ServerDialect = backend.Dialect(kv[1])
		case "model":
			snap.ModelID = kv[1]
		case "slots":
			if v, err := strconv.Atoi(kv[1]); err == nil {
				snap.ParallelSlots = v
			}
		case "ctx":
			if v, err := strconv.Atoi(kv[1]); err == nil {
				snap.NCtxCurrent = v
			}
		case "caps":
			if kv[1] != "" {
				snap.Capabilities = strings.Split(kv[1], ",")
			}
		}
	}
	if snap.Port == 0 && snap.ModelID == "" {
		return Snapshot{}, fmt.Errorf("discovery: malformed status line %q", line)
	}
	return snap, nil
}
