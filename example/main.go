// Command orchestra wires every component into a single process: the
// Backend Registry, the Health Monitor, Model Discovery, the Capacity
// Planner, the Workflow Mode Detector, the Playbook Store, the Background
// Analysis Queue, the Router, the Execution Loop, and the Council. It also
// exposes a thin HTTP health/status surface for operational polling.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/itsneelabh/orchestra/backend"
	"github.com/itsneelabh/orchestra/config"
	"github.com/itsneelabh/orchestra/council"
	"github.com/itsneelabh/orchestra/discovery"
	"github.com/itsneelabh/orchestra/execution"
	"github.com/itsneelabh/orchestra/health"
	"github.com/itsneelabh/orchestra/learning"
	"github.com/itsneelabh/orchestra/logging"
	"github.com/itsneelabh/orchestra/planner"
	"github.com/itsneelabh/orchestra/playbook"
	"github.com/itsneelabh/orchestra/queue"
	"github.com/itsneelabh/orchestra/router"
	"github.com/itsneelabh/orchestra/store/inmem"
	"github.com/itsneelabh/orchestra/telemetry"
	"github.com/itsneelabh/orchestra/workflowmode"
)

const requestBodyLimit = 1 << 20 // 1 MiB

func main() {
	cfg, err := config.Load(os.Getenv("ORCHESTRA_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.NoOpLogger{}

	tracerProvider := telemetry.NewDefaultTracerProvider()
	telemetry.GlobalTracerProvider(tracerProvider)
	tel := telemetry.NewOTelTelemetry(tracerProvider, otel.GetMeterProvider())

	registry := backend.NewRegistry()
	registerDemoBackends(registry)

	persist := inmem.New()

	disc := discovery.New(cfg.Discovery.ScanPorts, logger)

	monitor := health.NewMonitor(registry, health.WithLogger(logger), health.WithTelemetry(tel))
	monitorCtx, cancelMonitor := context.WithCancel(context.Background())
	monitor.Start(monitorCtx)
	defer cancelMonitor()

	plan := planner.New(disc, planner.RemoteContextTable{"cloud-claude": 200000}, nil)
	modes := workflowmode.New()

	books := playbook.New(persist, playbook.Options{BurstAcceleration: cfg.Playbook.BurstAcceleration, StabilityRoundsUp: cfg.Playbook.StabilityRoundsUp})
	if err := books.LoadFromMirror(); err != nil {
		logger.Warn("playbook mirror load failed", map[string]interface{}{"error": err.Error()})
	}

	q := queue.New(queue.Config{
		Capacity:        cfg.Queue.Capacity,
		SampleRate:      cfg.Queue.SampleRate,
		ItemTTL:         cfg.Queue.ItemTTL,
		IdleThreshold:   cfg.Queue.IdleThreshold,
		MaxItemsPerWake: cfg.Queue.MaxItemsPerWake,
	}, queue.WithTelemetry(tel))

	recorder := learning.NewRecorder(persist, q)

	rt := router.New(registry, modes, books, plan, monitor, recorder, nil)
	loop := execution.New(registry, monitor, recorder, logger, execution.WithTelemetry(tel))

	topics := council.TopicTable{
		"security":      {"local-llama", "cloud-claude"},
		"general-review": {"local-llama", "cloud-claude"},
	}
	stream := council.NewStreamHub(logger)
	panel := council.New(registry, monitor, topics, logger).WithStream(stream).WithTelemetry(tel)

	srv := &server{router: rt, loop: loop, modes: modes, council: panel, stream: stream, monitor: monitor, queue: q, logger: logger}

	httpSrv := &http.Server{Addr: ":8088", Handler: srv.routes()}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	drainCtx, cancelDrain := context.WithCancel(context.Background())
	go runQueueDrainer(drainCtx, q, logger)
	defer cancelDrain()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	monitor.Stop()
	if err := books.FlushToMirror(); err != nil {
		logger.Warn("playbook mirror flush failed", map[string]interface{}{"error": err.Error()})
	}
}

// runQueueDrainer periodically drains the Background Analysis Queue once it
// goes idle, the ticker-driven counterpart to the Health Monitor's probe
// loop. A real deployment would feed drained items to an offline
// reflection pass; this demo just logs what would have been analyzed.
func runQueueDrainer(ctx context.Context, q *queue.Queue, logger logging.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			items := q.Drain(ctx)
			if len(items) > 0 {
				logger.Debug("drained queue items for analysis", map[string]interface{}{"count": len(items)})
			}
		}
	}
}

func registerDemoBackends(registry *backend.Registry) {
	_ = registry.Register(&backend.Descriptor{
		Key:             "local-llama",
		DisplayName:     "local llama.cpp server",
		Specialization:  "general",
		Kind:            backend.KindLocal,
		ContextChars:    32768,
		TokensPerSecond: 25,
		RoleHints:       []backend.RoleHint{backend.RoleGenerator, backend.RoleReviewer},
		Adapter:         backend.NewLocalAdapter("http://localhost:8080", "", backend.DialectLlamaCpp, logging.NoOpLogger{}),
	})
	_ = registry.Register(&backend.Descriptor{
		Key:             "cloud-claude",
		DisplayName:     "hosted cloud backend",
		Specialization:  "general",
		Kind:            backend.KindRemote,
		ContextChars:    200000,
		TokensPerSecond: 45,
		RoleHints:       []backend.RoleHint{backend.RoleChair},
		Adapter:         backend.NewMockAdapter(),
	})
}

// server bundles the wired components behind the tool-handler contract
// named in §6: route, execute, recordOutcome, council, health.
type server struct {
	router  *router.Router
	loop    *execution.Loop
	modes   *workflowmode.Detector
	council *council.Council
	stream  *council.StreamHub
	monitor *health.Monitor
	queue   *queue.Queue
	logger  logging.Logger
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/execute", s.handleExecute)
	mux.Handle("/council/stream", s.stream.Handler())
	return mux
}

// executeRequest is the wire shape for a single tool invocation: handler ➝
// Router ➝ Execution Loop, per §2's control flow.
type executeRequest struct {
	Prompt        string `json:"prompt"`
	TaskKind      string `json:"taskKind"`
	Complexity    string `json:"complexity"`
	FilePattern   string `json:"filePattern"`
	ForcedBackend string `json:"forcedBackend,omitempty"`
}

type executeResponse struct {
	BackendKey   string  `json:"backendKey"`
	Content      string  `json:"content"`
	Attempts     int     `json:"attempts"`
	WasTruncated bool    `json:"wasTruncated"`
	RouteSource  string  `json:"routeSource"`
	Confidence   float64 `json:"confidence"`
}

func (s *server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req executeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, requestBodyLimit)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Prompt == "" {
		http.Error(w, "prompt is required", http.StatusBadRequest)
		return
	}

	complexity := router.Complexity(req.Complexity)
	if complexity == "" {
		complexity = router.ComplexityMedium
	}
	filePattern := router.FilePattern(req.FilePattern)
	if filePattern == "" {
		filePattern = router.PatternSingle
	}
	taskKind := planner.TaskKind(req.TaskKind)
	if taskKind == "" {
		taskKind = planner.TaskStandard
	}

	dec := s.router.Route(router.Request{
		InputChars:    len(req.Prompt),
		TaskKind:      taskKind,
		Complexity:    complexity,
		FilePattern:   filePattern,
		ForcedBackend: req.ForcedBackend,
	}, workflowmode.Input{})

	if dec.BackendKey == "" {
		http.Error(w, "no backend available", http.StatusServiceUnavailable)
		return
	}

	// Same cached Detector instance the Router itself consulted, so the
	// mode/role/fallback-chain view handed to the Execution Loop agrees
	// with the one the routing decision was made against.
	wf := s.modes.Detect(workflowmode.Input{})

	result, err := s.loop.Run(r.Context(), execution.Request{
		Prompt:               req.Prompt,
		BackendKey:           dec.BackendKey,
		TaskKind:             taskKind,
		Options:              dec.Backend,
		Protocol:             execution.ProtocolGeneral,
		Mode:                 wf.Mode,
		Roles:                wf.Roles,
		FallbackChain:        wf.FallbackChain,
		CloudFallbackEnabled: true,
	})
	if err != nil {
		s.logger.Error("execute failed", map[string]interface{}{"error": err.Error(), "backend": dec.BackendKey})
		http.Error(w, "execution failed", http.StatusBadGateway)
		return
	}

	resp := executeResponse{
		BackendKey:   result.BackendUsed,
		Content:      result.Response.Content,
		Attempts:     result.Attempts,
		WasTruncated: result.WasTruncated,
		RouteSource:  string(dec.Context.RouteSource),
		Confidence:   dec.Context.Confidence,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to encode execute response", map[string]interface{}{"error": err.Error()})
	}
}

type healthResponse struct {
	Backends  map[string]health.Record `json:"backends"`
	QueueSize int                      `json:"queueSize"`
	QueueIdle bool                     `json:"queueIdle"`
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Backends:  s.monitor.Snapshot(),
		QueueSize: s.queue.Len(),
		QueueIdle: s.queue.Idle(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to encode health response", map[string]interface{}{"error": err.Error()})
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
