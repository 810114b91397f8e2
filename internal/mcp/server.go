package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/neuralforge/forged/internal/bus"
	"github.com/neuralforge/forged/internal/config"
	"github.com/neuralforge/forged/internal/domain"
	"github.com/neuralforge/forged/internal/governance"
	"github.com/neuralforge/forged/internal/governance/tokens"
	"github.com/neuralforge/forged/internal/log"
	"github.com/neuralforge/forged/internal/metrics"
	"github.com/neuralforge/forged/internal/semantic"
	"github.com/neuralforge/forged/internal/tracing"
)

var tracer = otel.Tracer("github.com/neuralforge/forged/internal/mcp")

// toolHandler executes one tool against a decoded request body. The returned
// map is the response envelope; a non-nil error maps to HTTP 500 with an
// ERR.UNAVAILABLE detail. Expected failures (validation, missing rows, no
// store) ride inside the envelope instead.
type toolHandler func(ctx context.Context, req map[string]any) (map[string]any, error)

// Runner reports orchestrator liveness for /health.
type Runner interface {
	Running() bool
}

// Options carries the dependencies for a Server. Store may be nil when no
// DATABASE_URL is configured; tools then degrade to in-envelope
// ERR.DB_UNAVAILABLE and the admin surface answers 503.
type Options struct {
	Config  config.Config
	Store   domain.Store
	Bus     *bus.Bus
	Engine  *governance.Engine
	Loader  *tokens.Loader
	Runner  Runner
	Embed   semantic.EmbedFunc
	Tracing tracing.Status
}

// Server exposes every tool over POST /tool/{name} plus the MCP JSON-RPC
// dispatch, the health and capability probes, and the admin surface.
type Server struct {
	cfg     config.Config
	store   domain.Store
	bus     *bus.Bus
	engine  *governance.Engine
	loader  *tokens.Loader
	runner  Runner
	embed   semantic.EmbedFunc
	tracing tracing.Status

	mu          sync.RWMutex
	handlers    map[string]toolHandler
	initialized bool
}

// NewServer builds the tool registry and returns a ready-to-route server.
func NewServer(opts Options) *Server {
	s := &Server{
		cfg:      opts.Config,
		store:    opts.Store,
		bus:      opts.Bus,
		engine:   opts.Engine,
		loader:   opts.Loader,
		runner:   opts.Runner,
		embed:    opts.Embed,
		tracing:  opts.Tracing,
		handlers: make(map[string]toolHandler),
	}
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	s.handlers["ingest_event"] = s.toolIngestEvent
	s.handlers["add_memory"] = s.toolAddMemory
	s.handlers["get_memory"] = s.toolGetMemory
	s.handlers["search_memory"] = s.toolSearchMemory
	s.handlers["enqueue_task"] = s.toolEnqueueTask
	s.handlers["get_next_task"] = s.toolGetNextTask
	s.handlers["update_task_status"] = s.toolUpdateTaskStatus
	s.handlers["save_diff"] = s.toolSaveDiff
	s.handlers["list_recent"] = s.toolListRecent
	s.handlers["log_error"] = s.toolLogError
	s.handlers["activate_governance"] = s.toolActivateGovernance
	s.handlers["get_active_tokens"] = s.toolGetActiveTokens
	s.handlers["get_governance_policies"] = s.toolGetGovernancePolicies
	s.handlers["get_token_metrics"] = s.toolGetTokenMetrics
	s.handlers["get_rules"] = s.toolGetRules
}

// toolNames returns the registered tool names sorted for /get_capabilities.
func (s *Server) toolNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Routes mounts every endpoint on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tool/{name}", s.handleTool)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /get_capabilities", s.requireAuth(s.handleCapabilities))
	mux.HandleFunc("GET /register", s.handleRegister)
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("GET /sse", s.requireAuth(s.handleSSE))
	mux.HandleFunc("POST /sse", s.requireAuth(s.handleSSEPost))
	mux.HandleFunc("GET /admin/stats", s.requireAuth(s.handleAdminStats))
	mux.HandleFunc("GET /admin/memory_meta", s.requireAuth(s.handleAdminMemoryMeta))
	mux.HandleFunc("POST /admin/watchdog/scan", s.requireAuth(s.handleAdminWatchdogScan))
	mux.HandleFunc("GET /admin/watchdog/preview", s.requireAuth(s.handleAdminWatchdogPreview))
	mux.HandleFunc("GET /admin/token_metrics", s.requireAuth(s.handleAdminTokenMetrics))
	return mux
}

// handleTool is the REST dispatch: auth, registry lookup, decode, execute,
// envelope. The span name keeps the route template so cardinality stays flat.
func (s *Server) handleTool(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), r.Method+" /tool/{name}",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/tool/{name}"),
			attribute.String("http.target", r.URL.Path),
		),
	)
	defer span.End()

	if status, detail := s.authorize(r); status != 0 {
		span.SetAttributes(attribute.Int("http.status_code", status))
		httpError(w, status, detail)
		return
	}

	name := r.PathValue("name")
	s.mu.RLock()
	handler, ok := s.handlers[name]
	s.mu.RUnlock()
	if !ok {
		span.SetAttributes(attribute.Int("http.status_code", http.StatusNotFound))
		httpError(w, http.StatusNotFound, codeNotFound)
		return
	}

	var req map[string]any
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetAttributes(attribute.Int("http.status_code", http.StatusInternalServerError))
		httpError(w, http.StatusInternalServerError, fmt.Sprintf("%s: %v", codeUnavailable, err))
		return
	}

	metrics.RequestCounted(name)
	start := time.Now()
	result, err := handler(ctx, req)
	elapsed := time.Since(start)
	metrics.RequestDuration(name, elapsed.Seconds())
	if err != nil {
		metrics.RequestError(name, "500")
		log.Error(ctx, "tool_exception",
			zap.String("endpoint", name),
			zap.Error(err),
		)
		span.SetAttributes(attribute.Int("http.status_code", http.StatusInternalServerError))
		httpError(w, http.StatusInternalServerError, fmt.Sprintf("%s: %v", codeUnavailable, err))
		return
	}

	elapsedMs := elapsed.Milliseconds()
	merged := make(map[string]any, len(result)+2)
	merged["serverVersion"] = ServerVersion
	for k, v := range result {
		merged[k] = v
	}
	merged["elapsedMs"] = elapsedMs

	requestID, _ := merged["requestId"].(string)
	log.Info(ctx, "tool_complete",
		zap.String("endpoint", name),
		zap.String("requestId", requestID),
		zap.Int64("elapsedMs", elapsedMs),
		zap.String("status", "ok"),
	)
	span.SetAttributes(attribute.Int("http.status_code", http.StatusOK))
	writeJSON(w, http.StatusOK, merged)
}

// handleHealth is unauthenticated so infra probes stay cheap and safe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbStatus := "down"
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err == nil {
			dbStatus = "up"
		}
	}
	running := false
	if s.runner != nil {
		running = s.runner.Running()
	}
	var exporter any
	if s.tracing.Exporter != "" {
		exporter = s.tracing.Exporter
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"serverVersion":       ServerVersion,
		"orchestratorRunning": running,
		"tracing": map[string]any{
			"enabled":     s.tracing.Enabled,
			"initialized": s.tracing.Initialized,
			"exporter":    exporter,
		},
		"db":     map[string]any{"backend": dbBackend, "status": dbStatus},
		"status": "ok",
	})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	metrics.RequestCounted("get_capabilities")
	writeJSON(w, http.StatusOK, map[string]any{
		"serverVersion": ServerVersion,
		"tools":         s.toolNames(),
	})
}

// handleRegister accepts both GET and POST: some MCP clients probe a
// registration endpoint before establishing SSE. No auth here, the response
// is a harmless capability probe.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"serverVersion": ServerVersion,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
