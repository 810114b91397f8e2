// Package orchestrator subscribes to conversation events on the in-process
// bus, feeds them through the governance adviser with a bounded per-project
// history, and runs the stale-task watchdog loop.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/neuralforge/forged/internal/bus"
	"github.com/neuralforge/forged/internal/config"
	"github.com/neuralforge/forged/internal/domain"
	"github.com/neuralforge/forged/internal/log"
	"github.com/neuralforge/forged/internal/metrics"
)

var tracer = otel.Tracer("github.com/neuralforge/forged/internal/orchestrator")

// sweepInterval is the tick cadence for history eviction.
const sweepInterval = time.Minute

// errForced marks deliveries rejected because the payload carried a truthy
// force_error flag. Used to exercise the failure path end to end.
var errForced = errors.New("forced_error")

// Adviser turns a conversation message plus recent history into governance
// guidance. An empty string means no activation.
type Adviser interface {
	Activate(ctx context.Context, userMessage string, history []string, projectID string) string
}

// Counters is a snapshot of per-type handling totals.
type Counters struct {
	Handled       map[string]int64 `json:"handled"`
	HandlerErrors map[string]int64 `json:"handlerErrors"`
}

// Orchestrator is the single conversation.message subscriber. Start and Stop
// are idempotent; Handle satisfies bus.Handler so the orchestrator registers
// itself directly.
type Orchestrator struct {
	bus     *bus.Bus
	store   domain.Store
	adviser Adviser
	history *projectHistory

	// watchdogParams is re-read on every loop iteration so operators can
	// retune the scan without a restart.
	watchdogParams func() config.WatchdogConfig

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	statsMu       sync.Mutex
	handled       map[string]int64
	handlerErrors map[string]int64
}

// New wires an orchestrator to the bus, store, and adviser. Start must be
// called before events are delivered.
func New(b *bus.Bus, store domain.Store, adviser Adviser) *Orchestrator {
	return &Orchestrator{
		bus:            b,
		store:          store,
		adviser:        adviser,
		history:        newProjectHistory(historyMaxLen, historyMaxProjects, historyIdleTTL),
		watchdogParams: config.Watchdog,
		handled:        make(map[string]int64),
		handlerErrors:  make(map[string]int64),
	}
}

// Start subscribes to conversation.message and launches the background
// loops. Calling Start on a running orchestrator is a no-op.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return
	}
	o.bus.Subscribe(domain.EventConversationMessage, o)
	o.running = true

	loopCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.wg.Add(1)
	go o.tickLoop(loopCtx)

	log.Info(ctx, "orchestrator.start_ok")
	if o.watchdogParams().Enabled {
		o.wg.Add(1)
		go o.watchdogLoop(loopCtx)
		log.Info(ctx, "watchdog.enabled")
	} else {
		log.Info(ctx, "watchdog.disabled")
	}
}

// Stop unsubscribes, cancels the background loops, and waits for them to
// exit. Calling Stop on a stopped orchestrator is a no-op.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return
	}
	o.bus.Unsubscribe(domain.EventConversationMessage, o)
	o.running = false
	o.cancel()
	o.cancel = nil
	o.wg.Wait()
	log.Info(ctx, "orchestrator.stop_ok")
}

// Running reports whether Start has been called without a matching Stop.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Counters returns a snapshot of in-memory handling totals.
func (o *Orchestrator) Counters() Counters {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	return Counters{
		Handled:       copyCounts(o.handled),
		HandlerErrors: copyCounts(o.handlerErrors),
	}
}

// Handle consumes one conversation event. A truthy force_error payload flag
// fails the delivery so the error path stays testable end to end; otherwise
// the event feeds the adviser and any guidance is published back on the bus.
func (o *Orchestrator) Handle(ctx context.Context, evt domain.Event) error {
	var opts []trace.SpanStartOption
	if sc := spanContextFromTraceparent(evt.Traceparent); sc.IsValid() {
		opts = append(opts, trace.WithLinks(trace.Link{SpanContext: sc}))
	}
	ctx, span := tracer.Start(ctx, "Orchestrator.handle", opts...)
	defer span.End()

	content, _ := evt.Payload["content"].(string)
	span.SetAttributes(
		attribute.String("evt_type", evt.Type),
		attribute.String("project_id", evt.ProjectID),
		attribute.Int("content_len", len(content)),
		attribute.String("phase", "consume"),
	)
	if evt.RequestID != "" {
		span.SetAttributes(attribute.String("request_id", evt.RequestID))
	}

	if truthy(evt.Payload["force_error"]) {
		o.countError(evt.Type)
		metrics.OrchestratorHandlerError(evt.Type)
		span.RecordError(errForced)
		span.SetStatus(codes.Error, errForced.Error())
		log.Error(ctx, "orchestrator.handler_error",
			zap.String("evt_type", evt.Type),
			zap.String("project_id", evt.ProjectID),
			zap.String("request_id", evt.RequestID),
			zap.String("error", errForced.Error()),
		)
		return errForced
	}

	o.countHandled(evt.Type)
	log.Info(ctx, "orchestrator.handle",
		zap.String("evt_type", evt.Type),
		zap.String("project_id", evt.ProjectID),
		zap.String("request_id", evt.RequestID),
		zap.Int("content_len", len(content)),
	)

	o.maybeEmitGovernance(ctx, evt, content)
	return nil
}

// maybeEmitGovernance runs the adviser over the event content and publishes
// a governance.guidance event when the adviser produces any. The history
// snapshot is taken before the adviser call so the current message never
// advises itself; the message is appended afterwards regardless of outcome.
func (o *Orchestrator) maybeEmitGovernance(ctx context.Context, evt domain.Event, content string) {
	if strings.TrimSpace(content) == "" {
		return
	}
	snapshot := o.history.Snapshot(evt.ProjectID)
	guidance := o.adviser.Activate(ctx, content, snapshot, evt.ProjectID)
	o.history.Append(evt.ProjectID, content)
	if guidance == "" {
		return
	}

	log.Info(ctx, "orchestrator.governance_emitted",
		zap.String("project_id", evt.ProjectID),
		zap.String("request_id", evt.RequestID),
	)
	o.bus.Publish(ctx, domain.Event{
		Type:      domain.EventGovernanceGuidance,
		ProjectID: evt.ProjectID,
		Payload: map[string]any{
			"content": guidance,
			"source": map[string]any{
				"type":       evt.Type,
				"request_id": evt.RequestID,
				"role":       evt.Payload["role"],
			},
		},
		TS:          time.Now().UTC(),
		RequestID:   evt.RequestID,
		Traceparent: evt.Traceparent,
	})
}

func (o *Orchestrator) countHandled(eventType string) {
	o.statsMu.Lock()
	o.handled[eventType]++
	o.statsMu.Unlock()
}

func (o *Orchestrator) countError(eventType string) {
	o.statsMu.Lock()
	o.handlerErrors[eventType]++
	o.statsMu.Unlock()
}

// tickLoop sweeps idle history entries until the loop context is cancelled.
func (o *Orchestrator) tickLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := o.history.Sweep(); evicted > 0 {
				log.Debug(ctx, "orchestrator.history_swept", zap.Int("evicted", evicted))
			}
		}
	}
}

// spanContextFromTraceparent parses a W3C traceparent header into a span
// context for linking. Returns an invalid context on malformed input.
func spanContextFromTraceparent(traceparent string) trace.SpanContext {
	if traceparent == "" {
		return trace.SpanContext{}
	}
	carrier := propagation.MapCarrier{"traceparent": traceparent}
	ctx := propagation.TraceContext{}.Extract(context.Background(), carrier)
	return trace.SpanContextFromContext(ctx)
}

// truthy applies loose JSON truthiness: false, nil, zero numbers, and empty
// strings, arrays, and objects are false; everything else is true.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case map[string]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	default:
		return true
	}
}

func copyCounts(src map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
