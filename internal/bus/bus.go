// Package bus is the in-process pub/sub backbone: typed events fan out to
// handlers registered per event type. Handlers run sequentially in
// registration order so downstream effects are deterministic, and a failing
// handler never stops its siblings.
package bus

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/neuralforge/forged/internal/domain"
	"github.com/neuralforge/forged/internal/log"
	"github.com/neuralforge/forged/internal/metrics"
)

// tracer resolves through the global provider, so spans are noops until
// tracing is initialized.
var tracer = otel.Tracer("github.com/neuralforge/forged/internal/bus")

// Handler processes one event. Returning an error marks the delivery failed
// for this handler only; the bus counts it and moves on.
type Handler interface {
	Handle(ctx context.Context, evt domain.Event) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, evt domain.Event) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, evt domain.Event) error {
	return f(ctx, evt)
}

// Counters is a snapshot of per-type delivery totals.
type Counters struct {
	Published     map[string]int64 `json:"published"`
	Consumed      map[string]int64 `json:"consumed"`
	HandlerErrors map[string]int64 `json:"handlerErrors"`
}

// Bus routes events to subscribed handlers by event type.
//
// Subscribe is idempotent by handler identity: registering the same handler
// twice for a type keeps a single entry. Publish snapshots the handler list
// before invoking, so subscriptions changed mid-publish take effect on the
// next event.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler

	statsMu       sync.Mutex
	published     map[string]int64
	consumed      map[string]int64
	handlerErrors map[string]int64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		handlers:      make(map[string][]Handler),
		published:     make(map[string]int64),
		consumed:      make(map[string]int64),
		handlerErrors: make(map[string]int64),
	}
}

// Subscribe registers a handler for an event type. Duplicate registrations
// of the same handler are ignored.
func (b *Bus) Subscribe(eventType string, h Handler) {
	if h == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, existing := range b.handlers[eventType] {
		if sameHandler(existing, h) {
			return
		}
	}
	b.handlers[eventType] = append(b.handlers[eventType], h)

	log.Info(context.Background(), "eventbus.subscribe",
		zap.String("evt_type", eventType),
		zap.String("handler", handlerName(h)),
	)
}

// Unsubscribe removes a previously registered handler if present.
func (b *Bus) Unsubscribe(eventType string, h Handler) {
	if h == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	handlers := b.handlers[eventType]
	for i, existing := range handlers {
		if sameHandler(existing, h) {
			b.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			log.Info(context.Background(), "eventbus.unsubscribe",
				zap.String("evt_type", eventType),
				zap.String("handler", handlerName(h)),
			)
			return
		}
	}
}

// Publish delivers evt to every handler subscribed to its type, in
// registration order, waiting for each before invoking the next. Handler
// failures are counted and logged but never propagate: Publish does not
// return an error and always reaches every handler.
func (b *Bus) Publish(ctx context.Context, evt domain.Event) {
	evtType := evt.Type

	ctx, span := tracer.Start(ctx, "EventBus.publish", trace.WithAttributes(
		attribute.String("evt_type", evtType),
		attribute.String("project_id", evt.ProjectID),
		attribute.String("request_id", evt.RequestID),
		attribute.String("phase", "publish"),
	))
	defer span.End()

	b.statsMu.Lock()
	b.published[evtType]++
	b.statsMu.Unlock()
	metrics.EventPublished(evtType)

	log.Info(ctx, "eventbus.publish",
		zap.String("evt_type", evtType),
		zap.String("project_id", evt.ProjectID),
		zap.String("request_id", evt.RequestID),
		zap.String("phase", "publish"),
	)

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[evtType]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h.Handle(ctx, evt); err != nil {
			b.statsMu.Lock()
			b.handlerErrors[evtType]++
			b.statsMu.Unlock()
			metrics.EventHandlerError(evtType)

			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Error(ctx, "eventbus.handler_error",
				zap.String("evt_type", evtType),
				zap.String("project_id", evt.ProjectID),
				zap.String("request_id", evt.RequestID),
				zap.String("error", err.Error()),
				zap.String("phase", "error"),
			)
			continue
		}

		b.statsMu.Lock()
		b.consumed[evtType]++
		b.statsMu.Unlock()
		metrics.EventConsumed(evtType)

		log.Info(ctx, "eventbus.consume",
			zap.String("evt_type", evtType),
			zap.String("project_id", evt.ProjectID),
			zap.String("request_id", evt.RequestID),
			zap.String("phase", "consume"),
		)
	}
}

// Counters returns a copy of the delivery totals.
func (b *Bus) Counters() Counters {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()

	return Counters{
		Published:     copyCounts(b.published),
		Consumed:      copyCounts(b.consumed),
		HandlerErrors: copyCounts(b.handlerErrors),
	}
}

// SubscriberCount returns the number of handlers registered for a type.
func (b *Bus) SubscriberCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}

func copyCounts(src map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// sameHandler reports whether two handlers are the same registration
// identity. Comparable values (pointers, structs of comparable fields)
// compare directly; function values compare by code pointer, so two
// closures over the same function body count as one handler.
func sameHandler(a, b Handler) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if ta.Comparable() {
		return a == b
	}
	if ta.Kind() == reflect.Func {
		return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
	}
	return false
}

func handlerName(h Handler) string {
	v := reflect.ValueOf(h)
	if v.Kind() == reflect.Func {
		if fn := runtime.FuncForPC(v.Pointer()); fn != nil {
			return fn.Name()
		}
	}
	return fmt.Sprintf("%T", h)
}
