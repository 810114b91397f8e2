package mcp

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/propagation"

	"github.com/neuralforge/forged/internal/domain"
)

// Supported ingest event types. Only conversation.message today.
var supportedEventTypes = map[string]struct{}{
	domain.EventConversationMessage: {},
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// asStringList accepts a JSON array whose elements are all strings.
func asStringList(v any) ([]string, bool) {
	raw, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

// intArg applies lenient integer coercion to limit-style fields: numbers
// truncate toward zero, numeric strings parse, booleans map to 0/1.
func intArg(v any) (int, bool) {
	switch n := v.(type) {
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case float64:
		return int(math.Trunc(n)), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// coerceInt falls back to def when intArg cannot convert.
func coerceInt(v any, def int) int {
	if n, ok := intArg(v); ok {
		return n
	}
	return def
}

// truthyArg mirrors loose truthiness for flag-style arguments: nil, false,
// zero, empty string, empty array, and empty object are false.
func truthyArg(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// traceparentFrom serializes the active span context so bus consumers can
// link their spans back to the ingesting request.
func traceparentFrom(ctx context.Context) string {
	carrier := propagation.MapCarrier{}
	propagation.TraceContext{}.Inject(ctx, carrier)
	return carrier.Get("traceparent")
}

// toolIngestEvent validates a conversation.message and publishes it on the
// bus. Delivery to subscribers is synchronous but isolated: a failing
// handler never fails this request.
func (s *Server) toolIngestEvent(ctx context.Context, req map[string]any) (map[string]any, error) {
	requestID := newRequestID()
	ts := nowStamp()
	bad := func(msg string) (map[string]any, error) {
		return badRequest(requestID, ts, msg), nil
	}

	evtType, _ := asString(req["type"])
	if strings.TrimSpace(evtType) == "" {
		return bad("type (string) is required")
	}
	if _, ok := supportedEventTypes[evtType]; !ok {
		return bad(fmt.Sprintf("unsupported event type: %s", evtType))
	}

	rawProject, _ := asString(req["projectId"])
	projectID, err := domain.NormalizeProjectID(rawProject)
	if err != nil {
		return bad(err.Error())
	}

	role := req["role"]
	if role != nil {
		if _, ok := role.(string); !ok {
			return bad("role must be a string if provided")
		}
	}
	content, ok := asString(req["content"])
	if !ok || content == "" {
		return bad("content (string) is required")
	}
	if utf8.RuneCountInString(content) > s.cfg.IngestMaxContentChars {
		return bad(fmt.Sprintf("content exceeds max length (%d)", s.cfg.IngestMaxContentChars))
	}

	var normRole any
	if r, ok := role.(string); ok {
		normRole = strings.ToLower(r)
	}

	payload := map[string]any{"role": normRole, "content": content}
	// Test hook: propagate force_error so callers can exercise the bus
	// error path end to end.
	if b, ok := req["force_error"].(bool); ok && b {
		payload["force_error"] = true
	}

	evt := domain.NewEvent(evtType, projectID, payload)
	evt.RequestID = requestID
	evt.Traceparent = traceparentFrom(ctx)
	s.bus.Publish(ctx, evt)

	return map[string]any{
		"requestId":     requestID,
		"serverVersion": ServerVersion,
		"timestamp":     ts,
		"status":        "ok",
		"type":          evtType,
		"projectId":     projectID,
	}, nil
}
