package mcp

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuralforge/forged/internal/bus"
	"github.com/neuralforge/forged/internal/domain"
)

func TestIngestEvent_PublishesOnBus(t *testing.T) {
	ts := newTestServer(t)

	var received []domain.Event
	ts.srv.bus.Subscribe(domain.EventConversationMessage, bus.HandlerFunc(func(_ context.Context, evt domain.Event) error {
		received = append(received, evt)
		return nil
	}))

	body := ts.callTool(t, "ingest_event", map[string]any{
		"type":      "conversation.message",
		"projectId": "  Alpha  ",
		"role":      "User",
		"content":   "let's build a rest api",
	})

	require.Equal(t, "ok", body["status"])
	require.Equal(t, "conversation.message", body["type"])
	require.Equal(t, "alpha", body["projectId"])

	require.Len(t, received, 1)
	evt := received[0]
	require.Equal(t, domain.EventConversationMessage, evt.Type)
	require.Equal(t, "alpha", evt.ProjectID)
	require.Equal(t, body["requestId"], evt.RequestID)
	assert.Equal(t, "user", evt.Payload["role"])
	assert.Equal(t, "let's build a rest api", evt.Payload["content"])
	_, hasForce := evt.Payload["force_error"]
	assert.False(t, hasForce)
}

func TestIngestEvent_Validation(t *testing.T) {
	ts := newTestServer(t)

	cases := []struct {
		name string
		args map[string]any
		msg  string
	}{
		{
			name: "missing type",
			args: map[string]any{"projectId": "alpha", "content": "x"},
			msg:  "type (string) is required",
		},
		{
			name: "unsupported type",
			args: map[string]any{"type": "task.created", "projectId": "alpha", "content": "x"},
			msg:  "unsupported event type: task.created",
		},
		{
			name: "missing projectId",
			args: map[string]any{"type": "conversation.message", "content": "x"},
			msg:  "projectId (string) is required",
		},
		{
			name: "invalid projectId",
			args: map[string]any{"type": "conversation.message", "projectId": "bad id!", "content": "x"},
			msg:  "projectId may only contain lowercase letters, numbers, '.', '_' or '-'",
		},
		{
			name: "projectId too long",
			args: map[string]any{"type": "conversation.message", "projectId": strings.Repeat("a", 129), "content": "x"},
			msg:  "projectId exceeds max length (128)",
		},
		{
			name: "role not a string",
			args: map[string]any{"type": "conversation.message", "projectId": "alpha", "role": 7, "content": "x"},
			msg:  "role must be a string if provided",
		},
		{
			name: "missing content",
			args: map[string]any{"type": "conversation.message", "projectId": "alpha"},
			msg:  "content (string) is required",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			requireBadRequest(t, ts.callTool(t, "ingest_event", tc.args), tc.msg)
		})
	}
}

func TestIngestEvent_ContentLimitCountsRunes(t *testing.T) {
	ts := newCustomServer(t, newFakeStore(), func(o *Options) {
		o.Config.IngestMaxContentChars = 10
	})

	body := ts.callTool(t, "ingest_event", map[string]any{
		"type": "conversation.message", "projectId": "alpha",
		"content": strings.Repeat("x", 11),
	})
	requireBadRequest(t, body, "content exceeds max length (10)")

	// Ten multibyte runes are within a ten-character limit.
	body = ts.callTool(t, "ingest_event", map[string]any{
		"type": "conversation.message", "projectId": "alpha",
		"content": strings.Repeat("é", 10),
	})
	require.Equal(t, "ok", body["status"])
}

func TestIngestEvent_ForceErrorOnlyLiteralTrue(t *testing.T) {
	ts := newTestServer(t)

	var payloads []map[string]any
	ts.srv.bus.Subscribe(domain.EventConversationMessage, bus.HandlerFunc(func(_ context.Context, evt domain.Event) error {
		payloads = append(payloads, evt.Payload)
		return nil
	}))

	ts.callTool(t, "ingest_event", map[string]any{
		"type": "conversation.message", "projectId": "alpha",
		"content": "x", "force_error": true,
	})
	ts.callTool(t, "ingest_event", map[string]any{
		"type": "conversation.message", "projectId": "alpha",
		"content": "x", "force_error": "yes",
	})

	require.Len(t, payloads, 2)
	assert.Equal(t, true, payloads[0]["force_error"])
	_, present := payloads[1]["force_error"]
	assert.False(t, present, "non-boolean force_error must not propagate")
}

func TestIngestEvent_NilRoleTravelsAsNull(t *testing.T) {
	ts := newTestServer(t)

	var payloads []map[string]any
	ts.srv.bus.Subscribe(domain.EventConversationMessage, bus.HandlerFunc(func(_ context.Context, evt domain.Event) error {
		payloads = append(payloads, evt.Payload)
		return nil
	}))

	ts.callTool(t, "ingest_event", map[string]any{
		"type": "conversation.message", "projectId": "alpha", "content": "x",
	})

	require.Len(t, payloads, 1)
	role, present := payloads[0]["role"]
	require.True(t, present, "role key always present in the payload")
	require.Nil(t, role)
}

func TestIntArg(t *testing.T) {
	cases := []struct {
		in   any
		want int
		ok   bool
	}{
		{true, 1, true},
		{false, 0, true},
		{float64(3.7), 3, true},
		{float64(-2.9), -2, true},
		{int(12), 12, true},
		{int64(13), 13, true},
		{"5", 5, true},
		{" 42 ", 42, true},
		{"5.5", 0, false},
		{"x", 0, false},
		{nil, 0, false},
		{[]any{1}, 0, false},
	}
	for _, tc := range cases {
		got, ok := intArg(tc.in)
		assert.Equal(t, tc.ok, ok, "input %#v", tc.in)
		if tc.ok {
			assert.Equal(t, tc.want, got, "input %#v", tc.in)
		}
	}
}

func TestCoerceInt(t *testing.T) {
	assert.Equal(t, 7, coerceInt("7", 50))
	assert.Equal(t, 50, coerceInt("not-a-number", 50))
	assert.Equal(t, 50, coerceInt(nil, 50))
}

func TestTruthyArg(t *testing.T) {
	for _, v := range []any{true, "yes", "false", float64(1), map[string]any{"k": 1}, []any{"x"}} {
		assert.True(t, truthyArg(v), "expected truthy: %#v", v)
	}
	for _, v := range []any{nil, false, "", float64(0), map[string]any{}, []any{}} {
		assert.False(t, truthyArg(v), "expected falsy: %#v", v)
	}
}

func TestAsStringList(t *testing.T) {
	got, ok := asStringList([]any{"a", "b"})
	require.True(t, ok)
	require.Equal(t, []string{"a", "b"}, got)

	_, ok = asStringList([]any{"a", 1})
	require.False(t, ok)

	_, ok = asStringList("a")
	require.False(t, ok)
}
