package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuralforge/forged/internal/domain"
)

func TestEnqueueTask_Persists(t *testing.T) {
	ts := newTestServer(t)

	body := ts.callTool(t, "enqueue_task", map[string]any{
		"projectId": " Alpha ",
		"payload":   map[string]any{"kind": "plan", "step": float64(1)},
	})

	require.Equal(t, "queued", body["status"])
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)

	task, ok := ts.store.tasks[id]
	require.True(t, ok)
	assert.Equal(t, "alpha", task.ProjectID)
	assert.Equal(t, domain.TaskQueued, task.Status)
	assert.Equal(t, map[string]any{"kind": "plan", "step": float64(1)}, task.Payload)
}

func TestEnqueueTask_Validation(t *testing.T) {
	ts := newTestServer(t)

	requireBadRequest(t,
		ts.callTool(t, "enqueue_task", map[string]any{}),
		"projectId (string) is required")
	requireBadRequest(t,
		ts.callTool(t, "enqueue_task", map[string]any{"projectId": "alpha", "payload": "flat"}),
		"payload must be an object if provided")

	// Explicit null payload is accepted.
	body := ts.callTool(t, "enqueue_task", map[string]any{"projectId": "alpha", "payload": nil})
	require.Equal(t, "queued", body["status"])
}

func TestGetNextTask_EmptyQueue(t *testing.T) {
	ts := newTestServer(t)
	body := ts.callTool(t, "get_next_task", map[string]any{})
	task, present := body["task"]
	require.True(t, present)
	require.Nil(t, task)
}

func TestGetNextTask_ClaimsFIFO(t *testing.T) {
	ts := newTestServer(t)
	first := ts.callTool(t, "enqueue_task", map[string]any{"projectId": "alpha"})["id"].(string)
	second := ts.callTool(t, "enqueue_task", map[string]any{"projectId": "alpha"})["id"].(string)

	body := ts.callTool(t, "get_next_task", map[string]any{})
	task := body["task"].(map[string]any)
	assert.Equal(t, first, task["id"])
	assert.Equal(t, "alpha", task["projectId"])
	assert.Equal(t, "in_progress", task["status"])
	assert.NotEmpty(t, task["createdAt"])
	_, hasPayload := task["payload"]
	assert.True(t, hasPayload, "payload key present even when null")

	task = ts.callTool(t, "get_next_task", map[string]any{})["task"].(map[string]any)
	assert.Equal(t, second, task["id"])

	require.Nil(t, ts.callTool(t, "get_next_task", map[string]any{})["task"])
}

func TestGetNextTask_ProjectScope(t *testing.T) {
	ts := newTestServer(t)
	ts.callTool(t, "enqueue_task", map[string]any{"projectId": "alpha"})
	betaID := ts.callTool(t, "enqueue_task", map[string]any{"projectId": "beta"})["id"].(string)

	body := ts.callTool(t, "get_next_task", map[string]any{"projectId": "Beta"})
	task := body["task"].(map[string]any)
	require.Equal(t, betaID, task["id"])

	requireBadRequest(t,
		ts.callTool(t, "get_next_task", map[string]any{"projectId": "not valid!"}),
		"projectId may only contain lowercase letters, numbers, '.', '_' or '-'")
}

func TestUpdateTaskStatus_Lifecycle(t *testing.T) {
	ts := newTestServer(t)
	id := ts.callTool(t, "enqueue_task", map[string]any{"projectId": "alpha"})["id"].(string)
	ts.callTool(t, "get_next_task", map[string]any{})

	body := ts.callTool(t, "update_task_status", map[string]any{
		"id":     id,
		"status": "done",
		"result": map[string]any{"outcome": "merged"},
	})
	require.Equal(t, id, body["id"])
	require.Equal(t, "done", body["status"])

	task := ts.store.tasks[id]
	assert.Equal(t, domain.TaskDone, task.Status)
	assert.Equal(t, map[string]any{"outcome": "merged"}, task.Result)
	assert.NotNil(t, task.UpdatedAt)
}

func TestUpdateTaskStatus_Validation(t *testing.T) {
	ts := newTestServer(t)
	id := ts.callTool(t, "enqueue_task", map[string]any{"projectId": "alpha"})["id"].(string)

	requireBadRequest(t,
		ts.callTool(t, "update_task_status", map[string]any{"status": "done"}),
		"id (string) is required")
	requireBadRequest(t,
		ts.callTool(t, "update_task_status", map[string]any{"id": id, "status": "finished"}),
		"status must be one of queued|in_progress|done|failed")
	requireBadRequest(t,
		ts.callTool(t, "update_task_status", map[string]any{"id": id, "status": "done", "result": 5}),
		"result must be an object if provided")

	body := ts.callTool(t, "update_task_status", map[string]any{"id": "ghost", "status": "done"})
	obj := envelopeError(t, body)
	require.Equal(t, "ERR.NOT_FOUND", obj["code"])
	require.Equal(t, "task not found", obj["message"])
}
