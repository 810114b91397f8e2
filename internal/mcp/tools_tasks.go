package mcp

import (
	"context"
	"errors"
	"strings"

	"github.com/neuralforge/forged/internal/domain"
)

func (s *Server) toolEnqueueTask(ctx context.Context, req map[string]any) (map[string]any, error) {
	requestID := newRequestID()
	ts := nowStamp()
	bad := func(msg string) (map[string]any, error) {
		return badRequest(requestID, ts, msg), nil
	}

	rawProject, _ := asString(req["projectId"])
	projectID, err := domain.NormalizeProjectID(rawProject)
	if err != nil {
		return bad(err.Error())
	}

	var payload map[string]any
	if v, present := req["payload"]; present && v != nil {
		m, ok := asMap(v)
		if !ok {
			return bad("payload must be an object if provided")
		}
		payload = m
	}

	if s.store == nil {
		return storeUnavailable(requestID, ts), nil
	}

	taskID := newRequestID()
	if err := s.store.EnqueueTask(ctx, taskID, projectID, payload); err != nil {
		if errors.Is(err, domain.ErrDBUnavailable) {
			return storeUnavailable(requestID, ts), nil
		}
		return nil, err
	}

	return map[string]any{
		"requestId":     requestID,
		"serverVersion": ServerVersion,
		"id":            taskID,
		"status":        "queued",
		"timestamp":     ts,
	}, nil
}

func (s *Server) toolGetNextTask(ctx context.Context, req map[string]any) (map[string]any, error) {
	requestID := newRequestID()
	ts := nowStamp()

	projectID := ""
	if raw, ok := asString(req["projectId"]); ok && strings.TrimSpace(raw) != "" {
		p, err := domain.NormalizeProjectID(raw)
		if err != nil {
			return badRequest(requestID, ts, err.Error()), nil
		}
		projectID = p
	}

	if s.store == nil {
		return storeUnavailable(requestID, ts), nil
	}

	claimed, err := s.store.ClaimNextTask(ctx, projectID)
	if err != nil {
		if errors.Is(err, domain.ErrDBUnavailable) {
			return storeUnavailable(requestID, ts), nil
		}
		return nil, err
	}

	// The claimed task is reported with exactly the fields a worker needs;
	// result and updatedAt stay internal until the worker reports back.
	var task any
	if claimed != nil {
		task = map[string]any{
			"id":        claimed.ID,
			"projectId": claimed.ProjectID,
			"status":    claimed.Status.String(),
			"payload":   claimed.Payload,
			"createdAt": claimed.CreatedAt,
		}
	}

	return map[string]any{
		"requestId":     requestID,
		"serverVersion": ServerVersion,
		"task":          task,
		"timestamp":     ts,
	}, nil
}

func (s *Server) toolUpdateTaskStatus(ctx context.Context, req map[string]any) (map[string]any, error) {
	requestID := newRequestID()
	ts := nowStamp()
	bad := func(msg string) (map[string]any, error) {
		return badRequest(requestID, ts, msg), nil
	}

	id, _ := asString(req["id"])
	id = strings.TrimSpace(id)
	if id == "" {
		return bad("id (string) is required")
	}
	rawStatus, _ := asString(req["status"])
	status := domain.TaskStatus(rawStatus)
	if !status.IsValid() {
		return bad("status must be one of queued|in_progress|done|failed")
	}
	var result map[string]any
	if v, present := req["result"]; present && v != nil {
		m, ok := asMap(v)
		if !ok {
			return bad("result must be an object if provided")
		}
		result = m
	}

	if s.store == nil {
		return storeUnavailable(requestID, ts), nil
	}

	ok, err := s.store.UpdateTaskStatus(ctx, id, status, result)
	if err != nil {
		if errors.Is(err, domain.ErrDBUnavailable) {
			return storeUnavailable(requestID, ts), nil
		}
		return nil, err
	}
	if !ok {
		return toolError(requestID, ts, codeNotFound, "task not found"), nil
	}

	return map[string]any{
		"requestId":     requestID,
		"serverVersion": ServerVersion,
		"id":            id,
		"status":        status.String(),
		"timestamp":     ts,
	}, nil
}
