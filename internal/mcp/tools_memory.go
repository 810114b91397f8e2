package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/neuralforge/forged/internal/domain"
)

func (s *Server) toolAddMemory(ctx context.Context, req map[string]any) (map[string]any, error) {
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
	content, ok := asString(req["content"])
	if !ok || strings.TrimSpace(content) == "" {
		return bad("content (string) is required")
	}
	if utf8.RuneCountInString(content) > s.cfg.MemoryMaxContentChars {
		return bad(fmt.Sprintf("content exceeds max length (%d)", s.cfg.MemoryMaxContentChars))
	}

	var metadata map[string]any
	if v, present := req["metadata"]; present && v != nil {
		m, ok := asMap(v)
		if !ok {
			return bad("metadata must be an object if provided")
		}
		metadata = m
	}

	quarantined := false
	if v, present := req["quarantined"]; present {
		b, ok := v.(bool)
		if !ok {
			return bad("quarantined must be a boolean if provided")
		}
		quarantined = b
	}

	groupID := ""
	if v, present := req["groupId"]; present && v != nil {
		g, ok := asString(v)
		if !ok {
			return bad("groupId must be a string if provided")
		}
		groupID = strings.TrimSpace(g)
	}

	if s.store == nil {
		return storeUnavailable(requestID, ts), nil
	}

	var embedding []float32
	if s.embed != nil {
		embedding = s.embed(content)
	}

	entry := domain.MemoryEntry{
		ID:          newRequestID(),
		ProjectID:   projectID,
		Content:     content,
		Metadata:    metadata,
		Quarantined: quarantined,
		GroupID:     groupID,
	}
	if err := s.store.AddMemory(ctx, entry, embedding); err != nil {
		if errors.Is(err, domain.ErrDBUnavailable) {
			return storeUnavailable(requestID, ts), nil
		}
		return nil, err
	}

	return map[string]any{
		"requestId":     requestID,
		"serverVersion": ServerVersion,
		"id":            entry.ID,
		"projectId":     projectID,
		"quarantined":   quarantined,
		"timestamp":     ts,
	}, nil
}

func (s *Server) toolGetMemory(ctx context.Context, req map[string]any) (map[string]any, error) {
	requestID := newRequestID()
	ts := nowStamp()

	id, _ := asString(req["id"])
	id = strings.TrimSpace(id)
	if id == "" {
		return badRequest(requestID, ts, "id (string) is required"), nil
	}
	if s.store == nil {
		return storeUnavailable(requestID, ts), nil
	}

	entry, err := s.store.GetMemory(ctx, id)
	if err != nil {
		var nf *domain.NotFoundError
		switch {
		case errors.As(err, &nf):
			return toolError(requestID, ts, codeNotFound, "memory not found"), nil
		case errors.Is(err, domain.ErrDBUnavailable):
			return storeUnavailable(requestID, ts), nil
		default:
			return nil, err
		}
	}

	return map[string]any{
		"requestId":     requestID,
		"serverVersion": ServerVersion,
		"item":          entry,
		"timestamp":     ts,
	}, nil
}

func (s *Server) toolSearchMemory(ctx context.Context, req map[string]any) (map[string]any, error) {
	requestID := newRequestID()
	ts := nowStamp()
	bad := func(msg string) (map[string]any, error) {
		return badRequest(requestID, ts, msg), nil
	}

	query, _ := asString(req["query"])
	if strings.TrimSpace(query) == "" {
		return bad("query (string) is required")
	}

	limit := 20
	if v, present := req["limit"]; present {
		n, ok := intArg(v)
		if !ok {
			return bad("limit must be an integer")
		}
		limit = n
	}
	if limit <= 0 || limit > 200 {
		limit = 20
	}

	includeQuarantined := truthyArg(req["includeQuarantined"])

	projectID := ""
	if raw, ok := asString(req["projectId"]); ok && strings.TrimSpace(raw) != "" {
		p, err := domain.NormalizeProjectID(raw)
		if err != nil {
			return bad(err.Error())
		}
		projectID = p
	}

	mode := "substring"
	if v, present := req["mode"]; present {
		m, ok := asString(v)
		if !ok || (m != "substring" && m != "semantic") {
			return bad("mode must be one of substring|semantic")
		}
		mode = m
	}

	if s.store == nil {
		return storeUnavailable(requestID, ts), nil
	}

	var items []domain.MemoryEntry
	var err error
	switch mode {
	case "semantic":
		if s.embed == nil {
			return bad("semantic search is not enabled")
		}
		k := 5
		if v, present := req["k"]; present {
			n, ok := intArg(v)
			if !ok {
				return bad("k must be an integer")
			}
			k = n
		}
		if k <= 0 || k > 100 {
			k = 5
		}
		var threshold *float64
		if v, present := req["threshold"]; present {
			f, ok := v.(float64)
			if !ok {
				return bad("threshold must be a number")
			}
			threshold = &f
		}
		items, err = s.store.SemanticSearchMemory(ctx, domain.SemanticSearchParams{
			Embedding:          s.embed(strings.TrimSpace(query)),
			ProjectID:          projectID,
			K:                  k,
			IncludeQuarantined: includeQuarantined,
			Threshold:          threshold,
		})
	default:
		items, err = s.store.SearchMemory(ctx, domain.SearchParams{
			Query:              strings.TrimSpace(query),
			ProjectID:          projectID,
			Limit:              limit,
			IncludeQuarantined: includeQuarantined,
		})
	}
	if err != nil {
		if errors.Is(err, domain.ErrDBUnavailable) {
			return storeUnavailable(requestID, ts), nil
		}
		return nil, err
	}
	if items == nil {
		items = []domain.MemoryEntry{}
	}

	return map[string]any{
		"requestId":     requestID,
		"serverVersion": ServerVersion,
		"items":         items,
		"count":         len(items),
		"timestamp":     ts,
	}, nil
}
