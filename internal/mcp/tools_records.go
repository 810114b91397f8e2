package mcp

import (
	"context"
	"errors"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/neuralforge/forged/internal/domain"
)

// toolSaveDiff persists a diff record. Callers either supply the diff text
// directly or send before/after snapshots and let the server compute a line
// diff. Both modes report linesAdded/linesRemoved.
func (s *Server) toolSaveDiff(ctx context.Context, req map[string]any) (map[string]any, error) {
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
	filePath, _ := asString(req["filePath"])
	if strings.TrimSpace(filePath) == "" {
		return bad("filePath (string) is required")
	}

	var diffText string
	var linesAdded, linesRemoved int
	if text, ok := asString(req["diff"]); ok && text != "" {
		diffText = text
		linesAdded, linesRemoved = countDiffLines(text)
	} else if before, bok := asString(req["before"]); bok {
		after, aok := asString(req["after"])
		if !aok {
			return bad("diff (string) is required")
		}
		diffText, linesAdded, linesRemoved = computeLineDiff(before, after)
	} else {
		return bad("diff (string) is required")
	}

	author := req["author"]
	if author != nil {
		if _, ok := author.(string); !ok {
			return bad("author must be a string if provided")
		}
	}
	authorStr, _ := author.(string)

	if s.store == nil {
		return storeUnavailable(requestID, ts), nil
	}

	rowID := newRequestID()
	record := domain.Diff{
		ID:        rowID,
		ProjectID: projectID,
		FilePath:  filePath,
		Diff:      diffText,
		Author:    authorStr,
	}
	if err := s.store.SaveDiff(ctx, record); err != nil {
		if errors.Is(err, domain.ErrDBUnavailable) {
			return storeUnavailable(requestID, ts), nil
		}
		return nil, err
	}

	return map[string]any{
		"requestId":     requestID,
		"serverVersion": ServerVersion,
		"id":            rowID,
		"projectId":     projectID,
		"filePath":      filePath,
		"author":        author,
		"linesAdded":    linesAdded,
		"linesRemoved":  linesRemoved,
		"timestamp":     ts,
	}, nil
}

// computeLineDiff produces +/-/space prefixed diff text between two
// snapshots, line-granular via the chars-to-lines round trip.
func computeLineDiff(before, after string) (text string, added, removed int) {
	dmp := diffmatchpatch.New()
	c1, c2, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(c1, c2, false), lineArray)

	var b strings.Builder
	for _, d := range diffs {
		if d.Text == "" {
			continue
		}
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		}
		for _, line := range strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n") {
			b.WriteString(prefix)
			b.WriteString(line)
			b.WriteByte('\n')
			switch d.Type {
			case diffmatchpatch.DiffInsert:
				added++
			case diffmatchpatch.DiffDelete:
				removed++
			}
		}
	}
	return b.String(), added, removed
}

// countDiffLines tallies +/- lines in literal diff text, skipping the
// +++/--- file headers.
func countDiffLines(diff string) (added, removed int) {
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			added++
		case strings.HasPrefix(line, "-"):
			removed++
		}
	}
	return added, removed
}

func (s *Server) toolListRecent(ctx context.Context, req map[string]any) (map[string]any, error) {
	requestID := newRequestID()
	ts := nowStamp()
	bad := func(msg string) (map[string]any, error) {
		return badRequest(requestID, ts, msg), nil
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

	projectID := ""
	if raw, ok := asString(req["projectId"]); ok && strings.TrimSpace(raw) != "" {
		p, err := domain.NormalizeProjectID(raw)
		if err != nil {
			return bad(err.Error())
		}
		projectID = p
	}

	if s.store == nil {
		return storeUnavailable(requestID, ts), nil
	}

	rows, err := s.store.ListRecentDiffs(ctx, projectID, limit)
	if err != nil {
		if errors.Is(err, domain.ErrDBUnavailable) {
			return storeUnavailable(requestID, ts), nil
		}
		return nil, err
	}

	// Listings never include the diff body; author stays an explicit null
	// when unset.
	items := make([]map[string]any, 0, len(rows))
	for _, d := range rows {
		var author any
		if d.Author != "" {
			author = d.Author
		}
		items = append(items, map[string]any{
			"id":        d.ID,
			"projectId": d.ProjectID,
			"filePath":  d.FilePath,
			"author":    author,
			"createdAt": d.CreatedAt,
		})
	}

	return map[string]any{
		"requestId":     requestID,
		"serverVersion": ServerVersion,
		"items":         items,
		"count":         len(items),
		"timestamp":     ts,
	}, nil
}

func (s *Server) toolLogError(ctx context.Context, req map[string]any) (map[string]any, error) {
	requestID := newRequestID()
	ts := nowStamp()
	bad := func(msg string) (map[string]any, error) {
		return badRequest(requestID, ts, msg), nil
	}

	rawLevel, _ := asString(req["level"])
	level := domain.ErrorLevel(rawLevel)
	if !level.IsValid() {
		return bad("level must be one of info|warn|error")
	}
	message, _ := asString(req["message"])
	if strings.TrimSpace(message) == "" {
		return bad("message (string) is required")
	}

	projectID := ""
	if v, present := req["projectId"]; present && v != nil {
		raw, ok := asString(v)
		if !ok {
			return bad("projectId must be a string if provided")
		}
		if strings.TrimSpace(raw) != "" {
			p, err := domain.NormalizeProjectID(raw)
			if err != nil {
				return bad(err.Error())
			}
			projectID = p
		}
	}

	var recCtx map[string]any
	if v, present := req["context"]; present && v != nil {
		m, ok := asMap(v)
		if !ok {
			return bad("context must be an object if provided")
		}
		recCtx = m
	}

	if s.store == nil {
		return storeUnavailable(requestID, ts), nil
	}

	rowID := newRequestID()
	rec := domain.ErrorRecord{
		ID:        rowID,
		ProjectID: projectID,
		Level:     level,
		Message:   message,
		Context:   recCtx,
	}
	if err := s.store.LogError(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrDBUnavailable) {
			return storeUnavailable(requestID, ts), nil
		}
		return nil, err
	}

	return map[string]any{
		"requestId":     requestID,
		"serverVersion": ServerVersion,
		"id":            rowID,
		"level":         level.String(),
		"timestamp":     ts,
	}, nil
}
