package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/neuralforge/forged/internal/domain"
)

// Stats aggregates entity counts for the admin surface, optionally scoped to
// one project.
func (s *Store) Stats(ctx context.Context, projectID string) (*domain.Stats, error) {
	if s.pool == nil {
		return nil, domain.ErrDBUnavailable
	}

	where := ""
	var args []any
	if strings.TrimSpace(projectID) != "" {
		where = " WHERE project_id = $1"
		args = []any{projectID}
	}

	var stats domain.Stats
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM memory_entries`+where, args...).Scan(&stats.MemoryEntries); err != nil {
		return nil, fmt.Errorf("failed to count memory entries: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks`+where+` GROUP BY status`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan task count row: %w", err)
		}
		switch domain.TaskStatus(status) {
		case domain.TaskQueued:
			stats.Tasks.Queued = count
		case domain.TaskInProgress:
			stats.Tasks.InProgress = count
		case domain.TaskDone:
			stats.Tasks.Done = count
		case domain.TaskFailed:
			stats.Tasks.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task count rows: %w", err)
	}
	stats.Tasks.Total = stats.Tasks.Queued + stats.Tasks.InProgress + stats.Tasks.Done + stats.Tasks.Failed

	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM diffs`+where, args...).Scan(&stats.Diffs); err != nil {
		return nil, fmt.Errorf("failed to count diffs: %w", err)
	}
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM errors`+where, args...).Scan(&stats.Errors); err != nil {
		return nil, fmt.Errorf("failed to count errors: %w", err)
	}
	return &stats, nil
}

// ListMemoryMeta lists content-free memory metadata for the admin surface,
// newest first. Size is the content length in bytes.
func (s *Store) ListMemoryMeta(ctx context.Context, f domain.MemoryMetaFilter) ([]domain.MemoryMeta, error) {
	if s.pool == nil {
		return nil, domain.ErrDBUnavailable
	}

	var (
		clauses []string
		args    []any
	)
	if strings.TrimSpace(f.ProjectID) != "" {
		args = append(args, f.ProjectID)
		clauses = append(clauses, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if f.QuarantinedOnly {
		clauses = append(clauses, "quarantined = TRUE")
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	args = append(args, f.Limit)
	limitArg := len(args)
	args = append(args, f.Offset)

	query := fmt.Sprintf(
		`SELECT id, project_id, quarantined, created_at, LENGTH(content) AS size
		FROM memory_entries%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`,
		where, limitArg, len(args),
	)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list memory metadata: %w", err)
	}
	defer rows.Close()

	var items []domain.MemoryMeta
	for rows.Next() {
		var m domain.MemoryMeta
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.Quarantined, &m.CreatedAt, &m.Size); err != nil {
			return nil, fmt.Errorf("failed to scan memory metadata row: %w", err)
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating memory metadata rows: %w", err)
	}
	return items, nil
}
