package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/neuralforge/forged/internal/domain"
	"github.com/neuralforge/forged/internal/log"
	"github.com/neuralforge/forged/internal/metrics"
)

// EnqueueTask inserts a task with status queued. created_at is assigned by
// the database so claim ordering follows insertion order.
func (s *Store) EnqueueTask(ctx context.Context, id, projectID string, payload map[string]any) error {
	if s.pool == nil {
		return domain.ErrDBUnavailable
	}

	payloadJSON, err := jsonObject(payload)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO tasks (id, project_id, status, payload)
		VALUES ($1, $2, 'queued', CAST($3 AS JSONB))`,
		id, projectID, payloadJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// ClaimNextTask atomically transitions the oldest queued task to in_progress
// and returns it, or nil when the queue is empty. SKIP LOCKED keeps
// concurrent claimants from blocking on or receiving the same row.
func (s *Store) ClaimNextTask(ctx context.Context, projectID string) (*domain.Task, error) {
	ctx, span := tracer.Start(ctx, "Task.claim", trace.WithAttributes(
		attribute.String("project_id", projectID),
	))
	defer span.End()

	if s.pool == nil {
		return nil, domain.ErrDBUnavailable
	}

	var args []any
	clauses := []string{"status = 'queued'"}
	if strings.TrimSpace(projectID) != "" {
		args = append(args, projectID)
		clauses = append(clauses, fmt.Sprintf("project_id = $%d", len(args)))
	}

	query := fmt.Sprintf(
		`WITH next_task AS (
			SELECT id
			FROM tasks
			WHERE %s
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE tasks t
		SET status = 'in_progress', updated_at = NOW()
		FROM next_task nt
		WHERE t.id = nt.id
		RETURNING t.id, t.project_id, t.payload::text, t.created_at`,
		strings.Join(clauses, " AND "),
	)

	var (
		task        domain.Task
		payloadText *string
	)
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&task.ID, &task.ProjectID, &payloadText, &task.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		metrics.TaskClaim("empty")
		span.SetAttributes(attribute.Bool("claimed", false))
		return nil, nil
	}
	if err != nil {
		metrics.TaskClaim("error")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}

	payload, err := decodeJSONObject(payloadText)
	if err != nil {
		metrics.TaskClaim("error")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	task.Payload = payload
	task.Status = domain.TaskInProgress

	metrics.TaskClaim("claimed")
	span.SetAttributes(
		attribute.Bool("claimed", true),
		attribute.String("task_id", task.ID),
	)
	return &task, nil
}

// UpdateTaskStatus sets status and result, advancing updated_at. The boolean
// is false when the id does not exist.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status domain.TaskStatus, result map[string]any) (bool, error) {
	ctx, span := tracer.Start(ctx, "Task.update_status", trace.WithAttributes(
		attribute.String("task_id", id),
		attribute.String("status", status.String()),
	))
	defer span.End()

	if s.pool == nil {
		return false, domain.ErrDBUnavailable
	}

	resultJSON, err := jsonObject(result)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks
		SET status = $1,
			result = CAST($2 AS JSONB),
			updated_at = NOW()
		WHERE id = $3`,
		status.String(), resultJSON, id,
	)
	if err != nil {
		metrics.TaskUpdate(status.String(), "error")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("failed to update task status: %w", err)
	}

	updated := tag.RowsAffected() > 0
	if updated {
		metrics.TaskUpdate(status.String(), "ok")
	} else {
		metrics.TaskUpdate(status.String(), "not_found")
	}
	span.SetAttributes(attribute.Bool("updated", updated))
	return updated, nil
}

// staleClauses builds the watchdog predicate shared by count, list, requeue,
// and fail so every path sees the same rows. Bind values append to args.
func staleClauses(ttlSeconds int, projectID string, args *[]any) []string {
	*args = append(*args, ttlSeconds)
	clauses := []string{
		"status = 'in_progress'",
		fmt.Sprintf("(updated_at IS NULL OR updated_at < NOW() - make_interval(secs => $%d))", len(*args)),
	}
	if strings.TrimSpace(projectID) != "" {
		*args = append(*args, projectID)
		clauses = append(clauses, fmt.Sprintf("project_id = $%d", len(*args)))
	}
	return clauses
}

// CountStaleInProgress counts tasks the watchdog would touch.
func (s *Store) CountStaleInProgress(ctx context.Context, ttlSeconds int, projectID string) (int, error) {
	if s.pool == nil {
		return 0, domain.ErrDBUnavailable
	}

	var args []any
	clauses := staleClauses(ttlSeconds, projectID, &args)
	query := fmt.Sprintf(`SELECT COUNT(*) FROM tasks WHERE %s`, strings.Join(clauses, " AND "))

	var count int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count stale tasks: %w", err)
	}
	log.Info(ctx, "watchdog.repo.count",
		zap.Int("ttl_seconds", ttlSeconds),
		zap.String("project_id", projectID),
		zap.Int("count", count),
	)
	return count, nil
}

// ListStaleInProgress previews stale tasks, oldest first. Tasks never updated
// sort before everything else; their age falls back to created_at.
func (s *Store) ListStaleInProgress(ctx context.Context, p domain.StaleParams) ([]domain.StaleTask, error) {
	if s.pool == nil {
		return nil, domain.ErrDBUnavailable
	}

	var args []any
	clauses := staleClauses(p.TTLSeconds, p.ProjectID, &args)
	args = append(args, p.Limit)

	query := fmt.Sprintf(
		`SELECT id,
			project_id,
			updated_at,
			created_at,
			EXTRACT(EPOCH FROM (NOW() - COALESCE(updated_at, created_at))) AS age_seconds
		FROM tasks
		WHERE %s
		ORDER BY updated_at NULLS FIRST
		LIMIT $%d`,
		strings.Join(clauses, " AND "), len(args),
	)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale tasks: %w", err)
	}
	defer rows.Close()

	var stale []domain.StaleTask
	for rows.Next() {
		var st domain.StaleTask
		if err := rows.Scan(&st.ID, &st.ProjectID, &st.UpdatedAt, &st.CreatedAt, &st.AgeSeconds); err != nil {
			return nil, fmt.Errorf("failed to scan stale task row: %w", err)
		}
		stale = append(stale, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stale task rows: %w", err)
	}

	log.Info(ctx, "watchdog.repo.list",
		zap.Int("ttl_seconds", p.TTLSeconds),
		zap.String("project_id", p.ProjectID),
		zap.Int("limit", p.Limit),
		zap.Int("count", len(stale)),
	)
	return stale, nil
}

// RequeueStaleInProgress moves one batch of stale tasks back to queued,
// returning the number affected.
func (s *Store) RequeueStaleInProgress(ctx context.Context, p domain.StaleParams) (int, error) {
	if s.pool == nil {
		return 0, domain.ErrDBUnavailable
	}

	var args []any
	clauses := staleClauses(p.TTLSeconds, p.ProjectID, &args)
	args = append(args, p.Limit)

	query := fmt.Sprintf(
		`WITH stale AS (
			SELECT id
			FROM tasks
			WHERE %s
			ORDER BY updated_at NULLS FIRST
			LIMIT $%d
		)
		UPDATE tasks t
		SET status = 'queued',
			updated_at = NOW()
		FROM stale s
		WHERE t.id = s.id
		RETURNING t.id`,
		strings.Join(clauses, " AND "), len(args),
	)

	ids, err := s.collectAffectedIDs(ctx, query, args)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale tasks: %w", err)
	}
	log.Info(ctx, "watchdog.repo.requeue",
		zap.Int("ttl_seconds", p.TTLSeconds),
		zap.Int("limit", p.Limit),
		zap.String("project_id", p.ProjectID),
		zap.Int("affected", len(ids)),
		zap.Strings("ids", ids),
	)
	return len(ids), nil
}

// FailStaleInProgress fails one batch of stale tasks, stamping each result
// with ERR.STALE_TASK and the reason, and returns the number affected.
func (s *Store) FailStaleInProgress(ctx context.Context, p domain.StaleParams, reason string) (int, error) {
	if s.pool == nil {
		return 0, domain.ErrDBUnavailable
	}
	if reason == "" {
		reason = "stale_ttl"
	}

	result, err := jsonObject(map[string]any{
		"error": domain.ErrStaleTask,
		"watchdog": map[string]any{
			"action":     "fail",
			"reason":     reason,
			"ttlSeconds": p.TTLSeconds,
		},
	})
	if err != nil {
		return 0, err
	}

	var args []any
	clauses := staleClauses(p.TTLSeconds, p.ProjectID, &args)
	args = append(args, p.Limit)
	limitArg := len(args)
	args = append(args, result)

	query := fmt.Sprintf(
		`WITH stale AS (
			SELECT id
			FROM tasks
			WHERE %s
			ORDER BY updated_at NULLS FIRST
			LIMIT $%d
		)
		UPDATE tasks t
		SET status = 'failed',
			result = CAST($%d AS JSONB),
			updated_at = NOW()
		FROM stale s
		WHERE t.id = s.id
		RETURNING t.id`,
		strings.Join(clauses, " AND "), limitArg, len(args),
	)

	ids, err := s.collectAffectedIDs(ctx, query, args)
	if err != nil {
		return 0, fmt.Errorf("failed to fail stale tasks: %w", err)
	}
	log.Info(ctx, "watchdog.repo.fail",
		zap.Int("ttl_seconds", p.TTLSeconds),
		zap.Int("limit", p.Limit),
		zap.String("project_id", p.ProjectID),
		zap.String("reason", reason),
		zap.Int("affected", len(ids)),
		zap.Strings("ids", ids),
	)
	return len(ids), nil
}

// collectAffectedIDs runs an UPDATE ... RETURNING id statement and gathers
// the returned ids.
func (s *Store) collectAffectedIDs(ctx context.Context, query string, args []any) ([]string, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}
