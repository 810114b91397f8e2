package postgres

import (
	"context"
	"fmt"

	"github.com/neuralforge/forged/internal/domain"
)

// SaveDiff appends a diff record. Author is optional and stored as NULL when
// absent.
func (s *Store) SaveDiff(ctx context.Context, d domain.Diff) error {
	if s.pool == nil {
		return domain.ErrDBUnavailable
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO diffs (id, project_id, file_path, diff, author)
		VALUES ($1, $2, $3, $4, $5)`,
		d.ID, d.ProjectID, d.FilePath, d.Diff, nullableText(d.Author),
	)
	if err != nil {
		return fmt.Errorf("failed to save diff: %w", err)
	}
	return nil
}

// ListRecentDiffs returns diff metadata newest first. The diff body is
// deliberately not selected; listings stay cheap even with large patches.
func (s *Store) ListRecentDiffs(ctx context.Context, projectID string, limit int) ([]domain.Diff, error) {
	if s.pool == nil {
		return nil, domain.ErrDBUnavailable
	}

	query := `SELECT id, project_id, file_path, author, created_at
		FROM diffs
		ORDER BY created_at DESC
		LIMIT $1`
	args := []any{limit}
	if projectID != "" {
		query = `SELECT id, project_id, file_path, author, created_at
			FROM diffs
			WHERE project_id = $1
			ORDER BY created_at DESC
			LIMIT $2`
		args = []any{projectID, limit}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list diffs: %w", err)
	}
	defer rows.Close()

	var diffs []domain.Diff
	for rows.Next() {
		var (
			d      domain.Diff
			author *string
		)
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.FilePath, &author, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan diff row: %w", err)
		}
		if author != nil {
			d.Author = *author
		}
		diffs = append(diffs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating diff rows: %w", err)
	}
	return diffs, nil
}

// LogError appends an error record. ProjectID is optional; context always
// stores as an object.
func (s *Store) LogError(ctx context.Context, rec domain.ErrorRecord) error {
	if s.pool == nil {
		return domain.ErrDBUnavailable
	}

	contextJSON, err := jsonObject(rec.Context)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO errors (id, project_id, level, message, context)
		VALUES ($1, $2, $3, $4, CAST($5 AS JSONB))`,
		rec.ID, nullableText(rec.ProjectID), rec.Level.String(), rec.Message, contextJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to log error record: %w", err)
	}
	return nil
}
