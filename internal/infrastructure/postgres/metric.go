package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neuralforge/forged/internal/domain"
)

// tokenMetricColumns is the list of columns to select for metric queries.
const tokenMetricColumns = `token_id, project_id, activation_count, effectiveness_score, last_applied_at, created_at, updated_at`

// scanTokenMetric scans a row into a domain.TokenMetric.
func scanTokenMetric(scanner interface{ Scan(...any) error }) (*domain.TokenMetric, error) {
	var m domain.TokenMetric
	err := scanner.Scan(
		&m.TokenID, &m.ProjectID, &m.ActivationCount, &m.EffectivenessScore,
		&m.LastAppliedAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// RecordTokenMetric upserts one effectiveness sample for a token. The stored
// score is the running mean over every sample, folded in SQL so concurrent
// upserts against the same (token, project) key stay consistent.
// last_applied_at only moves forward. A blank token is a no-op.
func (s *Store) RecordTokenMetric(ctx context.Context, tokenID, projectID string, sample float64, appliedAt time.Time) (*domain.TokenMetric, error) {
	if s.pool == nil {
		return nil, domain.ErrDBUnavailable
	}

	token := strings.TrimSpace(tokenID)
	if token == "" {
		return nil, nil
	}
	project := domain.ProjectOrGlobal(projectID)
	if appliedAt.IsZero() {
		appliedAt = time.Now().UTC()
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO governance_token_metrics (
			token_id, project_id, activation_count, effectiveness_score, last_applied_at, updated_at
		)
		VALUES ($1, $2, 1, $3, $4, $5)
		ON CONFLICT (token_id, project_id) DO UPDATE SET
			activation_count = governance_token_metrics.activation_count + 1,
			effectiveness_score = (
				(COALESCE(governance_token_metrics.effectiveness_score, 0) * governance_token_metrics.activation_count)
				+ $3
			) / (governance_token_metrics.activation_count + 1.0),
			last_applied_at = CASE
				WHEN governance_token_metrics.last_applied_at IS NULL THEN $4
				WHEN governance_token_metrics.last_applied_at < $4 THEN $4
				ELSE governance_token_metrics.last_applied_at
			END,
			updated_at = $5
		RETURNING `+tokenMetricColumns,
		token, project, sample, appliedAt, appliedAt,
	)
	metric, err := scanTokenMetric(row)
	if err != nil {
		return nil, fmt.Errorf("failed to record token metric: %w", err)
	}
	return metric, nil
}

// FetchTokenMetrics lists metrics ordered by activation count, then recency.
// All filter fields are optional; a zero filter returns everything.
func (s *Store) FetchTokenMetrics(ctx context.Context, f domain.TokenMetricFilter) ([]domain.TokenMetric, error) {
	if s.pool == nil {
		return nil, domain.ErrDBUnavailable
	}

	var (
		clauses []string
		args    []any
	)

	var tokenIDs []string
	for _, id := range f.TokenIDs {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			tokenIDs = append(tokenIDs, trimmed)
		}
	}
	if len(tokenIDs) > 0 {
		placeholders := make([]string, len(tokenIDs))
		for i, id := range tokenIDs {
			args = append(args, id)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		clauses = append(clauses, fmt.Sprintf("token_id IN (%s)", strings.Join(placeholders, ", ")))
	}

	if strings.TrimSpace(f.ProjectID) != "" {
		args = append(args, strings.TrimSpace(f.ProjectID))
		clauses = append(clauses, fmt.Sprintf("project_id = $%d", len(args)))
	}

	if f.MinActivations > 0 {
		args = append(args, f.MinActivations)
		clauses = append(clauses, fmt.Sprintf("activation_count >= $%d", len(args)))
	}

	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := ""
	if f.Limit > 0 {
		args = append(args, f.Limit)
		limit = fmt.Sprintf(" LIMIT $%d", len(args))
	}

	query := `SELECT ` + tokenMetricColumns + `
		FROM governance_token_metrics` + where + `
		ORDER BY activation_count DESC, updated_at DESC` + limit

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch token metrics: %w", err)
	}
	defer rows.Close()

	var out []domain.TokenMetric
	for rows.Next() {
		metric, err := scanTokenMetric(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan token metric row: %w", err)
		}
		out = append(out, *metric)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating token metric rows: %w", err)
	}
	return out, nil
}
