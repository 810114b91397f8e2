package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/neuralforge/forged/internal/domain"
)

// memoryColumns is the list of columns to select for memory queries. Metadata
// travels as text and is decoded client-side; embeddings are write-only.
const memoryColumns = `id, project_id, content, metadata::text, quarantined, created_at`

// scanMemoryEntry scans a row into a domain.MemoryEntry.
func scanMemoryEntry(scanner interface{ Scan(...any) error }) (*domain.MemoryEntry, error) {
	var (
		entry    domain.MemoryEntry
		metaText *string
	)
	err := scanner.Scan(
		&entry.ID, &entry.ProjectID, &entry.Content,
		&metaText, &entry.Quarantined, &entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	meta, err := decodeJSONObject(metaText)
	if err != nil {
		return nil, err
	}
	entry.Metadata = meta
	return &entry, nil
}

// AddMemory inserts a memory entry. The column list grows conditionally so
// that deployments without the pgvector migration still accept plain writes.
func (s *Store) AddMemory(ctx context.Context, entry domain.MemoryEntry, embedding []float32) error {
	if s.pool == nil {
		return domain.ErrDBUnavailable
	}

	metaJSON, err := jsonObject(entry.Metadata)
	if err != nil {
		return err
	}

	columns := []string{"id", "project_id", "content", "metadata", "quarantined"}
	values := []string{"$1", "$2", "$3", "CAST($4 AS JSONB)", "$5"}
	args := []any{entry.ID, entry.ProjectID, entry.Content, metaJSON, entry.Quarantined}

	if entry.GroupID != "" {
		args = append(args, entry.GroupID)
		columns = append(columns, "group_id")
		values = append(values, fmt.Sprintf("$%d", len(args)))
	}
	if embedding != nil {
		args = append(args, vectorLiteral(embedding))
		columns = append(columns, "embedding")
		values = append(values, fmt.Sprintf("$%d::vector", len(args)))
	}

	query := fmt.Sprintf(
		`INSERT INTO memory_entries (%s) VALUES (%s)`,
		strings.Join(columns, ", "), strings.Join(values, ", "),
	)
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert memory entry: %w", err)
	}
	return nil
}

// GetMemory retrieves a memory entry by id.
// Returns NotFoundError if no matching entry exists.
func (s *Store) GetMemory(ctx context.Context, id string) (*domain.MemoryEntry, error) {
	if s.pool == nil {
		return nil, domain.ErrDBUnavailable
	}

	row := s.pool.QueryRow(ctx,
		`SELECT `+memoryColumns+` FROM memory_entries WHERE id = $1`,
		id,
	)
	entry, err := scanMemoryEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.NotFoundError{Entity: "memory", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get memory entry: %w", err)
	}
	return entry, nil
}

// SearchMemory matches content by substring, newest first. Quarantined rows
// are excluded unless the caller opts in.
func (s *Store) SearchMemory(ctx context.Context, p domain.SearchParams) ([]domain.MemoryEntry, error) {
	if s.pool == nil {
		return nil, domain.ErrDBUnavailable
	}

	args := []any{"%" + p.Query + "%"}
	clauses := []string{"content ILIKE $1"}
	if strings.TrimSpace(p.ProjectID) != "" {
		args = append(args, p.ProjectID)
		clauses = append(clauses, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if !p.IncludeQuarantined {
		clauses = append(clauses, "quarantined = FALSE")
	}
	args = append(args, p.Limit)

	query := fmt.Sprintf(
		`SELECT %s FROM memory_entries WHERE %s ORDER BY created_at DESC LIMIT $%d`,
		memoryColumns, strings.Join(clauses, " AND "), len(args),
	)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search memory entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.MemoryEntry
	for rows.Next() {
		entry, err := scanMemoryEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan memory row: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating memory rows: %w", err)
	}
	return entries, nil
}

// SemanticSearchMemory orders rows with an embedding by cosine distance to
// the query vector, lowest first. Threshold, when set, caps the distance.
func (s *Store) SemanticSearchMemory(ctx context.Context, p domain.SemanticSearchParams) ([]domain.MemoryEntry, error) {
	if s.pool == nil {
		return nil, domain.ErrDBUnavailable
	}

	args := []any{vectorLiteral(p.Embedding)}
	clauses := []string{"embedding IS NOT NULL"}
	if strings.TrimSpace(p.ProjectID) != "" {
		args = append(args, p.ProjectID)
		clauses = append(clauses, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if !p.IncludeQuarantined {
		clauses = append(clauses, "quarantined = FALSE")
	}
	if p.Threshold != nil {
		args = append(args, *p.Threshold)
		clauses = append(clauses, fmt.Sprintf("(embedding <=> $1::vector) <= $%d", len(args)))
	}
	args = append(args, p.K)

	query := fmt.Sprintf(
		`SELECT %s, embedding <=> $1::vector AS distance
		FROM memory_entries
		WHERE %s
		ORDER BY embedding <=> $1::vector
		LIMIT $%d`,
		memoryColumns, strings.Join(clauses, " AND "), len(args),
	)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to run semantic search: %w", err)
	}
	defer rows.Close()

	var entries []domain.MemoryEntry
	for rows.Next() {
		var (
			entry    domain.MemoryEntry
			metaText *string
			distance float64
		)
		err := rows.Scan(
			&entry.ID, &entry.ProjectID, &entry.Content,
			&metaText, &entry.Quarantined, &entry.CreatedAt,
			&distance,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan semantic search row: %w", err)
		}
		meta, err := decodeJSONObject(metaText)
		if err != nil {
			return nil, err
		}
		entry.Metadata = meta
		entry.Distance = &distance
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating semantic search rows: %w", err)
	}
	return entries, nil
}
