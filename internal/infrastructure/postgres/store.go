// Package postgres implements domain.Store on a pgx connection pool.
//
// There is no in-memory fallback: a Store constructed without a pool returns
// domain.ErrDBUnavailable from every operation, and the tool layer maps that
// onto ERR.DB_UNAVAILABLE. JSONB columns travel as text and are decoded
// client-side; embeddings bind as pgvector literals cast with ::vector.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"

	"github.com/neuralforge/forged/internal/domain"
)

// tracer resolves through the global provider, so spans are noops until
// tracing is initialized.
var tracer = otel.Tracer("github.com/neuralforge/forged/internal/infrastructure/postgres")

// Store implements domain.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// Ensure Store implements domain.Store.
var _ domain.Store = (*Store)(nil)

// NewStore wraps an existing pool. A nil pool is valid and yields a store
// whose every operation reports domain.ErrDBUnavailable.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pool against databaseURL and returns a Store over it.
func Connect(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return NewStore(pool), nil
}

// Ping probes connectivity for health reporting.
func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return domain.ErrDBUnavailable
	}
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

// Close releases the pool. Safe to call on a store without one.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// jsonObject marshals a map for a JSONB bind parameter. A nil map encodes as
// an empty object, never SQL NULL.
func jsonObject(m map[string]any) (string, error) {
	if m == nil {
		m = map[string]any{}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode json object: %w", err)
	}
	return string(raw), nil
}

// decodeJSONObject parses a JSONB column fetched as text. NULL and empty
// strings decode to an empty map.
func decodeJSONObject(raw *string) (map[string]any, error) {
	if raw == nil || *raw == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(*raw), &m); err != nil {
		return nil, fmt.Errorf("failed to decode json object: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// vectorLiteral formats an embedding as a pgvector literal: "[v1, v2, ...]".
// Six decimal places keep bind payloads compact; the SQL side casts with
// ::vector.
func vectorLiteral(vec []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%.6f", v)
	}
	b.WriteByte(']')
	return b.String()
}

// nullableText maps an empty string onto SQL NULL for optional text columns.
func nullableText(s string) any {
	if s == "" {
		return nil
	}
	return s
}
