package domain

import (
	"context"
	"time"
)

// SearchParams filters substring memory search. Limit is pre-validated by the
// tool layer (1..200, default 20).
type SearchParams struct {
	Query              string
	ProjectID          string
	Limit              int
	IncludeQuarantined bool
}

// SemanticSearchParams filters vector memory search. Threshold, when set, is
// a maximum cosine distance.
type SemanticSearchParams struct {
	Embedding          []float32
	ProjectID          string
	K                  int
	IncludeQuarantined bool
	Threshold          *float64
}

// StaleParams selects in_progress tasks whose updated_at is older than
// TTLSeconds. ProjectID optionally narrows the scan; Limit bounds one batch.
type StaleParams struct {
	TTLSeconds int
	Limit      int
	ProjectID  string
}

// TokenMetricFilter narrows metric listings.
type TokenMetricFilter struct {
	TokenIDs       []string
	ProjectID      string
	MinActivations int
	Limit          int
}

// MemoryMetaFilter pages the admin metadata listing.
type MemoryMetaFilter struct {
	ProjectID       string
	QuarantinedOnly bool
	Limit           int
	Offset          int
}

// Stats aggregates entity counts for the admin surface.
type Stats struct {
	MemoryEntries int        `json:"memoryEntries"`
	Diffs         int        `json:"diffs"`
	Errors        int        `json:"errors"`
	Tasks         TaskCounts `json:"tasks"`
}

// Store is the persistence contract for the core. Every operation returns
// ErrDBUnavailable when no pool is configured. Implementations must make
// ClaimNextTask atomic under concurrent claimants and RecordTokenMetric
// conflict-safe under concurrent upserts to the same key.
type Store interface {
	// AddMemory inserts an entry; embedding may be nil.
	AddMemory(ctx context.Context, entry MemoryEntry, embedding []float32) error

	// GetMemory returns the entry or a NotFoundError.
	GetMemory(ctx context.Context, id string) (*MemoryEntry, error)

	// SearchMemory matches content by substring, newest first.
	SearchMemory(ctx context.Context, p SearchParams) ([]MemoryEntry, error)

	// SemanticSearchMemory orders by cosine distance ascending over rows with
	// an embedding, optionally capped by p.Threshold.
	SemanticSearchMemory(ctx context.Context, p SemanticSearchParams) ([]MemoryEntry, error)

	// EnqueueTask inserts a task with status queued.
	EnqueueTask(ctx context.Context, id, projectID string, payload map[string]any) error

	// ClaimNextTask atomically transitions the oldest queued task (optionally
	// scoped to projectID) to in_progress and returns it, or nil when the
	// queue is empty. Two concurrent claimants never receive the same task.
	ClaimNextTask(ctx context.Context, projectID string) (*Task, error)

	// UpdateTaskStatus sets status and result, advancing updated_at. The
	// boolean is false when the id does not exist.
	UpdateTaskStatus(ctx context.Context, id string, status TaskStatus, result map[string]any) (bool, error)

	// SaveDiff appends a diff record.
	SaveDiff(ctx context.Context, d Diff) error

	// ListRecentDiffs returns diff metadata newest first (no diff body).
	ListRecentDiffs(ctx context.Context, projectID string, limit int) ([]Diff, error)

	// LogError appends an error record.
	LogError(ctx context.Context, rec ErrorRecord) error

	// CountStaleInProgress counts tasks the watchdog would touch.
	CountStaleInProgress(ctx context.Context, ttlSeconds int, projectID string) (int, error)

	// ListStaleInProgress previews stale tasks, oldest first.
	ListStaleInProgress(ctx context.Context, p StaleParams) ([]StaleTask, error)

	// RequeueStaleInProgress moves stale tasks back to queued, returning the
	// number affected.
	RequeueStaleInProgress(ctx context.Context, p StaleParams) (int, error)

	// FailStaleInProgress fails stale tasks with an ERR.STALE_TASK result
	// carrying the reason, returning the number affected.
	FailStaleInProgress(ctx context.Context, p StaleParams, reason string) (int, error)

	// RecordTokenMetric upserts one effectiveness sample for
	// (tokenID, ProjectOrGlobal(projectID)) and returns the stored row.
	RecordTokenMetric(ctx context.Context, tokenID, projectID string, sample float64, appliedAt time.Time) (*TokenMetric, error)

	// FetchTokenMetrics lists metrics ordered by activation count then
	// recency.
	FetchTokenMetrics(ctx context.Context, f TokenMetricFilter) ([]TokenMetric, error)

	// Stats aggregates counts for the admin surface.
	Stats(ctx context.Context, projectID string) (*Stats, error)

	// ListMemoryMeta lists content-free memory metadata for the admin
	// surface.
	ListMemoryMeta(ctx context.Context, f MemoryMetaFilter) ([]MemoryMeta, error)

	// Ping probes connectivity for health reporting.
	Ping(ctx context.Context) error

	// Close releases the pool.
	Close()
}
