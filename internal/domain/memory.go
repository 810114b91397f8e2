package domain

import "time"

// EmbeddingDim is the fixed dimension for memory embeddings
// (all-MiniLM-L6-v2; the mock embedder produces the same width).
const EmbeddingDim = 384

// MemoryEntry is an append-only memory record. Embedding is present only when
// an embedder was enabled at insert time; it is never returned by reads.
type MemoryEntry struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"projectId"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata"`
	Quarantined bool           `json:"quarantined"`
	CreatedAt   time.Time      `json:"createdAt"`
	GroupID     string         `json:"groupId,omitempty"`
	Distance    *float64       `json:"distance,omitempty"` // semantic search only
}

// MemoryMeta is the content-free projection served by the admin surface.
type MemoryMeta struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"projectId"`
	Quarantined bool      `json:"quarantined"`
	CreatedAt   time.Time `json:"createdAt"`
	Size        int       `json:"size"`
}
