package domain

import "time"

// Diff is an append-only code diff record. Listing endpoints omit the diff
// body; only direct saves carry it.
type Diff struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	FilePath  string    `json:"filePath"`
	Diff      string    `json:"diff,omitempty"`
	Author    string    `json:"author,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
