package domain

import "time"

// GlobalProject is the sentinel project id used for token metrics recorded
// without a project scope.
const GlobalProject = "global"

// TokenMetric accumulates per-token governance effectiveness, keyed by
// (TokenID, ProjectID). EffectivenessScore is the arithmetic mean of every
// sample recorded so far; ActivationCount is the number of samples. Upserts
// against the same key are conflict-safe in the store.
type TokenMetric struct {
	TokenID            string     `json:"tokenId"`
	ProjectID          string     `json:"projectId"`
	ActivationCount    int        `json:"activationCount"`
	EffectivenessScore float64    `json:"effectivenessScore"`
	LastAppliedAt      *time.Time `json:"lastAppliedAt"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}
