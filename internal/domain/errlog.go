package domain

import "time"

// ErrorLevel classifies an ErrorRecord.
type ErrorLevel string

const (
	LevelInfo  ErrorLevel = "info"
	LevelWarn  ErrorLevel = "warn"
	LevelError ErrorLevel = "error"
)

// String returns the wire form of the level.
func (l ErrorLevel) String() string {
	return string(l)
}

// IsValid reports whether the level is one of info, warn, error.
func (l ErrorLevel) IsValid() bool {
	switch l {
	case LevelInfo, LevelWarn, LevelError:
		return true
	default:
		return false
	}
}

// ErrorRecord is an append-only operational error entry logged by callers
// through the log_error tool. ProjectID may be empty.
type ErrorRecord struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"projectId,omitempty"`
	Level     ErrorLevel     `json:"level"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}
