package domain

import "time"

// TaskStatus is the queue state machine: queued → in_progress → done|failed,
// with the watchdog additionally moving stale in_progress back to queued or
// on to failed. done and failed are terminal.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
	TaskFailed     TaskStatus = "failed"
)

// String returns the wire form of the status.
func (s TaskStatus) String() string {
	return string(s)
}

// IsValid reports whether the status is one of the four queue states.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskQueued, TaskInProgress, TaskDone, TaskFailed:
		return true
	default:
		return false
	}
}

// ErrStaleTask is the error code stored in Task.Result when the watchdog
// fails a stale task.
const ErrStaleTask = "ERR.STALE_TASK"

// Task is a durable queue entry. UpdatedAt advances on every status change;
// claim ordering ties break by CreatedAt ascending.
type Task struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"projectId"`
	Status    TaskStatus     `json:"status"`
	Payload   map[string]any `json:"payload"`
	Result    map[string]any `json:"result,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt *time.Time     `json:"updatedAt,omitempty"`
}

// StaleTask is a watchdog preview row: an in_progress task whose UpdatedAt is
// older than the scan TTL. AgeSeconds falls back to CreatedAt when the task
// was never updated.
type StaleTask struct {
	ID         string     `json:"id"`
	ProjectID  string     `json:"projectId"`
	UpdatedAt  *time.Time `json:"updatedAt"`
	CreatedAt  time.Time  `json:"createdAt"`
	AgeSeconds *float64   `json:"ageSeconds"`
}

// TaskCounts aggregates queue depth by status for the admin stats surface.
type TaskCounts struct {
	Queued     int `json:"queued"`
	InProgress int `json:"inProgress"`
	Done       int `json:"done"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}
