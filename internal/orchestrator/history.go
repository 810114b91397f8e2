package orchestrator

import (
	"sync"
	"time"
)

const (
	// historyMaxLen bounds the recent messages kept per project.
	historyMaxLen = 5
	// historyMaxProjects caps the number of tracked projects; the least
	// recently used entry is evicted when a new project would exceed it.
	historyMaxProjects = 1024
	// historyIdleTTL evicts projects with no conversation activity. The
	// sweep runs from the orchestrator's tick loop.
	historyIdleTTL = 30 * time.Minute
)

// projectHistory keeps a bounded ring of recent conversation messages per
// project. Access times use time.Time's monotonic reading, so wall-clock
// jumps cannot mass-evict entries.
type projectHistory struct {
	mu          sync.Mutex
	maxLen      int
	maxProjects int
	idleTTL     time.Duration
	entries     map[string]*historyEntry
	now         func() time.Time
}

type historyEntry struct {
	messages []string
	lastSeen time.Time
}

func newProjectHistory(maxLen, maxProjects int, idleTTL time.Duration) *projectHistory {
	return &projectHistory{
		maxLen:      maxLen,
		maxProjects: maxProjects,
		idleTTL:     idleTTL,
		entries:     make(map[string]*historyEntry),
		now:         time.Now,
	}
}

// Snapshot returns a copy of the project's recent messages, oldest first.
// Reading counts as activity for eviction purposes.
func (h *projectHistory) Snapshot(projectID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[projectID]
	if !ok {
		return nil
	}
	e.lastSeen = h.now()
	out := make([]string, len(e.messages))
	copy(out, e.messages)
	return out
}

// Append records a message for the project, trimming the ring to maxLen and
// evicting the least recently used project if the cap would be exceeded.
func (h *projectHistory) Append(projectID, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[projectID]
	if !ok {
		if len(h.entries) >= h.maxProjects {
			h.evictOldestLocked()
		}
		e = &historyEntry{}
		h.entries[projectID] = e
	}
	e.messages = append(e.messages, message)
	if over := len(e.messages) - h.maxLen; over > 0 {
		e.messages = append([]string(nil), e.messages[over:]...)
	}
	e.lastSeen = h.now()
}

// Sweep drops projects idle for longer than idleTTL and returns how many
// were evicted.
func (h *projectHistory) Sweep() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	evicted := 0
	for id, e := range h.entries {
		if now.Sub(e.lastSeen) > h.idleTTL {
			delete(h.entries, id)
			evicted++
		}
	}
	return evicted
}

// Len reports the number of tracked projects.
func (h *projectHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// evictOldestLocked removes the entry with the oldest lastSeen. Caller holds
// the mutex. Linear scan; the cap keeps the map small and eviction rare.
func (h *projectHistory) evictOldestLocked() {
	var (
		oldestID string
		oldest   time.Time
		found    bool
	)
	for id, e := range h.entries {
		if !found || e.lastSeen.Before(oldest) {
			oldestID = id
			oldest = e.lastSeen
			found = true
		}
	}
	if found {
		delete(h.entries, oldestID)
	}
}
