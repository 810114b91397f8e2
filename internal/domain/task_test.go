package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTaskStatus_IsValid(t *testing.T) {
	for _, s := range []TaskStatus{TaskQueued, TaskInProgress, TaskDone, TaskFailed} {
		require.True(t, s.IsValid(), "status %q should be valid", s)
	}

	for _, s := range []TaskStatus{"", "running", "DONE", "cancelled"} {
		require.False(t, s.IsValid(), "status %q should be invalid", s)
	}
}

func TestErrorLevel_IsValid(t *testing.T) {
	for _, l := range []ErrorLevel{LevelInfo, LevelWarn, LevelError} {
		require.True(t, l.IsValid(), "level %q should be valid", l)
	}
	require.False(t, ErrorLevel("debug").IsValid())
	require.False(t, ErrorLevel("").IsValid())
}
