package tokens

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestWatcher(t *testing.T, root string) (*Watcher, <-chan struct{}) {
	t.Helper()
	w, err := NewWatcher(root)
	require.NoError(t, err, "failed to create watcher")
	w.debounce = 50 * time.Millisecond
	t.Cleanup(func() { _ = w.Stop() })

	onChange, err := w.Start()
	require.NoError(t, err, "failed to start watcher")
	return w, onChange
}

func TestWatcher_DebounceCoalescesWrites(t *testing.T) {
	root := t.TempDir()
	tokenPath := filepath.Join(root, "tags", "security.yml")
	writeFile(t, tokenPath, "name: SecurityToken\n")

	_, onChange := startTestWatcher(t, root)

	// Rapid edits should coalesce into a single notification.
	for i := 0; i < 10; i++ {
		writeFile(t, tokenPath, fmt.Sprintf("name: SecurityToken%d\n", i))
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-onChange:
		// Expected
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected notification but got timeout")
	}

	select {
	case <-onChange:
		t.Fatal("unexpected second notification")
	case <-time.After(100 * time.Millisecond):
		// Expected - no second notification
	}
}

func TestWatcher_IgnoresNonYAMLFiles(t *testing.T) {
	root := t.TempDir()
	notePath := filepath.Join(root, "notes.txt")
	writeFile(t, notePath, "initial")

	_, onChange := startTestWatcher(t, root)

	writeFile(t, notePath, "updated")

	select {
	case <-onChange:
		t.Fatal("should not notify for non-YAML files")
	case <-time.After(150 * time.Millisecond):
		// Expected - no notification
	}
}

func TestWatcher_SeesNewKindDirectory(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "tags", "security.yml"), "name: SecurityToken\n")

	_, onChange := startTestWatcher(t, root)

	// A directory created after Start gets its own watch once the create
	// event is processed.
	newKind := filepath.Join(root, "performance")
	require.NoError(t, os.MkdirAll(newKind, 0o755))
	time.Sleep(100 * time.Millisecond)

	writeFile(t, filepath.Join(newKind, "latency.yml"), "name: LatencyToken\n")

	select {
	case <-onChange:
		// Expected
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected notification for token in new directory")
	}
}

func TestWatcher_MissingRootStartsIdle(t *testing.T) {
	root := filepath.Join(t.TempDir(), "absent")

	w, err := NewWatcher(root)
	require.NoError(t, err)
	w.debounce = 50 * time.Millisecond

	// A memory root that does not exist yet is not an error; the watcher
	// simply has nothing to report.
	onChange, err := w.Start()
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	select {
	case <-onChange:
		t.Fatal("unexpected notification from missing root")
	case <-time.After(100 * time.Millisecond):
		// Expected
	}
}

func TestWatcher_Stop(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "tags", "security.yml"), "name: SecurityToken\n")

	w, err := NewWatcher(root)
	require.NoError(t, err, "failed to create watcher")
	w.debounce = 50 * time.Millisecond

	_, err = w.Start()
	require.NoError(t, err, "failed to start watcher")

	done := make(chan struct{})
	go func() {
		err := w.Stop()
		assert.NoError(t, err, "Stop returned error")
		close(done)
	}()

	select {
	case <-done:
		// Expected - stop completed
	case <-time.After(1 * time.Second):
		t.Fatal("Stop() timed out - possible deadlock")
	}
}
