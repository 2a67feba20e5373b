package filebus

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func waitForEvent(t *testing.T, events <-chan Event, timeout time.Duration) (Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-events:
		return ev, ok
	case <-time.After(timeout):
		return Event{}, false
	}
}

func TestWatcherDispatchesCreatedEvent(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(dir, WithAllowlist(`\.json$`))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	target := filepath.Join(dir, "signal.json")
	if err := os.WriteFile(target, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}

	ev, ok := waitForEvent(t, w.Events, 2*time.Second)
	if !ok {
		t.Fatal("expected an event, got none")
	}
	if ev.Path != target {
		t.Errorf("expected path %q, got %q", target, ev.Path)
	}
}

func TestWatcherFiltersDenylistedSuffix(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(dir)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(dir, "stale.bak"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, ok := waitForEvent(t, w.Events, 600*time.Millisecond); ok {
		t.Fatal("expected no event for a denylisted .bak file")
	}
}

func TestWatcherAllowlistRejectsNonMatchingFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(dir, WithAllowlist(`\.json$`))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, ok := waitForEvent(t, w.Events, 600*time.Millisecond); ok {
		t.Fatal("expected no event for a file outside the allowlist")
	}
}

func TestWatcherCoalescesTmpRenameIntoMoved(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(dir)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	// A tmp sibling whose stem (after stripping ".tmp") exactly matches the
	// final, extensionless target name is the shape the rename-coalescing
	// logic recognizes.
	tmp := filepath.Join(dir, "accountsnapshot.tmp")
	target := filepath.Join(dir, "accountsnapshot")

	if err := os.WriteFile(tmp, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, target); err != nil {
		t.Fatal(err)
	}

	ev, ok := waitForEvent(t, w.Events, 2*time.Second)
	if !ok {
		t.Fatal("expected a coalesced event after tmp rename, got none")
	}
	if ev.Path != target {
		t.Errorf("expected coalesced event for %q, got %q", target, ev.Path)
	}
	if ev.Kind != EventMoved {
		t.Errorf("expected Moved kind for tmp->target rename, got %q", ev.Kind)
	}
}

func TestWatcherCloseClosesEventsChannel(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(dir)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, ok := <-w.Events; ok {
		t.Fatal("expected Events channel to be closed")
	}

	// Close must be idempotent.
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
