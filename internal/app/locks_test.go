package app

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireRelease(t *testing.T) {
	locks := NewLockManager(t.TempDir(), testLogger())

	if err := locks.Acquire("wf-1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := locks.Acquire("wf-1"); !errors.Is(err, ErrWorkflowLocked) {
		t.Errorf("expected ErrWorkflowLocked, got %v", err)
	}
	// A different workflow is unaffected.
	if err := locks.Acquire("wf-2"); err != nil {
		t.Errorf("Acquire wf-2: %v", err)
	}

	locks.Release("wf-1")
	if err := locks.Acquire("wf-1"); err != nil {
		t.Errorf("Acquire after release: %v", err)
	}
}

func TestAcquireReclaimsStaleLock(t *testing.T) {
	dir := t.TempDir()
	locks := NewLockManager(dir, testLogger())

	if err := locks.Acquire("wf-1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	backdate(t, filepath.Join(dir, "wf-1.lock"), 10*time.Minute)

	if err := locks.Acquire("wf-1"); err != nil {
		t.Errorf("stale lock not reclaimed: %v", err)
	}
}

func TestRefreshKeepsLockFresh(t *testing.T) {
	dir := t.TempDir()
	locks := NewLockManager(dir, testLogger())

	if err := locks.Acquire("wf-1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	backdate(t, filepath.Join(dir, "wf-1.lock"), 10*time.Minute)
	locks.Refresh("wf-1")

	if reclaimed := locks.SweepStale(); len(reclaimed) != 0 {
		t.Errorf("refreshed lock swept: %v", reclaimed)
	}
}

func TestSweepStale(t *testing.T) {
	dir := t.TempDir()
	locks := NewLockManager(dir, testLogger())

	for _, id := range []string{"wf-old", "wf-live"} {
		if err := locks.Acquire(id); err != nil {
			t.Fatalf("Acquire %s: %v", id, err)
		}
	}
	backdate(t, filepath.Join(dir, "wf-old.lock"), 10*time.Minute)

	reclaimed := locks.SweepStale()
	if len(reclaimed) != 1 || reclaimed[0] != "wf-old" {
		t.Errorf("reclaimed = %v, want [wf-old]", reclaimed)
	}
	if _, err := os.Stat(filepath.Join(dir, "wf-live.lock")); err != nil {
		t.Errorf("live lock removed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "wf-old.lock")); !os.IsNotExist(err) {
		t.Error("stale lock still present")
	}
}

func backdate(t *testing.T, path string, by time.Duration) {
	t.Helper()
	old := time.Now().Add(-by)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
}
