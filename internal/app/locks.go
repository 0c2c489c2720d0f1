package app

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

const workflowLockStale = 5 * time.Minute

// LockManager hands out advisory per-workflow lockfiles so only one
// engine drives a workflow at a time. A lock left behind by a dead
// process is reclaimed once it goes stale.
type LockManager struct {
	dir    string
	logger *log.Logger
}

// NewLockManager returns a manager whose lockfiles live directly in dir.
func NewLockManager(dir string, logger *log.Logger) *LockManager {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &LockManager{dir: dir, logger: logger}
}

func (l *LockManager) path(workflowID string) string {
	return filepath.Join(l.dir, workflowID+".lock")
}

// Acquire takes the lock for workflowID. Returns ErrWorkflowLocked when
// another live process holds it.
func (l *LockManager) Acquire(workflowID string) error {
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("lock dir: %w", err)
	}
	path := l.path(workflowID)
	if info, err := os.Stat(path); err == nil {
		if time.Since(info.ModTime()) > workflowLockStale {
			l.logger.Printf("LockManager: removing stale lock for %s", workflowID)
			_ = os.Remove(path)
		} else {
			return fmt.Errorf("workflow %s: %w", workflowID, ErrWorkflowLocked)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("workflow %s: %w", workflowID, ErrWorkflowLocked)
		}
		return fmt.Errorf("lock %s: %w", workflowID, err)
	}
	_, _ = fmt.Fprintf(f, "%d", os.Getpid())
	_ = f.Close()
	return nil
}

// Refresh bumps the lock's mtime so long-running engines are not
// mistaken for dead ones.
func (l *LockManager) Refresh(workflowID string) {
	now := time.Now()
	_ = os.Chtimes(l.path(workflowID), now, now)
}

// Release removes the lockfile.
func (l *LockManager) Release(workflowID string) {
	_ = os.Remove(l.path(workflowID))
}

// SweepStale removes every lockfile older than the stale threshold and
// returns the workflow IDs whose locks were reclaimed.
func (l *LockManager) SweepStale() []string {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil
	}
	var reclaimed []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".lock" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) > workflowLockStale {
			_ = os.Remove(filepath.Join(l.dir, name))
			reclaimed = append(reclaimed, name[:len(name)-len(".lock")])
		}
	}
	return reclaimed
}
