// Package repository wires concrete stores to the app-layer ports.
package repository

import (
	"github.com/jaakkos/loomwork/internal/app"
	"github.com/jaakkos/loomwork/internal/repository/journal"
	"github.com/jaakkos/loomwork/internal/repository/sqlite"
)

// NewEventIndex opens the indexed side of the event store.
func NewEventIndex(path string) (app.EventIndex, error) {
	return sqlite.New(path)
}

// NewJournal opens the file-backed side: event logs, state snapshots,
// projection snapshots and mailboxes under the state directory.
func NewJournal(stateDir string) (*journal.Journal, error) {
	return journal.New(stateDir)
}
