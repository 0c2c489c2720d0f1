package app

import "errors"

// Sentinel errors surfaced across service boundaries. Callers match
// with errors.Is.
var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrWorkflowLocked   = errors.New("workflow is locked by another process")
	ErrWorkflowPaused   = errors.New("workflow is paused awaiting a response")
	ErrLogDiverged      = errors.New("event log and index disagree")
	ErrDuplicateSeq     = errors.New("duplicate sequence number")
	ErrTooManyConsumers = errors.New("stream consumer limit reached")
	ErrMessageNotFound  = errors.New("message not found")
)
