package domain

import (
	"context"
	"time"
)

// Operation labels the mutation kind carried on a change event.
type Operation string

// Mutation kinds emitted to the change notifier.
const (
	// OperationCreated is emitted after a context record is created.
	OperationCreated Operation = "created"
	// OperationUpdated is emitted after a context record's data changes.
	OperationUpdated Operation = "updated"
	// OperationDeleted is emitted after a context record is deleted.
	OperationDeleted Operation = "deleted"
	// OperationDelegated is emitted against the delegation target after a
	// fragment is promoted into it.
	OperationDelegated Operation = "delegated"
)

// ChangeEvent describes one committed mutation. Exactly one emit attempt is
// made per successful mutation; delivery semantics belong to the notifier.
type ChangeEvent struct {
	EventID   string     `json:"event_id"`
	TenantID  string     `json:"tenant_id"`
	Level     ScopeLevel `json:"level"`
	ID        string     `json:"id"`
	Operation Operation  `json:"operation"`
	Version   int64      `json:"version"`
	Timestamp time.Time  `json:"timestamp"`
}

// ChangeNotifier receives scope-qualified change events. Fan-out, replay, and
// delivery guarantees are entirely the notifier's concern.
type ChangeNotifier interface {
	Emit(ctx context.Context, event ChangeEvent) error
}
