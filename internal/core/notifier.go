package core

import (
	"context"
	"sync"

	"contextcore/pkg/domain"
)

// MemoryNotifier collects emitted change events in memory. It backs tests
// and doubles as a trivial in-process fan-out point.
type MemoryNotifier struct {
	mu     sync.Mutex
	events []domain.ChangeEvent
}

// Compile-time contract assertion.
var _ domain.ChangeNotifier = (*MemoryNotifier)(nil)

// Emit appends the event.
func (n *MemoryNotifier) Emit(_ context.Context, event domain.ChangeEvent) error {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
	return nil
}

// Events returns a copy of the emitted events.
func (n *MemoryNotifier) Events() []domain.ChangeEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.ChangeEvent, len(n.events))
	copy(out, n.events)
	return out
}
