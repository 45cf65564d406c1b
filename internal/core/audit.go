package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"contextcore/internal/archive"
	"contextcore/pkg/domain"

	"github.com/google/uuid"
)

// AuditStatus labels the outcome recorded on an audit entry.
type AuditStatus string

// Audit entry outcomes.
const (
	AuditSuccess AuditStatus = "success"
	AuditFailure AuditStatus = "failure"
)

// AuditEntry captures one mutating service operation for the audit trail.
// Delegations additionally carry the full delegation record.
type AuditEntry struct {
	ID         string                   `json:"id"`
	Operation  string                   `json:"operation"`
	Status     AuditStatus              `json:"status"`
	TenantID   string                   `json:"tenant_id"`
	Level      domain.ScopeLevel        `json:"level"`
	RecordID   string                   `json:"record_id"`
	Actor      string                   `json:"actor,omitempty"`
	Detail     string                   `json:"detail,omitempty"`
	Delegation *domain.DelegationRecord `json:"delegation,omitempty"`
	OccurredAt time.Time                `json:"occurred_at"`
}

// AuditRecorder receives audit entries. Recording is best-effort from the
// service's perspective; a recorder must not block mutations.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

// NewAuditEntryID returns a fresh audit entry identifier.
func NewAuditEntryID() string { return uuid.NewString() }

// MemoryAuditLog captures audit entries in memory for assertions and as the
// buffer behind the archiving recorder.
type MemoryAuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
}

// Compile-time contract assertion.
var _ AuditRecorder = (*MemoryAuditLog)(nil)

// Record stores an audit entry.
func (l *MemoryAuditLog) Record(_ context.Context, entry AuditEntry) {
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
}

// Entries returns a copy of the recorded entries.
func (l *MemoryAuditLog) Entries() []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AuditEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Delegations returns the delegation records among the captured entries.
func (l *MemoryAuditLog) Delegations() []domain.DelegationRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.DelegationRecord
	for _, entry := range l.entries {
		if entry.Delegation != nil {
			out = append(out, *entry.Delegation)
		}
	}
	return out
}

// drain returns the buffered entries and clears the buffer.
func (l *MemoryAuditLog) drain() []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.entries
	l.entries = nil
	return out
}

// ArchivingAuditLog buffers entries in memory and flushes them as JSON
// artifacts into an archive store (filesystem, S3, or memory).
type ArchivingAuditLog struct {
	buffer *MemoryAuditLog
	store  archive.Store
	clock  func() time.Time
}

// Compile-time contract assertion.
var _ AuditRecorder = (*ArchivingAuditLog)(nil)

// NewArchivingAuditLog constructs an archiving recorder over the store.
func NewArchivingAuditLog(store archive.Store) *ArchivingAuditLog {
	return &ArchivingAuditLog{
		buffer: &MemoryAuditLog{},
		store:  store,
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

// Record buffers the entry until the next flush.
func (l *ArchivingAuditLog) Record(ctx context.Context, entry AuditEntry) {
	l.buffer.Record(ctx, entry)
}

// Pending reports the number of buffered entries.
func (l *ArchivingAuditLog) Pending() int {
	return len(l.buffer.Entries())
}

// Flush writes the buffered entries as one JSON artifact and returns its
// key. Flushing an empty buffer is a no-op returning an empty key. On store
// failure the entries are returned to the buffer for the next attempt.
func (l *ArchivingAuditLog) Flush(ctx context.Context) (string, error) {
	entries := l.buffer.drain()
	if len(entries) == 0 {
		return "", nil
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("encode audit batch: %w", err)
	}
	key := fmt.Sprintf("audit/%s-%s.json", l.clock().Format("20060102T150405.000000000Z0700"), uuid.NewString())
	if _, err := l.store.Put(ctx, key, payload, "application/json"); err != nil {
		for _, entry := range entries {
			l.buffer.Record(ctx, entry)
		}
		return "", fmt.Errorf("archive audit batch: %w", err)
	}
	return key, nil
}
