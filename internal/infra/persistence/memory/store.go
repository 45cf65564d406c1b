// Package memory provides an in-memory implementation of the context
// repositories used for tests and ephemeral environments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"contextcore/pkg/domain"
)

// Compile-time contract assertion ensuring the level view satisfies the
// domain repository interface.
var _ domain.Repository = (*levelRepository)(nil)

type recordKey struct {
	tenantID string
	id       string
}

type bucket struct {
	records    map[recordKey]domain.ContextRecord
	tombstones map[recordKey]struct{}
	// owners tracks which tenants hold (or held) each id, so a probe from
	// another tenant can fail closed instead of reporting absence.
	owners map[string]map[string]struct{}
}

func newBucket() *bucket {
	return &bucket{
		records:    make(map[recordKey]domain.ContextRecord),
		tombstones: make(map[recordKey]struct{}),
		owners:     make(map[string]map[string]struct{}),
	}
}

func (b *bucket) claim(tenantID, id string) {
	set, ok := b.owners[id]
	if !ok {
		set = make(map[string]struct{})
		b.owners[id] = set
	}
	set[tenantID] = struct{}{}
}

func (b *bucket) foreignOwner(tenantID, id string) bool {
	for owner := range b.owners[id] {
		if owner != tenantID {
			return true
		}
	}
	return false
}

// Store holds all four scope levels behind a single lock. Individual level
// repositories are cheap views over the shared state, which lets parent
// checks read the level above without a second store.
type Store struct {
	mu      sync.RWMutex
	buckets map[domain.ScopeLevel]*bucket
	clock   func() time.Time
}

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	buckets := make(map[domain.ScopeLevel]*bucket, 4)
	for _, level := range domain.Levels() {
		buckets[level] = newBucket()
	}
	return &Store{buckets: buckets, clock: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the timestamp source. Intended for tests.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Repositories returns the per-level repository set backed by this store.
func (s *Store) Repositories() domain.RepositorySet {
	return domain.RepositorySet{
		Global:  &levelRepository{store: s, level: domain.LevelGlobal},
		Project: &levelRepository{store: s, level: domain.LevelProject},
		Branch:  &levelRepository{store: s, level: domain.LevelBranch},
		Task:    &levelRepository{store: s, level: domain.LevelTask},
	}
}

type levelRepository struct {
	store *Store
	level domain.ScopeLevel
}

func (r *levelRepository) Level() domain.ScopeLevel { return r.level }

func (r *levelRepository) Get(_ context.Context, tenantID, id string) (domain.ContextRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return r.store.lookup(r.level, tenantID, id)
}

func (s *Store) lookup(level domain.ScopeLevel, tenantID, id string) (domain.ContextRecord, error) {
	b := s.buckets[level]
	key := recordKey{tenantID: tenantID, id: id}
	if record, ok := b.records[key]; ok {
		return record.Clone(), nil
	}
	if _, gone := b.tombstones[key]; gone {
		return domain.ContextRecord{}, domain.NewNotFound(tenantID, level, id)
	}
	if b.foreignOwner(tenantID, id) {
		return domain.ContextRecord{}, domain.NewCrossTenantDenied(tenantID, level, id)
	}
	return domain.ContextRecord{}, domain.NewNotFound(tenantID, level, id)
}

func (r *levelRepository) Create(_ context.Context, tenantID, id, parentID string, data domain.Document) (domain.ContextRecord, error) {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(id) == "" {
		return domain.ContextRecord{}, fmt.Errorf("tenant id and record id are required")
	}
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.buckets[r.level]
	key := recordKey{tenantID: tenantID, id: id}
	if _, exists := b.records[key]; exists {
		return domain.ContextRecord{}, domain.NewAlreadyExists(tenantID, r.level, id)
	}
	if _, gone := b.tombstones[key]; gone {
		// Deleted ids are never reused.
		return domain.ContextRecord{}, domain.NewAlreadyExists(tenantID, r.level, id)
	}
	if parent, required := r.level.Parent(); required {
		parentBucket := s.buckets[parent]
		if _, ok := parentBucket.records[recordKey{tenantID: tenantID, id: parentID}]; !ok {
			return domain.ContextRecord{}, domain.NewParentNotFound(tenantID, r.level, parentID)
		}
	}

	now := s.clock()
	record := domain.ContextRecord{
		TenantID:  tenantID,
		Level:     r.level,
		ID:        id,
		ParentID:  parentID,
		Data:      data.Clone(),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	b.records[key] = record
	b.claim(tenantID, id)
	return record.Clone(), nil
}

func (r *levelRepository) Update(_ context.Context, tenantID, id string, expectedVersion int64, patch domain.Document) (domain.ContextRecord, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.lookup(r.level, tenantID, id)
	if err != nil {
		return domain.ContextRecord{}, err
	}
	if current.Version != expectedVersion {
		return domain.ContextRecord{}, domain.NewConflict(tenantID, r.level, id, expectedVersion, current.Version)
	}

	current.Data = current.Data.Merge(patch)
	current.Version++
	current.UpdatedAt = s.clock()
	s.buckets[r.level].records[recordKey{tenantID: tenantID, id: id}] = current
	return current.Clone(), nil
}

func (r *levelRepository) Delete(_ context.Context, tenantID, id string) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lookup(r.level, tenantID, id); err != nil {
		return err
	}
	b := s.buckets[r.level]
	key := recordKey{tenantID: tenantID, id: id}
	delete(b.records, key)
	b.tombstones[key] = struct{}{}
	return nil
}

func (r *levelRepository) List(_ context.Context, tenantID string, filter domain.ListFilter) ([]domain.ContextRecord, error) {
	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.ContextRecord
	for key, record := range s.buckets[r.level].records {
		if key.tenantID != tenantID {
			continue
		}
		if !filter.Matches(record) {
			continue
		}
		out = append(out, record.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
