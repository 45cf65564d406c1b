package domain

import "context"

// Repository is durable CRUD for a single scope level's records. Instances
// are tenant-scoped on every call and have no hierarchy awareness beyond the
// parent-existence check on Create, which each backend answers against its
// own view of the level above.
type Repository interface {
	// Level returns the scope level this repository owns.
	Level() ScopeLevel
	// Get returns the record for (tenantID, id), or a not-found error. A key
	// held by another tenant fails closed with a cross-tenant denial.
	Get(ctx context.Context, tenantID, id string) (ContextRecord, error)
	// Create persists a new record. It fails already-exists when the key is
	// taken (including keys consumed by deleted records) and parent-not-found
	// when parentID does not resolve one level up.
	Create(ctx context.Context, tenantID, id, parentID string, data Document) (ContextRecord, error)
	// Update deep-merges patch into the record's data and bumps the version.
	// expectedVersion must match the current version or the call fails with a
	// conflict; the caller re-reads and retries.
	Update(ctx context.Context, tenantID, id string, expectedVersion int64, patch Document) (ContextRecord, error)
	// Delete tombstones the record. Deletion is terminal: the id is never
	// reused and later operations fail not-found. Descendants are untouched.
	Delete(ctx context.Context, tenantID, id string) error
	// List returns the tenant's records matching the filter.
	List(ctx context.Context, tenantID string, filter ListFilter) ([]ContextRecord, error)
}

// RepositorySet bundles one repository per scope level.
type RepositorySet struct {
	Global  Repository
	Project Repository
	Branch  Repository
	Task    Repository
}

// ForLevel returns the repository owning the given level, or false.
func (s RepositorySet) ForLevel(level ScopeLevel) (Repository, bool) {
	switch level {
	case LevelGlobal:
		return s.Global, s.Global != nil
	case LevelProject:
		return s.Project, s.Project != nil
	case LevelBranch:
		return s.Branch, s.Branch != nil
	case LevelTask:
		return s.Task, s.Task != nil
	default:
		return nil, false
	}
}
