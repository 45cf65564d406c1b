package domain

import "time"

// GlobalID is the canonical record id of every tenant's GLOBAL context. The
// GLOBAL scope is a per-tenant singleton, so the id is fixed rather than
// caller-chosen.
const GlobalID = "global"

// ContextRecord is the persisted unit of context at a single scope level.
type ContextRecord struct {
	TenantID  string     `json:"tenant_id"`
	Level     ScopeLevel `json:"level"`
	ID        string     `json:"id"`
	ParentID  string     `json:"parent_id,omitempty"`
	Data      Document   `json:"data"`
	Version   int64      `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Clone returns a deep copy safe to hand across goroutines.
func (r ContextRecord) Clone() ContextRecord {
	dup := r
	dup.Data = r.Data.Clone()
	return dup
}

// EffectiveView is the inheritance-resolved document for one node. It is
// derived, never persisted; cache entries and responses are its only homes.
type EffectiveView struct {
	TenantID  string     `json:"tenant_id"`
	Level     ScopeLevel `json:"level"`
	ID        string     `json:"id"`
	Version   int64      `json:"version"`
	Inherited bool       `json:"inherited"`
	Data      Document   `json:"data"`
	// Origins maps each top-level field to the scope level that supplied its
	// winning value, distinguishing inherited fields from local ones.
	Origins    map[string]ScopeLevel `json:"origins,omitempty"`
	ResolvedAt time.Time             `json:"resolved_at"`
}

// Clone returns a deep copy of the view.
func (v EffectiveView) Clone() EffectiveView {
	dup := v
	dup.Data = v.Data.Clone()
	if v.Origins != nil {
		dup.Origins = make(map[string]ScopeLevel, len(v.Origins))
		for key, level := range v.Origins {
			dup.Origins[key] = level
		}
	}
	return dup
}

// LocalFields returns the top-level fields whose winning value came from the
// node itself rather than an ancestor, in sorted order.
func (v EffectiveView) LocalFields() []string {
	var local []string
	for _, key := range v.Data.Keys() {
		if v.Origins[key] == v.Level {
			local = append(local, key)
		}
	}
	return local
}

// DelegationRecord is the audit entry produced by promoting a fragment from a
// descendant scope into an ancestor scope. It never mutates the source.
type DelegationRecord struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	SourceLevel ScopeLevel `json:"source_level"`
	SourceID    string     `json:"source_id"`
	TargetLevel ScopeLevel `json:"target_level"`
	TargetID    string     `json:"target_id"`
	Fragment    Document   `json:"fragment"`
	Reason      string     `json:"reason,omitempty"`
	DelegatedBy string     `json:"delegated_by,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

// ListFilter narrows ListContexts results. All fields are optional; the
// tenant scope is mandatory and carried separately on every call.
type ListFilter struct {
	// ParentID restricts results to direct children of the given parent.
	ParentID string
	// HasField restricts results to records whose own data contains the
	// given top-level field.
	HasField string
	// UpdatedSince restricts results to records updated at or after the
	// given instant.
	UpdatedSince time.Time
}

// Matches reports whether the record satisfies the filter.
func (f ListFilter) Matches(record ContextRecord) bool {
	if f.ParentID != "" && record.ParentID != f.ParentID {
		return false
	}
	if f.HasField != "" {
		if _, ok := record.Data[f.HasField]; !ok {
			return false
		}
	}
	if !f.UpdatedSince.IsZero() && record.UpdatedAt.Before(f.UpdatedSince) {
		return false
	}
	return true
}
