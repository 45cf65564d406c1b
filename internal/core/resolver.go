package core

import (
	"context"
	"fmt"
	"time"

	"contextcore/pkg/domain"
)

// Resolver computes effective views by walking a node's ancestor chain and
// merging the layers with descendant-wins semantics. It is pure and
// read-only; it never writes through the repositories.
type Resolver struct {
	repos domain.RepositorySet
	clock func() time.Time
}

// NewResolver constructs a resolver over the given repositories.
func NewResolver(repos domain.RepositorySet) *Resolver {
	return &Resolver{repos: repos, clock: func() time.Time { return time.Now().UTC() }}
}

// Resolve returns the effective view for (tenantID, level, id) together with
// the chain of records that contributed to it, ordered GLOBAL first and the
// node itself last. With includeInherited false the chain holds only the node
// and the view carries its stored data unmerged.
func (r *Resolver) Resolve(ctx context.Context, tenantID string, level domain.ScopeLevel, id string, includeInherited bool) (domain.EffectiveView, []domain.ContextRecord, error) {
	var chain []domain.ContextRecord
	if includeInherited {
		full, err := r.Chain(ctx, tenantID, level, id)
		if err != nil {
			return domain.EffectiveView{}, nil, err
		}
		chain = full
	} else {
		// An uninherited view needs only the node itself; broken ancestry
		// does not block it.
		repo, ok := r.repos.ForLevel(level)
		if !ok {
			return domain.EffectiveView{}, nil, fmt.Errorf("no repository for level %s", level)
		}
		node, err := repo.Get(ctx, tenantID, id)
		if err != nil {
			return domain.EffectiveView{}, nil, err
		}
		chain = []domain.ContextRecord{node}
	}
	node := chain[len(chain)-1]

	view := domain.EffectiveView{
		TenantID:   tenantID,
		Level:      level,
		ID:         id,
		Version:    node.Version,
		Inherited:  includeInherited,
		Origins:    make(map[string]domain.ScopeLevel),
		ResolvedAt: r.clock(),
	}

	if !includeInherited {
		view.Data = node.Data.Clone()
		for key := range node.Data {
			view.Origins[key] = node.Level
		}
		return view, chain, nil
	}

	merged := domain.Document{}
	for _, layer := range chain {
		merged = merged.Merge(layer.Data)
		// The most specific layer contributing a field owns its origin label;
		// for list-append fields that is the last level that appended.
		for key := range layer.Data {
			view.Origins[key] = layer.Level
		}
	}
	view.Data = merged
	return view, chain, nil
}

// Chain walks parent ids from the node up to GLOBAL and returns the records
// ordered GLOBAL first. A missing hop fails with a broken-chain error rather
// than being silently skipped.
func (r *Resolver) Chain(ctx context.Context, tenantID string, level domain.ScopeLevel, id string) ([]domain.ContextRecord, error) {
	repo, ok := r.repos.ForLevel(level)
	if !ok {
		return nil, fmt.Errorf("no repository for level %s", level)
	}
	node, err := repo.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	chain := []domain.ContextRecord{node}
	current := node
	for {
		parentLevel, hasParent := current.Level.Parent()
		if !hasParent {
			break
		}
		parentID := current.ParentID
		if parentLevel == domain.LevelGlobal && parentID == "" {
			parentID = domain.GlobalID
		}
		if parentID == "" {
			return nil, domain.NewBrokenChain(tenantID, current.Level, current.ID, "record has no parent id")
		}
		parentRepo, ok := r.repos.ForLevel(parentLevel)
		if !ok {
			return nil, fmt.Errorf("no repository for level %s", parentLevel)
		}
		parent, err := parentRepo.Get(ctx, tenantID, parentID)
		if err != nil {
			if domain.CodeOf(err) == domain.CodeNotFound || domain.IsCrossTenant(err) {
				return nil, domain.NewBrokenChain(tenantID, parentLevel, parentID,
					fmt.Sprintf("ancestor of %s/%s is missing", current.Level, current.ID))
			}
			return nil, err
		}
		chain = append([]domain.ContextRecord{parent}, chain...)
		current = parent
	}
	return chain, nil
}
