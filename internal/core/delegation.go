package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"contextcore/pkg/domain"

	"github.com/google/uuid"
)

// delegationRetries bounds the re-read cycle when the target is mutated
// concurrently between the engine's read and its merge write.
const delegationRetries = 3

// DelegationInput describes a request to promote a fragment from a
// descendant scope into a strict-ancestor scope.
type DelegationInput struct {
	SourceLevel domain.ScopeLevel
	SourceID    string
	TargetLevel domain.ScopeLevel
	// TargetID is optional; when empty the target is found by walking parent
	// ids from the source toward the target level.
	TargetID    string
	Fragment    domain.Document
	Reason      string
	DelegatedBy string
}

// DelegationEngine validates and applies delegations. The target write and
// the audit append are two steps; a crash between them leaves an applied
// update without its audit entry, which is accepted and recoverable (the
// merge is idempotent).
type DelegationEngine struct {
	repos    domain.RepositorySet
	resolver *Resolver
	clock    func() time.Time
}

// NewDelegationEngine constructs an engine over the given repositories.
func NewDelegationEngine(repos domain.RepositorySet, resolver *Resolver) *DelegationEngine {
	return &DelegationEngine{
		repos:    repos,
		resolver: resolver,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// Delegate merges the fragment into the target record and returns the audit
// record plus the updated target. The target must be a strict ancestor level
// of the source; multi-hop targets (TASK straight to GLOBAL) are permitted.
// Re-delegating an identical fragment is a data no-op but still yields a
// fresh audit record, since each attempt is independently auditable.
func (e *DelegationEngine) Delegate(ctx context.Context, tenantID string, input DelegationInput) (domain.DelegationRecord, domain.ContextRecord, error) {
	if !input.SourceLevel.Valid() || !input.TargetLevel.Valid() {
		return domain.DelegationRecord{}, domain.ContextRecord{}, fmt.Errorf("unknown scope level in delegation")
	}
	if !input.TargetLevel.IsAncestorOf(input.SourceLevel) {
		return domain.DelegationRecord{}, domain.ContextRecord{}, domain.NewInvalidDirection(input.SourceLevel, input.TargetLevel)
	}

	targetID, err := e.resolveTargetID(ctx, tenantID, input)
	if err != nil {
		return domain.DelegationRecord{}, domain.ContextRecord{}, err
	}

	targetRepo, ok := e.repos.ForLevel(input.TargetLevel)
	if !ok {
		return domain.DelegationRecord{}, domain.ContextRecord{}, fmt.Errorf("no repository for level %s", input.TargetLevel)
	}

	var updated domain.ContextRecord
	for attempt := 0; ; attempt++ {
		current, err := targetRepo.Get(ctx, tenantID, targetID)
		if err != nil {
			return domain.DelegationRecord{}, domain.ContextRecord{}, err
		}
		updated, err = targetRepo.Update(ctx, tenantID, targetID, current.Version, input.Fragment)
		if err == nil {
			break
		}
		if errors.Is(err, domain.ErrConflict) && attempt < delegationRetries {
			continue
		}
		return domain.DelegationRecord{}, domain.ContextRecord{}, err
	}

	record := domain.DelegationRecord{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		SourceLevel: input.SourceLevel,
		SourceID:    input.SourceID,
		TargetLevel: input.TargetLevel,
		TargetID:    targetID,
		Fragment:    input.Fragment.Clone(),
		Reason:      input.Reason,
		DelegatedBy: input.DelegatedBy,
		Timestamp:   e.clock(),
	}
	return record, updated, nil
}

// resolveTargetID validates the source exists and locates the target. An
// explicit target id is verified; otherwise the source's ancestor chain is
// walked, so a missing intermediate hop fails broken-chain.
func (e *DelegationEngine) resolveTargetID(ctx context.Context, tenantID string, input DelegationInput) (string, error) {
	chain, err := e.resolver.Chain(ctx, tenantID, input.SourceLevel, input.SourceID)
	if err != nil {
		return "", err
	}
	if input.TargetID != "" {
		targetRepo, ok := e.repos.ForLevel(input.TargetLevel)
		if !ok {
			return "", fmt.Errorf("no repository for level %s", input.TargetLevel)
		}
		if _, err := targetRepo.Get(ctx, tenantID, input.TargetID); err != nil {
			return "", err
		}
		return input.TargetID, nil
	}
	for _, ancestor := range chain {
		if ancestor.Level == input.TargetLevel {
			return ancestor.ID, nil
		}
	}
	return "", domain.NewBrokenChain(tenantID, input.TargetLevel, "",
		fmt.Sprintf("no %s ancestor reachable from %s/%s", input.TargetLevel, input.SourceLevel, input.SourceID))
}
