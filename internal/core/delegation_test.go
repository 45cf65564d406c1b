package core

import (
	"context"
	"errors"
	"testing"

	"contextcore/pkg/domain"
)

func newEngine(t *testing.T) (*DelegationEngine, domain.RepositorySet) {
	t.Helper()
	repos := seedRepos(t)
	return NewDelegationEngine(repos, NewResolver(repos)), repos
}

func TestDelegatePromotesToParent(t *testing.T) {
	engine, repos := newEngine(t)
	ctx := context.Background()

	fragment := domain.MustDocument(map[string]any{"database_url": "postgres://payments"})
	record, updated, err := engine.Delegate(ctx, "t1", DelegationInput{
		SourceLevel: domain.LevelTask,
		SourceID:    "task-1",
		TargetLevel: domain.LevelProject,
		Fragment:    fragment,
		Reason:      "connection string discovered during task",
		DelegatedBy: "agent-7",
	})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if record.TargetID != "proj-1" {
		t.Fatalf("target id = %s, want proj-1 (walked from source)", record.TargetID)
	}
	if updated.Data["database_url"].Scalar() != "postgres://payments" {
		t.Fatalf("fragment not applied: %v", updated.Data.ToMap())
	}
	if updated.Version != 2 {
		t.Fatalf("target version = %d, want 2", updated.Version)
	}

	// The source record is never touched.
	source, err := repos.Task.Get(ctx, "t1", "task-1")
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	if source.Version != 1 {
		t.Fatalf("source version changed to %d", source.Version)
	}
	if _, ok := source.Data["database_url"]; ok {
		t.Fatalf("fragment leaked into source")
	}
}

func TestDelegateMultiHopToGlobal(t *testing.T) {
	engine, repos := newEngine(t)
	ctx := context.Background()

	record, _, err := engine.Delegate(ctx, "t1", DelegationInput{
		SourceLevel: domain.LevelTask,
		SourceID:    "task-1",
		TargetLevel: domain.LevelGlobal,
		Fragment:    domain.MustDocument(map[string]any{"org_policy": "strict"}),
	})
	if err != nil {
		t.Fatalf("delegate task to global: %v", err)
	}
	if record.TargetID != domain.GlobalID {
		t.Fatalf("target id = %s, want %s", record.TargetID, domain.GlobalID)
	}
	global, err := repos.Global.Get(ctx, "t1", domain.GlobalID)
	if err != nil {
		t.Fatalf("get global: %v", err)
	}
	if global.Data["org_policy"].Scalar() != "strict" {
		t.Fatalf("fragment not applied at global: %v", global.Data.ToMap())
	}
}

func TestDelegateRejectsInvalidDirections(t *testing.T) {
	engine, _ := newEngine(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		source domain.ScopeLevel
		target domain.ScopeLevel
	}{
		{"same level", domain.LevelTask, domain.LevelTask},
		{"downward", domain.LevelProject, domain.LevelTask},
		{"sibling direction", domain.LevelBranch, domain.LevelTask},
	}
	for _, tc := range cases {
		_, _, err := engine.Delegate(ctx, "t1", DelegationInput{
			SourceLevel: tc.source,
			SourceID:    "task-1",
			TargetLevel: tc.target,
			Fragment:    domain.Document{},
		})
		if !errors.Is(err, domain.ErrInvalidDirection) {
			t.Fatalf("%s: expected invalid-direction, got %v", tc.name, err)
		}
	}
}

func TestDelegateMissingSource(t *testing.T) {
	engine, _ := newEngine(t)
	_, _, err := engine.Delegate(context.Background(), "t1", DelegationInput{
		SourceLevel: domain.LevelTask,
		SourceID:    "task-404",
		TargetLevel: domain.LevelProject,
		Fragment:    domain.Document{},
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not-found for missing source, got %v", err)
	}
}

func TestDelegateBrokenChain(t *testing.T) {
	engine, repos := newEngine(t)
	ctx := context.Background()

	if err := repos.Branch.Delete(ctx, "t1", "br-1"); err != nil {
		t.Fatalf("delete branch: %v", err)
	}
	_, _, err := engine.Delegate(ctx, "t1", DelegationInput{
		SourceLevel: domain.LevelTask,
		SourceID:    "task-1",
		TargetLevel: domain.LevelProject,
		Fragment:    domain.Document{},
	})
	if !errors.Is(err, domain.ErrBrokenChain) {
		t.Fatalf("missing hop must fail broken-chain, got %v", err)
	}
}

func TestDelegateExplicitTarget(t *testing.T) {
	engine, repos := newEngine(t)
	ctx := context.Background()

	mustCreate(t, repos.Project, "t1", "proj-2", domain.GlobalID, map[string]any{})
	record, _, err := engine.Delegate(ctx, "t1", DelegationInput{
		SourceLevel: domain.LevelTask,
		SourceID:    "task-1",
		TargetLevel: domain.LevelProject,
		TargetID:    "proj-2",
		Fragment:    domain.MustDocument(map[string]any{"shared": true}),
	})
	if err != nil {
		t.Fatalf("delegate to explicit target: %v", err)
	}
	if record.TargetID != "proj-2" {
		t.Fatalf("target id = %s, want proj-2", record.TargetID)
	}

	_, _, err = engine.Delegate(ctx, "t1", DelegationInput{
		SourceLevel: domain.LevelTask,
		SourceID:    "task-1",
		TargetLevel: domain.LevelProject,
		TargetID:    "proj-404",
		Fragment:    domain.Document{},
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing explicit target must fail, got %v", err)
	}
}

func TestRedelegationIsDataNoOpButAudited(t *testing.T) {
	engine, repos := newEngine(t)
	ctx := context.Background()
	fragment := domain.MustDocument(map[string]any{"flag": "on"})

	first, _, err := engine.Delegate(ctx, "t1", DelegationInput{
		SourceLevel: domain.LevelTask, SourceID: "task-1",
		TargetLevel: domain.LevelProject, Fragment: fragment,
	})
	if err != nil {
		t.Fatalf("first delegate: %v", err)
	}
	second, updated, err := engine.Delegate(ctx, "t1", DelegationInput{
		SourceLevel: domain.LevelTask, SourceID: "task-1",
		TargetLevel: domain.LevelProject, Fragment: fragment,
	})
	if err != nil {
		t.Fatalf("second delegate: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("each delegation must yield a distinct audit record")
	}
	target, err := repos.Project.Get(ctx, "t1", "proj-1")
	if err != nil {
		t.Fatalf("get target: %v", err)
	}
	if target.Data["flag"].Scalar() != "on" {
		t.Fatalf("fragment lost: %v", target.Data.ToMap())
	}
	if updated.Version != target.Version {
		t.Fatalf("returned target out of date: %d vs %d", updated.Version, target.Version)
	}
}
