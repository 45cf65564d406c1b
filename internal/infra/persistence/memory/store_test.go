package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"contextcore/pkg/domain"
)

func seedHierarchy(t *testing.T, repos domain.RepositorySet, tenantID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := repos.Global.Create(ctx, tenantID, domain.GlobalID, "", domain.MustDocument(map[string]any{"org": tenantID})); err != nil {
		t.Fatalf("create global: %v", err)
	}
	if _, err := repos.Project.Create(ctx, tenantID, "proj-1", domain.GlobalID, domain.Document{}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	if _, err := repos.Branch.Create(ctx, tenantID, "br-1", "proj-1", domain.Document{}); err != nil {
		t.Fatalf("create branch: %v", err)
	}
	if _, err := repos.Task.Create(ctx, tenantID, "task-1", "br-1", domain.Document{}); err != nil {
		t.Fatalf("create task: %v", err)
	}
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	repos := NewStore().Repositories()
	seedHierarchy(t, repos, "t1")

	got, err := repos.Task.Get(context.Background(), "t1", "task-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Version != 1 || got.ParentID != "br-1" || got.Level != domain.LevelTask {
		t.Fatalf("unexpected record %+v", got)
	}
}

func TestCreateRequiresParent(t *testing.T) {
	repos := NewStore().Repositories()
	_, err := repos.Branch.Create(context.Background(), "t1", "br-1", "proj-missing", domain.Document{})
	if !errors.Is(err, domain.ErrParentNotFound) {
		t.Fatalf("expected parent-not-found, got %v", err)
	}
}

func TestCreateDuplicateFails(t *testing.T) {
	repos := NewStore().Repositories()
	seedHierarchy(t, repos, "t1")
	_, err := repos.Project.Create(context.Background(), "t1", "proj-1", domain.GlobalID, domain.Document{})
	if !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected already-exists, got %v", err)
	}
}

func TestUpdateMergesAndBumpsVersion(t *testing.T) {
	repos := NewStore().Repositories()
	seedHierarchy(t, repos, "t1")
	ctx := context.Background()

	updated, err := repos.Task.Update(ctx, "t1", "task-1", 1, domain.MustDocument(map[string]any{"status": "active"}))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("version = %d, want 2", updated.Version)
	}
	if updated.Data["status"].Scalar() != "active" {
		t.Fatalf("patch not applied: %v", updated.Data.ToMap())
	}

	_, err = repos.Task.Update(ctx, "t1", "task-1", 1, domain.Document{})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("stale version must conflict, got %v", err)
	}
}

func TestDeletedIDIsNeverReused(t *testing.T) {
	repos := NewStore().Repositories()
	seedHierarchy(t, repos, "t1")
	ctx := context.Background()

	if err := repos.Task.Delete(ctx, "t1", "task-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repos.Task.Get(ctx, "t1", "task-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("deleted record must read as not-found, got %v", err)
	}
	if _, err := repos.Task.Update(ctx, "t1", "task-1", 1, domain.Document{}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("update of deleted record must fail not-found, got %v", err)
	}
	if _, err := repos.Task.Create(ctx, "t1", "task-1", "br-1", domain.Document{}); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("tombstoned id must not be reusable, got %v", err)
	}
}

func TestTenantIsolation(t *testing.T) {
	repos := NewStore().Repositories()
	seedHierarchy(t, repos, "t1")
	ctx := context.Background()

	_, err := repos.Project.Get(ctx, "t2", "proj-1")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("foreign record must present as not-found, got %v", err)
	}
	if !domain.IsCrossTenant(err) {
		t.Fatalf("store must classify the probe as a cross-tenant denial")
	}

	seedHierarchy(t, repos, "t2")
	records, err := repos.Project.List(ctx, "t2", domain.ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, record := range records {
		if record.TenantID != "t2" {
			t.Fatalf("list leaked record from tenant %s", record.TenantID)
		}
	}
}

func TestSameIDAcrossTenants(t *testing.T) {
	repos := NewStore().Repositories()
	seedHierarchy(t, repos, "t1")
	seedHierarchy(t, repos, "t2")

	a, err := repos.Task.Get(context.Background(), "t1", "task-1")
	if err != nil {
		t.Fatalf("tenant 1 get: %v", err)
	}
	b, err := repos.Task.Get(context.Background(), "t2", "task-1")
	if err != nil {
		t.Fatalf("tenant 2 get: %v", err)
	}
	if a.TenantID == b.TenantID {
		t.Fatalf("expected distinct tenants sharing an id")
	}
}

func TestListFilters(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	current := base
	store := NewStore().WithClock(func() time.Time { return current })
	repos := store.Repositories()
	ctx := context.Background()

	seedHierarchy(t, repos, "t1")
	if _, err := repos.Branch.Create(ctx, "t1", "br-2", "proj-1", domain.MustDocument(map[string]any{"focus": "perf"})); err != nil {
		t.Fatalf("create second branch: %v", err)
	}

	current = base.Add(time.Hour)
	if _, err := repos.Branch.Update(ctx, "t1", "br-2", 1, domain.Document{}); err != nil {
		t.Fatalf("touch branch: %v", err)
	}

	byParent, err := repos.Branch.List(ctx, "t1", domain.ListFilter{ParentID: "proj-1"})
	if err != nil || len(byParent) != 2 {
		t.Fatalf("list by parent: %v, %d records", err, len(byParent))
	}
	byField, err := repos.Branch.List(ctx, "t1", domain.ListFilter{HasField: "focus"})
	if err != nil || len(byField) != 1 || byField[0].ID != "br-2" {
		t.Fatalf("list by field: %v, %+v", err, byField)
	}
	recent, err := repos.Branch.List(ctx, "t1", domain.ListFilter{UpdatedSince: base.Add(time.Minute)})
	if err != nil || len(recent) != 1 || recent[0].ID != "br-2" {
		t.Fatalf("list by updated-since: %v, %+v", err, recent)
	}
}

func TestGetReturnsClones(t *testing.T) {
	repos := NewStore().Repositories()
	seedHierarchy(t, repos, "t1")
	ctx := context.Background()

	first, err := repos.Global.Get(ctx, "t1", domain.GlobalID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	first.Data["org"] = domain.StringValue("tampered")

	second, err := repos.Global.Get(ctx, "t1", domain.GlobalID)
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if second.Data["org"].Scalar() != "t1" {
		t.Fatalf("caller mutation leaked into store: %v", second.Data.ToMap())
	}
}
