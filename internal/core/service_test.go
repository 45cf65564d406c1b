package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"contextcore/internal/infra/persistence/memory"
	"contextcore/pkg/domain"
)

type serviceFixture struct {
	service  *Service
	repos    domain.RepositorySet
	notifier *MemoryNotifier
	audit    *MemoryAuditLog
}

func newFixture(t *testing.T, opts ...Option) *serviceFixture {
	t.Helper()
	repos := memory.NewStore().Repositories()
	notifier := &MemoryNotifier{}
	audit := &MemoryAuditLog{}
	base := []Option{
		WithNotifier(notifier),
		WithAuditRecorder(audit),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	service := NewService(repos, append(base, opts...)...)
	return &serviceFixture{service: service, repos: repos, notifier: notifier, audit: audit}
}

func (f *serviceFixture) seed(t *testing.T, tenantID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.service.CreateContext(ctx, tenantID, domain.LevelProject, "proj-1", "", domain.MustDocument(map[string]any{"team": "payments"})); err != nil {
		t.Fatalf("create project: %v", err)
	}
	if _, err := f.service.CreateContext(ctx, tenantID, domain.LevelBranch, "br-1", "proj-1", domain.Document{}); err != nil {
		t.Fatalf("create branch: %v", err)
	}
	if _, err := f.service.CreateContext(ctx, tenantID, domain.LevelTask, "task-1", "br-1", domain.MustDocument(map[string]any{"status": "open"})); err != nil {
		t.Fatalf("create task: %v", err)
	}
}

func TestCreateProjectLazilyCreatesGlobal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	record, err := f.service.CreateContext(ctx, "t1", domain.LevelProject, "proj-1", "", domain.Document{})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if record.ParentID != domain.GlobalID {
		t.Fatalf("project parent = %s, want %s", record.ParentID, domain.GlobalID)
	}
	global, err := f.repos.Global.Get(ctx, "t1", domain.GlobalID)
	if err != nil {
		t.Fatalf("global must exist after first use: %v", err)
	}
	if global.Version != 1 || len(global.Data) != 0 {
		t.Fatalf("global must start empty at version 1, got %+v", global)
	}
}

func TestGetContextGlobalEnsure(t *testing.T) {
	f := newFixture(t)
	record, err := f.service.GetContext(context.Background(), "t9", domain.LevelGlobal, domain.GlobalID)
	if err != nil {
		t.Fatalf("get global: %v", err)
	}
	if record.ID != domain.GlobalID || record.TenantID != "t9" {
		t.Fatalf("unexpected global %+v", record)
	}
}

func TestCreateRejectsBadGlobalShape(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.service.CreateContext(ctx, "t1", domain.LevelGlobal, "custom", "", domain.Document{}); err == nil {
		t.Fatalf("global id is fixed; custom ids must fail")
	}
	if _, err := f.service.CreateContext(ctx, "t1", domain.LevelBranch, "br-1", "", domain.Document{}); !errors.Is(err, domain.ErrParentNotFound) {
		t.Fatalf("branch without parent must fail parent-not-found, got %v", err)
	}
}

func TestResolveReadYourWrite(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "t1")
	ctx := context.Background()

	first, err := f.service.ResolveContext(ctx, "t1", domain.LevelTask, "task-1", true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if first.Data["team"].Scalar() != "payments" {
		t.Fatalf("inherited field missing: %v", first.Data.ToMap())
	}

	task, err := f.service.GetContext(ctx, "t1", domain.LevelTask, "task-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := f.service.UpdateContext(ctx, "t1", domain.LevelTask, "task-1", task.Version, domain.MustDocument(map[string]any{"status": "done"})); err != nil {
		t.Fatalf("update: %v", err)
	}

	second, err := f.service.ResolveContext(ctx, "t1", domain.LevelTask, "task-1", true)
	if err != nil {
		t.Fatalf("resolve after update: %v", err)
	}
	if second.Data["status"].Scalar() != "done" {
		t.Fatalf("stale view served after own write: %v", second.Data.ToMap())
	}
}

func TestAncestorUpdateInvalidatesDescendantViews(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "t1")
	ctx := context.Background()

	if _, err := f.service.ResolveContext(ctx, "t1", domain.LevelTask, "task-1", true); err != nil {
		t.Fatalf("warm cache: %v", err)
	}

	project, err := f.service.GetContext(ctx, "t1", domain.LevelProject, "proj-1")
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if _, err := f.service.UpdateContext(ctx, "t1", domain.LevelProject, "proj-1", project.Version, domain.MustDocument(map[string]any{"team": "billing"})); err != nil {
		t.Fatalf("update project: %v", err)
	}

	view, err := f.service.ResolveContext(ctx, "t1", domain.LevelTask, "task-1", true)
	if err != nil {
		t.Fatalf("resolve descendant: %v", err)
	}
	if view.Data["team"].Scalar() != "billing" {
		t.Fatalf("descendant view stale after ancestor write: %v", view.Data.ToMap())
	}
}

func TestListCachingAndInvalidation(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "t1")
	ctx := context.Background()

	first, err := f.service.ListContexts(ctx, "t1", domain.LevelBranch, domain.ListFilter{ParentID: "proj-1"})
	if err != nil || len(first) != 1 {
		t.Fatalf("list: %v, %d records", err, len(first))
	}
	if _, err := f.service.CreateContext(ctx, "t1", domain.LevelBranch, "br-2", "proj-1", domain.Document{}); err != nil {
		t.Fatalf("create second branch: %v", err)
	}
	second, err := f.service.ListContexts(ctx, "t1", domain.LevelBranch, domain.ListFilter{ParentID: "proj-1"})
	if err != nil || len(second) != 2 {
		t.Fatalf("stale list after create: %v, %d records", err, len(second))
	}
}

func TestDeleteGuardsGlobalWithDescendants(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "t1")
	ctx := context.Background()

	if err := f.service.DeleteContext(ctx, "t1", domain.LevelGlobal, domain.GlobalID); err == nil {
		t.Fatalf("global delete must fail while projects exist")
	}

	if err := f.service.DeleteContext(ctx, "t1", domain.LevelTask, "task-1"); err != nil {
		t.Fatalf("delete task: %v", err)
	}
	if _, err := f.service.GetContext(ctx, "t1", domain.LevelTask, "task-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("deleted task must read not-found, got %v", err)
	}
}

func TestDeleteLeavesDescendantsBroken(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "t1")
	ctx := context.Background()

	if err := f.service.DeleteContext(ctx, "t1", domain.LevelBranch, "br-1"); err != nil {
		t.Fatalf("delete branch: %v", err)
	}
	_, err := f.service.ResolveContext(ctx, "t1", domain.LevelTask, "task-1", true)
	if !errors.Is(err, domain.ErrBrokenChain) {
		t.Fatalf("orphaned task must fail broken-chain, got %v", err)
	}
	// The orphan's own data stays readable.
	if _, err := f.service.ResolveContext(ctx, "t1", domain.LevelTask, "task-1", false); err != nil {
		t.Fatalf("uninherited resolve of orphan: %v", err)
	}
}

func TestUpdateConflictSurfaces(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "t1")
	ctx := context.Background()

	if _, err := f.service.UpdateContext(ctx, "t1", domain.LevelTask, "task-1", 99, domain.Document{}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestChangeEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.service.CreateContext(ctx, "t1", domain.LevelProject, "proj-1", "", domain.Document{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	project, _ := f.service.GetContext(ctx, "t1", domain.LevelProject, "proj-1")
	if _, err := f.service.UpdateContext(ctx, "t1", domain.LevelProject, "proj-1", project.Version, domain.MustDocument(map[string]any{"k": "v"})); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := f.service.DeleteContext(ctx, "t1", domain.LevelProject, "proj-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	events := f.notifier.Events()
	// Lazy global creation emits first, then the project lifecycle.
	var ops []domain.Operation
	for _, event := range events {
		if event.ID == "proj-1" {
			ops = append(ops, event.Operation)
		}
	}
	want := []domain.Operation{domain.OperationCreated, domain.OperationUpdated, domain.OperationDeleted}
	if len(ops) != len(want) {
		t.Fatalf("project events = %v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s", i, ops[i], want[i])
		}
	}
	for _, event := range events {
		if event.EventID == "" || event.TenantID != "t1" || event.Timestamp.IsZero() {
			t.Fatalf("malformed event %+v", event)
		}
	}
}

func TestAddInsightAppends(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "t1")
	ctx := context.Background()

	if _, err := f.service.AddInsight(ctx, "t1", domain.LevelTask, "task-1", Insight{
		Category: "performance",
		Content:  "batch the writes",
		Tags:     []string{"db"},
		Author:   "agent-3",
	}); err != nil {
		t.Fatalf("first insight: %v", err)
	}
	record, err := f.service.AddInsight(ctx, "t1", domain.LevelTask, "task-1", Insight{
		Category: "risk",
		Content:  "migration locks the table",
	})
	if err != nil {
		t.Fatalf("second insight: %v", err)
	}

	insights := record.Data["insights"].List()
	if len(insights) != 2 {
		t.Fatalf("insights = %d entries, want 2", len(insights))
	}
	first := insights[0].Object()
	if first["category"].Scalar() != "performance" || first["author"].Scalar() != "agent-3" {
		t.Fatalf("unexpected first insight %v", first.ToMap())
	}
	if first["id"].Scalar() == "" || first["recorded_at"].Scalar() == "" {
		t.Fatalf("insight must carry id and timestamp")
	}
	if insights[1].Object()["category"].Scalar() != "risk" {
		t.Fatalf("unexpected second insight")
	}
}

func TestCrossTenantReadsPresentAsNotFound(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "t1")
	ctx := context.Background()

	_, err := f.service.GetContext(ctx, "t2", domain.LevelProject, "proj-1")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
	if domain.IsCrossTenant(err) {
		t.Fatalf("service must strip the cross-tenant marker before returning")
	}
}

// failingCache errors on every call, standing in for a lost cache backend.
type failingCache struct{}

var errCacheDown = fmt.Errorf("%w: backend unreachable", domain.ErrCacheUnavailable)

func (failingCache) Snapshot() Snapshot { return 0 }
func (failingCache) GetView(ViewKey) (domain.EffectiveView, bool, error) {
	return domain.EffectiveView{}, false, errCacheDown
}
func (failingCache) PutView(ViewKey, domain.EffectiveView, []Tag, time.Duration, Snapshot) error {
	return errCacheDown
}
func (failingCache) GetList(ListKey) ([]domain.ContextRecord, bool, error) {
	return nil, false, errCacheDown
}
func (failingCache) PutList(ListKey, []domain.ContextRecord, []Tag, time.Duration, Snapshot) error {
	return errCacheDown
}
func (failingCache) InvalidateTags(...Tag) error { return errCacheDown }
func (failingCache) InvalidateAll() error        { return errCacheDown }

func TestCacheFailuresAreAbsorbed(t *testing.T) {
	f := newFixture(t, WithCache(failingCache{}))
	f.seed(t, "t1")
	ctx := context.Background()

	view, err := f.service.ResolveContext(ctx, "t1", domain.LevelTask, "task-1", true)
	if err != nil {
		t.Fatalf("resolve must degrade to fresh reads, got %v", err)
	}
	if view.Data["team"].Scalar() != "payments" {
		t.Fatalf("unexpected view %v", view.Data.ToMap())
	}

	task, _ := f.service.GetContext(ctx, "t1", domain.LevelTask, "task-1")
	if _, err := f.service.UpdateContext(ctx, "t1", domain.LevelTask, "task-1", task.Version, domain.MustDocument(map[string]any{"status": "done"})); err != nil {
		t.Fatalf("mutation must never fail on cache errors, got %v", err)
	}
	if _, err := f.service.ListContexts(ctx, "t1", domain.LevelTask, domain.ListFilter{}); err != nil {
		t.Fatalf("list must degrade to fresh reads, got %v", err)
	}
}

// holdingCache parks the first PutView until released, opening the window
// between a resolve's repository reads and its cache publish.
type holdingCache struct {
	inner   Cache
	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func newHoldingCache(inner Cache) *holdingCache {
	return &holdingCache{
		inner:   inner,
		armed:   true,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (c *holdingCache) Snapshot() Snapshot { return c.inner.Snapshot() }
func (c *holdingCache) GetView(key ViewKey) (domain.EffectiveView, bool, error) {
	return c.inner.GetView(key)
}
func (c *holdingCache) PutView(key ViewKey, view domain.EffectiveView, tags []Tag, ttl time.Duration, snap Snapshot) error {
	c.mu.Lock()
	hold := c.armed
	c.armed = false
	c.mu.Unlock()
	if hold {
		close(c.entered)
		<-c.release
	}
	return c.inner.PutView(key, view, tags, ttl, snap)
}
func (c *holdingCache) GetList(key ListKey) ([]domain.ContextRecord, bool, error) {
	return c.inner.GetList(key)
}
func (c *holdingCache) PutList(key ListKey, records []domain.ContextRecord, tags []Tag, ttl time.Duration, snap Snapshot) error {
	return c.inner.PutList(key, records, tags, ttl, snap)
}
func (c *holdingCache) InvalidateTags(tags ...Tag) error { return c.inner.InvalidateTags(tags...) }
func (c *holdingCache) InvalidateAll() error             { return c.inner.InvalidateAll() }

func TestResolveRacingWithWriteNeverCachesStaleView(t *testing.T) {
	gate := newHoldingCache(NewTagCache(16, time.Minute))
	f := newFixture(t, WithCache(gate))
	ctx := context.Background()

	if _, err := f.service.CreateContext(ctx, "t1", domain.LevelProject, "proj-1", "", domain.MustDocument(map[string]any{"flag": "old"})); err != nil {
		t.Fatalf("create project: %v", err)
	}

	// The racing resolve reads the pre-write record, then parks before
	// publishing its view.
	done := make(chan error, 1)
	go func() {
		_, err := f.service.ResolveContext(ctx, "t1", domain.LevelProject, "proj-1", true)
		done <- err
	}()
	<-gate.entered

	project, err := f.service.GetContext(ctx, "t1", domain.LevelProject, "proj-1")
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if _, err := f.service.UpdateContext(ctx, "t1", domain.LevelProject, "proj-1", project.Version, domain.MustDocument(map[string]any{"flag": "new"})); err != nil {
		t.Fatalf("update project: %v", err)
	}

	// Let the parked publish through; its reads predate the invalidation,
	// so it must be fenced out of the cache.
	close(gate.release)
	if err := <-done; err != nil {
		t.Fatalf("racing resolve: %v", err)
	}

	view, err := f.service.ResolveContext(ctx, "t1", domain.LevelProject, "proj-1", true)
	if err != nil {
		t.Fatalf("resolve after write: %v", err)
	}
	if got := view.Data["flag"].Scalar(); got != "new" {
		t.Fatalf("writer observed stale view after its own write: flag=%v", got)
	}
}

func TestGetContextGlobalIDFixed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.service.GetContext(ctx, "t1", domain.LevelGlobal, ""); err != nil {
		t.Fatalf("empty id must resolve the singleton: %v", err)
	}
	if _, err := f.service.GetContext(ctx, "t1", domain.LevelGlobal, "custom"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("non-singleton global id must read not-found, got %v", err)
	}
}

func TestDelegateContextRecordsAudit(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "t1")
	ctx := context.Background()

	record, err := f.service.DelegateContext(ctx, "t1", DelegationInput{
		SourceLevel: domain.LevelTask,
		SourceID:    "task-1",
		TargetLevel: domain.LevelProject,
		Fragment:    domain.MustDocument(map[string]any{"endpoint": "https://api.internal"}),
		Reason:      "shared discovery",
		DelegatedBy: "agent-1",
	})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}

	delegations := f.audit.Delegations()
	if len(delegations) != 1 || delegations[0].ID != record.ID {
		t.Fatalf("expected one delegation audit entry, got %+v", delegations)
	}

	events := f.notifier.Events()
	last := events[len(events)-1]
	if last.Operation != domain.OperationDelegated || last.ID != "proj-1" {
		t.Fatalf("expected delegated event on target, got %+v", last)
	}

	// The promoted fragment now reaches every descendant.
	view, err := f.service.ResolveContext(ctx, "t1", domain.LevelTask, "task-1", true)
	if err != nil {
		t.Fatalf("resolve after delegation: %v", err)
	}
	if view.Data["endpoint"].Scalar() != "https://api.internal" {
		t.Fatalf("delegated field must inherit back down: %v", view.Data.ToMap())
	}
}

func TestFailedOperationsAreAuditedAsFailures(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "t1")
	ctx := context.Background()

	if _, err := f.service.UpdateContext(ctx, "t1", domain.LevelTask, "task-1", 99, domain.Document{}); err == nil {
		t.Fatalf("expected conflict")
	}
	var failures int
	for _, entry := range f.audit.Entries() {
		if entry.Status == AuditFailure && entry.Operation == "update_context" {
			failures++
		}
	}
	if failures != 1 {
		t.Fatalf("expected one failed update audit entry, got %d", failures)
	}
}
