package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"contextcore/pkg/domain"

	"github.com/google/uuid"
)

// insightRetries bounds AddInsight's re-read cycle on version conflicts.
const insightRetries = 3

// Service is the sole entry point other subsystems call. It sequences the
// repositories, the resolver, the delegation engine, the cache, and change
// event emission. Every call is tenant-scoped; the repositories enforce the
// boundary, not just this facade.
type Service struct {
	repos      domain.RepositorySet
	resolver   *Resolver
	delegation *DelegationEngine
	cache      Cache
	notifier   domain.ChangeNotifier
	logger     *slog.Logger
	metrics    MetricsRecorder
	audit      AuditRecorder
	clock      func() time.Time
	viewTTL    time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithCache injects the cache layer. Defaults to a TagCache; tests commonly
// substitute NoopCache.
func WithCache(cache Cache) Option {
	return func(s *Service) {
		if cache != nil {
			s.cache = cache
		}
	}
}

// WithNotifier injects the change notifier receiving one emit attempt per
// successful mutation.
func WithNotifier(notifier domain.ChangeNotifier) Option {
	return func(s *Service) { s.notifier = notifier }
}

// WithLogger injects the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetricsRecorder injects the metrics recorder observing every operation.
func WithMetricsRecorder(metrics MetricsRecorder) Option {
	return func(s *Service) { s.metrics = metrics }
}

// WithAuditRecorder injects the audit recorder receiving mutating operations.
func WithAuditRecorder(audit AuditRecorder) Option {
	return func(s *Service) { s.audit = audit }
}

// WithClock overrides the timestamp source. Intended for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithViewTTL overrides the cache lifetime of resolved views and lists.
// Values above the cache's constructor TTL are capped by the backing LRU.
func WithViewTTL(ttl time.Duration) Option {
	return func(s *Service) { s.viewTTL = ttl }
}

// NewService constructs a service over the given repositories.
func NewService(repos domain.RepositorySet, opts ...Option) *Service {
	resolver := NewResolver(repos)
	s := &Service{
		repos:      repos,
		resolver:   resolver,
		delegation: NewDelegationEngine(repos, resolver),
		cache:      NewTagCache(0, 0),
		logger:     slog.Default(),
		clock:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateContext persists a new record at the given level. PROJECT records
// default their parent to the tenant's GLOBAL context, which is lazily
// created on first use.
func (s *Service) CreateContext(ctx context.Context, tenantID string, level domain.ScopeLevel, id, parentID string, data domain.Document) (record domain.ContextRecord, err error) {
	defer s.observe(ctx, "create_context", s.clock())(tenantID, level, &id, &err)

	repo, ok := s.repos.ForLevel(level)
	if !ok {
		return domain.ContextRecord{}, fmt.Errorf("unknown scope level %q", level)
	}
	switch level {
	case domain.LevelGlobal:
		if id == "" {
			id = domain.GlobalID
		}
		if id != domain.GlobalID {
			return domain.ContextRecord{}, fmt.Errorf("global context id is fixed to %q", domain.GlobalID)
		}
		if parentID != "" {
			return domain.ContextRecord{}, fmt.Errorf("global context cannot have a parent")
		}
	case domain.LevelProject:
		if parentID == "" {
			parentID = domain.GlobalID
		}
		if _, err := s.ensureGlobal(ctx, tenantID); err != nil {
			return domain.ContextRecord{}, err
		}
	default:
		if parentID == "" {
			return domain.ContextRecord{}, domain.NewParentNotFound(tenantID, level, parentID)
		}
	}

	record, err = repo.Create(ctx, tenantID, id, parentID, data)
	if err != nil {
		return domain.ContextRecord{}, s.sanitize(err)
	}
	s.invalidate(tenantID, level, id)
	s.emit(ctx, tenantID, level, id, domain.OperationCreated, record.Version)
	return record, nil
}

// GetContext returns the stored record without inheritance resolution.
func (s *Service) GetContext(ctx context.Context, tenantID string, level domain.ScopeLevel, id string) (record domain.ContextRecord, err error) {
	start := s.clock()
	defer func() { s.observeRead(ctx, "get_context", start, err) }()

	repo, ok := s.repos.ForLevel(level)
	if !ok {
		return domain.ContextRecord{}, fmt.Errorf("unknown scope level %q", level)
	}
	if level == domain.LevelGlobal {
		if id != "" && id != domain.GlobalID {
			return domain.ContextRecord{}, domain.NewNotFound(tenantID, level, id)
		}
		return s.ensureGlobal(ctx, tenantID)
	}
	record, err = repo.Get(ctx, tenantID, id)
	if err != nil {
		return domain.ContextRecord{}, s.sanitize(err)
	}
	return record, nil
}

// UpdateContext deep-merges patch into the record's data. expectedVersion
// must match the current version; a conflict is safe to retry after a fresh
// read.
func (s *Service) UpdateContext(ctx context.Context, tenantID string, level domain.ScopeLevel, id string, expectedVersion int64, patch domain.Document) (record domain.ContextRecord, err error) {
	defer s.observe(ctx, "update_context", s.clock())(tenantID, level, &id, &err)

	repo, ok := s.repos.ForLevel(level)
	if !ok {
		return domain.ContextRecord{}, fmt.Errorf("unknown scope level %q", level)
	}
	record, err = repo.Update(ctx, tenantID, id, expectedVersion, patch)
	if err != nil {
		return domain.ContextRecord{}, s.sanitize(err)
	}
	s.invalidate(tenantID, level, id)
	s.emit(ctx, tenantID, level, id, domain.OperationUpdated, record.Version)
	return record, nil
}

// DeleteContext tombstones the record. Deletion never cascades: descendants
// are left in place (their resolution fails broken-chain until re-parented
// by the owning business entity's own lifecycle). The GLOBAL context cannot
// be deleted while any descendant exists.
func (s *Service) DeleteContext(ctx context.Context, tenantID string, level domain.ScopeLevel, id string) (err error) {
	defer s.observe(ctx, "delete_context", s.clock())(tenantID, level, &id, &err)

	repo, ok := s.repos.ForLevel(level)
	if !ok {
		return fmt.Errorf("unknown scope level %q", level)
	}
	if level == domain.LevelGlobal {
		projects, err := s.repos.Project.List(ctx, tenantID, domain.ListFilter{})
		if err != nil {
			return err
		}
		if len(projects) > 0 {
			return fmt.Errorf("global context cannot be deleted while descendants exist")
		}
	}
	if err := repo.Delete(ctx, tenantID, id); err != nil {
		return s.sanitize(err)
	}
	s.invalidate(tenantID, level, id)
	s.emit(ctx, tenantID, level, id, domain.OperationDeleted, 0)
	return nil
}

// ResolveContext returns the effective view for the node. With inheritance
// the node is merged with its resolved ancestors, descendant layers winning;
// without, the view carries only the node's own stored data.
func (s *Service) ResolveContext(ctx context.Context, tenantID string, level domain.ScopeLevel, id string, includeInherited bool) (view domain.EffectiveView, err error) {
	start := s.clock()
	defer func() { s.observeRead(ctx, "resolve_context", start, err) }()

	if level == domain.LevelGlobal {
		if _, err := s.ensureGlobal(ctx, tenantID); err != nil {
			return domain.EffectiveView{}, err
		}
		if id == "" {
			id = domain.GlobalID
		}
	}

	key := ViewKey{TenantID: tenantID, Level: level, ID: id, IncludeInherited: includeInherited}
	if cached, hit, cerr := s.cache.GetView(key); cerr != nil {
		s.logger.Warn("cache read failed, resolving fresh", "error", cerr)
	} else if hit {
		return cached, nil
	}

	// The snapshot must predate the repository reads so a concurrent
	// mutation's invalidation fences this put.
	snap := s.cache.Snapshot()
	view, chain, err := s.resolver.Resolve(ctx, tenantID, level, id, includeInherited)
	if err != nil {
		return domain.EffectiveView{}, s.sanitize(err)
	}
	tags := make([]Tag, 0, len(chain))
	for _, layer := range chain {
		tags = append(tags, NodeTag(tenantID, layer.Level, layer.ID))
	}
	if cerr := s.cache.PutView(key, view, tags, s.viewTTL, snap); cerr != nil {
		s.logger.Warn("cache write failed", "error", cerr)
	}
	return view, nil
}

// DelegateContext promotes a fragment from a descendant scope into a strict
// ancestor. The target write and the audit append are two separate steps;
// see the delegation engine for the recovery story.
func (s *Service) DelegateContext(ctx context.Context, tenantID string, input DelegationInput) (record domain.DelegationRecord, err error) {
	defer s.observe(ctx, "delegate_context", s.clock())(tenantID, input.SourceLevel, &input.SourceID, &err)

	record, updated, err := s.delegation.Delegate(ctx, tenantID, input)
	if err != nil {
		return domain.DelegationRecord{}, s.sanitize(err)
	}
	s.invalidate(tenantID, record.TargetLevel, record.TargetID)
	if s.audit != nil {
		s.audit.Record(ctx, AuditEntry{
			ID:         NewAuditEntryID(),
			Operation:  "delegate_context",
			Status:     AuditSuccess,
			TenantID:   tenantID,
			Level:      record.TargetLevel,
			RecordID:   record.TargetID,
			Actor:      input.DelegatedBy,
			Detail:     input.Reason,
			Delegation: &record,
			OccurredAt: s.clock(),
		})
	}
	s.emit(ctx, tenantID, record.TargetLevel, record.TargetID, domain.OperationDelegated, updated.Version)
	return record, nil
}

// Insight is a structured observation appended to a context's insight list.
type Insight struct {
	Category string
	Content  string
	Tags     []string
	Author   string
}

// AddInsight appends a structured insight to the record's "insights" list.
// It is a convenience over UpdateContext that reads the current version and
// retries a bounded number of times on conflict.
func (s *Service) AddInsight(ctx context.Context, tenantID string, level domain.ScopeLevel, id string, insight Insight) (record domain.ContextRecord, err error) {
	defer s.observe(ctx, "add_insight", s.clock())(tenantID, level, &id, &err)

	repo, ok := s.repos.ForLevel(level)
	if !ok {
		return domain.ContextRecord{}, fmt.Errorf("unknown scope level %q", level)
	}
	tagValues := make([]domain.Value, 0, len(insight.Tags))
	for _, tag := range insight.Tags {
		tagValues = append(tagValues, domain.StringValue(tag))
	}
	entry := domain.Document{
		"id":          domain.StringValue(uuid.NewString()),
		"category":    domain.StringValue(insight.Category),
		"content":     domain.StringValue(insight.Content),
		"recorded_at": domain.StringValue(s.clock().Format(time.RFC3339Nano)),
	}
	if insight.Author != "" {
		entry["author"] = domain.StringValue(insight.Author)
	}
	if len(tagValues) > 0 {
		entry["tags"] = domain.ListValue(tagValues...)
	}
	patch := domain.Document{"insights": domain.ListValue(domain.ObjectValue(entry))}

	for attempt := 0; ; attempt++ {
		current, gerr := repo.Get(ctx, tenantID, id)
		if gerr != nil {
			return domain.ContextRecord{}, s.sanitize(gerr)
		}
		record, err = repo.Update(ctx, tenantID, id, current.Version, patch)
		if err == nil {
			break
		}
		if errors.Is(err, domain.ErrConflict) && attempt < insightRetries {
			continue
		}
		return domain.ContextRecord{}, s.sanitize(err)
	}
	s.invalidate(tenantID, level, id)
	s.emit(ctx, tenantID, level, id, domain.OperationUpdated, record.Version)
	return record, nil
}

// ListContexts returns the tenant's records at the level matching the
// filter. Results are cached and tagged so any mutation at the level drops
// them.
func (s *Service) ListContexts(ctx context.Context, tenantID string, level domain.ScopeLevel, filter domain.ListFilter) (records []domain.ContextRecord, err error) {
	start := s.clock()
	defer func() { s.observeRead(ctx, "list_contexts", start, err) }()

	repo, ok := s.repos.ForLevel(level)
	if !ok {
		return nil, fmt.Errorf("unknown scope level %q", level)
	}
	key := ListKey{TenantID: tenantID, Level: level, Fingerprint: FingerprintFilter(filter)}
	if cached, hit, cerr := s.cache.GetList(key); cerr != nil {
		s.logger.Warn("cache read failed, listing fresh", "error", cerr)
	} else if hit {
		return cached, nil
	}

	snap := s.cache.Snapshot()
	records, err = repo.List(ctx, tenantID, filter)
	if err != nil {
		return nil, s.sanitize(err)
	}
	tags := make([]Tag, 0, len(records)+1)
	tags = append(tags, ListTag(tenantID, level))
	for _, record := range records {
		tags = append(tags, NodeTag(tenantID, record.Level, record.ID))
	}
	if cerr := s.cache.PutList(key, records, tags, s.viewTTL, snap); cerr != nil {
		s.logger.Warn("cache write failed", "error", cerr)
	}
	return records, nil
}

// ensureGlobal lazily creates the tenant's GLOBAL context with an empty
// payload. Concurrent first access races safely: the repository's
// create-if-absent semantics pick one winner and the loser re-reads.
func (s *Service) ensureGlobal(ctx context.Context, tenantID string) (domain.ContextRecord, error) {
	record, err := s.repos.Global.Get(ctx, tenantID, domain.GlobalID)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.ContextRecord{}, s.sanitize(err)
	}
	record, err = s.repos.Global.Create(ctx, tenantID, domain.GlobalID, "", domain.Document{})
	if err == nil {
		s.invalidate(tenantID, domain.LevelGlobal, domain.GlobalID)
		s.emit(ctx, tenantID, domain.LevelGlobal, domain.GlobalID, domain.OperationCreated, record.Version)
		return record, nil
	}
	if errors.Is(err, domain.ErrAlreadyExists) {
		record, err = s.repos.Global.Get(ctx, tenantID, domain.GlobalID)
		if err != nil {
			return domain.ContextRecord{}, s.sanitize(err)
		}
		return record, nil
	}
	return domain.ContextRecord{}, s.sanitize(err)
}

// invalidate synchronously drops every cache entry depending on the node
// before the mutating call returns. Cache failure never fails the mutation:
// the fallback is a full purge, degrading to always-resolve-fresh rather
// than serving stale views.
func (s *Service) invalidate(tenantID string, level domain.ScopeLevel, id string) {
	tags := []Tag{NodeTag(tenantID, level, id), ListTag(tenantID, level)}
	if err := s.cache.InvalidateTags(tags...); err != nil {
		s.logger.Warn("tag invalidation failed, purging cache", "error", err)
		if err := s.cache.InvalidateAll(); err != nil {
			s.logger.Error("cache purge failed; cache entries may be stale until expiry",
				"tenant_id", tenantID, "level", string(level), "id", id, "error", err)
		}
	}
}

// emit makes exactly one delivery attempt per successful mutation. Failure
// is logged and never rolls back the mutation.
func (s *Service) emit(ctx context.Context, tenantID string, level domain.ScopeLevel, id string, op domain.Operation, version int64) {
	if s.notifier == nil {
		return
	}
	event := domain.ChangeEvent{
		EventID:   uuid.NewString(),
		TenantID:  tenantID,
		Level:     level,
		ID:        id,
		Operation: op,
		Version:   version,
		Timestamp: s.clock(),
	}
	if err := s.notifier.Emit(ctx, event); err != nil {
		s.logger.Error("change event emission failed",
			"tenant_id", tenantID, "level", string(level), "id", id, "operation", string(op), "error", err)
	}
}

// sanitize rewrites cross-tenant denials into plain not-found errors so the
// two are indistinguishable to callers, logging the denial distinctly.
func (s *Service) sanitize(err error) error {
	if err == nil {
		return nil
	}
	var typed *domain.Error
	if errors.As(err, &typed) && typed.Code == domain.CodeCrossTenantDenied {
		s.logger.Warn("cross-tenant access denied",
			"tenant_id", typed.TenantID, "level", string(typed.Level), "id", typed.ID)
		return domain.NewNotFound(typed.TenantID, typed.Level, typed.ID)
	}
	return err
}

// observe wraps a mutating operation with metrics and audit recording.
func (s *Service) observe(ctx context.Context, op string, start time.Time) func(tenantID string, level domain.ScopeLevel, id *string, err *error) {
	return func(tenantID string, level domain.ScopeLevel, id *string, err *error) {
		success := *err == nil
		if s.metrics != nil {
			s.metrics.Observe(ctx, op, success, s.clock().Sub(start))
		}
		if s.audit == nil || op == "delegate_context" && success {
			// Successful delegations record a richer entry inline.
			return
		}
		status := AuditSuccess
		detail := ""
		if !success {
			status = AuditFailure
			detail = (*err).Error()
		}
		s.audit.Record(ctx, AuditEntry{
			ID:         NewAuditEntryID(),
			Operation:  op,
			Status:     status,
			TenantID:   tenantID,
			Level:      level,
			RecordID:   *id,
			Detail:     detail,
			OccurredAt: s.clock(),
		})
	}
}

// observeRead records metrics for read operations, which are not audited.
func (s *Service) observeRead(ctx context.Context, op string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.Observe(ctx, op, err == nil, s.clock().Sub(start))
	}
}
