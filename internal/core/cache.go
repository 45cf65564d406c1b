package core

import (
	"fmt"
	"sync"
	"time"

	"contextcore/pkg/domain"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Tag labels a cache entry with a relationship it depends on. Invalidation
// works by tag containment: removing a tag removes every entry carrying it,
// which covers descendants and list results without scanning candidate keys.
type Tag string

// NodeTag labels entries whose contents depend on the given record. A
// resolved view carries the node tag of every record merged into it, so
// mutating an ancestor invalidates all cached descendant views.
func NodeTag(tenantID string, level domain.ScopeLevel, id string) Tag {
	return Tag("node/" + tenantID + "/" + string(level) + "/" + id)
}

// ListTag labels list results scoped to one (tenant, level). Any mutation at
// that level could change membership, so the whole tag is dropped.
func ListTag(tenantID string, level domain.ScopeLevel) Tag {
	return Tag("list/" + tenantID + "/" + string(level))
}

// ViewKey addresses one cached effective view.
type ViewKey struct {
	TenantID         string
	Level            domain.ScopeLevel
	ID               string
	IncludeInherited bool
}

func (k ViewKey) String() string {
	return fmt.Sprintf("view/%s/%s/%s/%t", k.TenantID, k.Level, k.ID, k.IncludeInherited)
}

// ListKey addresses one cached list result. Fingerprint encodes the filter.
type ListKey struct {
	TenantID    string
	Level       domain.ScopeLevel
	Fingerprint string
}

func (k ListKey) String() string {
	return "list/" + k.TenantID + "/" + string(k.Level) + "/" + k.Fingerprint
}

// FingerprintFilter canonicalizes a list filter into a cache key component.
// Fields are length-prefixed so values containing the separator cannot make
// two different filters share a key.
func FingerprintFilter(filter domain.ListFilter) string {
	since := ""
	if !filter.UpdatedSince.IsZero() {
		since = filter.UpdatedSince.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("%d:%s|%d:%s|%d:%s",
		len(filter.ParentID), filter.ParentID,
		len(filter.HasField), filter.HasField,
		len(since), since)
}

// Snapshot marks a point in a cache's invalidation history. Callers take one
// before reading the backing store and hand it to the Put calls; an entry
// whose tags were invalidated after the snapshot is dropped instead of
// stored. Without the fence a slow resolve could publish a view built from
// pre-mutation reads after the mutation's invalidation already ran, and the
// stale view would survive until expiry.
type Snapshot uint64

// Cache is the write-through store of resolved views and list results. A
// backend failure is reported as an error and absorbed by the service: reads
// degrade to resolving fresh, and mutations never fail on invalidation.
type Cache interface {
	// Snapshot captures the current invalidation point. Take it before the
	// store reads that produce the entry handed to a Put call.
	Snapshot() Snapshot
	GetView(key ViewKey) (domain.EffectiveView, bool, error)
	// PutView stores the view unless any of its tags was invalidated after
	// snap, in which case the entry is silently dropped.
	PutView(key ViewKey, view domain.EffectiveView, tags []Tag, ttl time.Duration, snap Snapshot) error
	GetList(key ListKey) ([]domain.ContextRecord, bool, error)
	// PutList stores the records under the same admission rule as PutView.
	PutList(key ListKey, records []domain.ContextRecord, tags []Tag, ttl time.Duration, snap Snapshot) error
	// InvalidateTags synchronously drops every entry carrying any of the tags.
	InvalidateTags(tags ...Tag) error
	// InvalidateAll drops everything.
	InvalidateAll() error
}

type cacheEntry struct {
	view     *domain.EffectiveView
	records  []domain.ContextRecord
	tags     []Tag
	deadline time.Time
}

// TagCache is the default Cache: a bounded LRU with per-entry TTLs plus a
// tag index for relationship invalidation.
type TagCache struct {
	lru *expirable.LRU[string, cacheEntry]

	mu     sync.Mutex
	byTag  map[Tag]map[string]struct{}
	clock  func() time.Time
	defTTL time.Duration

	// epoch counts invalidations; tagEpoch records the epoch at which each
	// tag was last invalidated. A put is admitted only when its snapshot is
	// at least as recent as every tag it carries. floor rejects snapshots
	// predating a full purge or a tagEpoch reset.
	epoch    uint64
	floor    uint64
	tagEpoch map[Tag]uint64
}

// Compile-time contract assertion.
var _ Cache = (*TagCache)(nil)

const (
	defaultCacheSize = 4096
	defaultCacheTTL  = 5 * time.Minute

	// maxTagEpochs bounds the invalidation bookkeeping. Overflowing it
	// resets the map and raises the floor, which only costs cache misses.
	maxTagEpochs = 65536
)

// NewTagCache constructs a tag-indexed cache. size bounds the entry count
// (defaultCacheSize when <= 0) and ttl is the default entry lifetime
// (defaultCacheTTL when <= 0). ttl is also the ceiling: the backing LRU
// expires entries at the constructor TTL, so a longer per-put TTL is cut
// short to it.
func NewTagCache(size int, ttl time.Duration) *TagCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	c := &TagCache{
		byTag:    make(map[Tag]map[string]struct{}),
		clock:    func() time.Time { return time.Now().UTC() },
		defTTL:   ttl,
		tagEpoch: make(map[Tag]uint64),
	}
	// The eviction callback keeps the tag index consistent for both LRU
	// pressure evictions and explicit removals.
	c.lru = expirable.NewLRU[string, cacheEntry](size, c.onEvict, ttl)
	return c
}

func (c *TagCache) onEvict(key string, entry cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tag := range entry.tags {
		if keys, ok := c.byTag[tag]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(c.byTag, tag)
			}
		}
	}
}

func (c *TagCache) index(key string, tags []Tag) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tag := range tags {
		keys, ok := c.byTag[tag]
		if !ok {
			keys = make(map[string]struct{})
			c.byTag[tag] = keys
		}
		keys[key] = struct{}{}
	}
}

func (c *TagCache) get(key string) (cacheEntry, bool) {
	entry, ok := c.lru.Get(key)
	if !ok {
		return cacheEntry{}, false
	}
	if !entry.deadline.IsZero() && c.clock().After(entry.deadline) {
		c.lru.Remove(key)
		return cacheEntry{}, false
	}
	return entry, true
}

func (c *TagCache) put(key string, entry cacheEntry, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defTTL
	}
	entry.deadline = c.clock().Add(ttl)
	// Add may evict under LRU pressure; the callback cleans the index, so
	// index the new key only afterwards.
	c.lru.Add(key, entry)
	c.index(key, entry.tags)
}

// Snapshot returns the current invalidation epoch.
func (c *TagCache) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot(c.epoch)
}

// admit reports whether an entry read at snap is still current for its tags.
func (c *TagCache) admit(snap Snapshot, tags []Tag) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if uint64(snap) < c.floor {
		return false
	}
	for _, tag := range tags {
		if c.tagEpoch[tag] > uint64(snap) {
			return false
		}
	}
	return true
}

// GetView returns the cached effective view for the key, if fresh.
func (c *TagCache) GetView(key ViewKey) (domain.EffectiveView, bool, error) {
	entry, ok := c.get(key.String())
	if !ok || entry.view == nil {
		return domain.EffectiveView{}, false, nil
	}
	return entry.view.Clone(), true, nil
}

// PutView stores a resolved view under the key with the given tags. A view
// whose tags were invalidated after snap is dropped, not stored.
func (c *TagCache) PutView(key ViewKey, view domain.EffectiveView, tags []Tag, ttl time.Duration, snap Snapshot) error {
	if !c.admit(snap, tags) {
		return nil
	}
	cloned := view.Clone()
	c.put(key.String(), cacheEntry{view: &cloned, tags: append([]Tag(nil), tags...)}, ttl)
	return nil
}

// GetList returns the cached list result for the key, if fresh.
func (c *TagCache) GetList(key ListKey) ([]domain.ContextRecord, bool, error) {
	entry, ok := c.get(key.String())
	if !ok || entry.records == nil {
		return nil, false, nil
	}
	out := make([]domain.ContextRecord, len(entry.records))
	for i, record := range entry.records {
		out[i] = record.Clone()
	}
	return out, true, nil
}

// PutList stores a list result under the key with the given tags, under the
// same admission rule as PutView.
func (c *TagCache) PutList(key ListKey, records []domain.ContextRecord, tags []Tag, ttl time.Duration, snap Snapshot) error {
	if !c.admit(snap, tags) {
		return nil
	}
	cloned := make([]domain.ContextRecord, len(records))
	for i, record := range records {
		cloned[i] = record.Clone()
	}
	c.put(key.String(), cacheEntry{records: cloned, tags: append([]Tag(nil), tags...)}, ttl)
	return nil
}

// InvalidateTags drops every entry carrying any of the given tags and
// advances their epochs so in-flight puts built from older reads are fenced.
func (c *TagCache) InvalidateTags(tags ...Tag) error {
	var keys []string
	c.mu.Lock()
	c.epoch++
	for _, tag := range tags {
		c.tagEpoch[tag] = c.epoch
		for key := range c.byTag[tag] {
			keys = append(keys, key)
		}
	}
	if len(c.tagEpoch) > maxTagEpochs {
		c.tagEpoch = make(map[Tag]uint64)
		c.floor = c.epoch
	}
	c.mu.Unlock()
	// Remove fires the eviction callback, which takes the index lock.
	for _, key := range keys {
		c.lru.Remove(key)
	}
	return nil
}

// InvalidateAll drops every entry and fences every outstanding snapshot.
func (c *TagCache) InvalidateAll() error {
	c.mu.Lock()
	c.epoch++
	c.floor = c.epoch
	c.tagEpoch = make(map[Tag]uint64)
	c.mu.Unlock()
	c.lru.Purge()
	return nil
}

// Len reports the live entry count. Intended for tests and metrics.
func (c *TagCache) Len() int { return c.lru.Len() }

// NoopCache never stores anything. It substitutes for the real cache in
// tests and in deployments that want every read resolved fresh.
type NoopCache struct{}

// Compile-time contract assertion.
var _ Cache = NoopCache{}

func (NoopCache) Snapshot() Snapshot { return 0 }
func (NoopCache) GetView(ViewKey) (domain.EffectiveView, bool, error) {
	return domain.EffectiveView{}, false, nil
}
func (NoopCache) PutView(ViewKey, domain.EffectiveView, []Tag, time.Duration, Snapshot) error {
	return nil
}
func (NoopCache) GetList(ListKey) ([]domain.ContextRecord, bool, error) { return nil, false, nil }
func (NoopCache) PutList(ListKey, []domain.ContextRecord, []Tag, time.Duration, Snapshot) error {
	return nil
}
func (NoopCache) InvalidateTags(...Tag) error { return nil }
func (NoopCache) InvalidateAll() error        { return nil }
