// Package sqlite provides a SQLite-backed implementation of the context
// repositories. Records are stored one row per (tenant, level, id) with the
// document payload as a JSON blob.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"contextcore/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Compile-time contract assertion.
var _ domain.Repository = (*levelRepository)(nil)

const schema = `CREATE TABLE IF NOT EXISTS context_records (
	tenant_id  TEXT NOT NULL,
	level      TEXT NOT NULL,
	id         TEXT NOT NULL,
	parent_id  TEXT NOT NULL DEFAULT '',
	data       BLOB NOT NULL,
	version    INTEGER NOT NULL,
	deleted    INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (tenant_id, level, id)
)`

// Store owns the SQLite handle shared by the four level repositories.
// SQLite allows a single writer, so mutations serialize on one mutex.
type Store struct {
	db    *sql.DB
	path  string
	mu    sync.Mutex
	clock func() time.Time
}

// NewStore opens (or creates) the database at path and applies the schema.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "contextcore.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create context_records table: %w", err)
	}
	return &Store{db: db, path: path, clock: func() time.Time { return time.Now().UTC() }}, nil
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

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

type levelRepository struct {
	store *Store
	level domain.ScopeLevel
}

func (r *levelRepository) Level() domain.ScopeLevel { return r.level }

type row struct {
	tenantID  string
	level     string
	id        string
	parentID  string
	data      []byte
	version   int64
	deleted   int
	createdAt string
	updatedAt string
}

func (r *levelRepository) fetch(ctx context.Context, q queryer, tenantID, id string) (row, error) {
	var rec row
	err := q.QueryRowContext(ctx,
		`SELECT tenant_id, level, id, parent_id, data, version, deleted, created_at, updated_at
		 FROM context_records WHERE tenant_id = ? AND level = ? AND id = ?`,
		tenantID, string(r.level), id,
	).Scan(&rec.tenantID, &rec.level, &rec.id, &rec.parentID, &rec.data, &rec.version, &rec.deleted, &rec.createdAt, &rec.updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		foreign, ferr := r.foreignOwner(ctx, q, tenantID, id)
		if ferr != nil {
			return row{}, ferr
		}
		if foreign {
			return row{}, domain.NewCrossTenantDenied(tenantID, r.level, id)
		}
		return row{}, domain.NewNotFound(tenantID, r.level, id)
	}
	if err != nil {
		return row{}, fmt.Errorf("select context record: %w", err)
	}
	if rec.deleted != 0 {
		return row{}, domain.NewNotFound(tenantID, r.level, id)
	}
	return rec, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *levelRepository) foreignOwner(ctx context.Context, q queryer, tenantID, id string) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM context_records WHERE level = ? AND id = ? AND tenant_id <> ?`,
		string(r.level), id, tenantID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("probe owners: %w", err)
	}
	return count > 0, nil
}

func (rec row) toRecord() (domain.ContextRecord, error) {
	var doc domain.Document
	if len(rec.data) > 0 {
		if err := json.Unmarshal(rec.data, &doc); err != nil {
			return domain.ContextRecord{}, fmt.Errorf("decode document: %w", err)
		}
	}
	createdAt, err := time.Parse(time.RFC3339Nano, rec.createdAt)
	if err != nil {
		return domain.ContextRecord{}, fmt.Errorf("parse created_at: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, rec.updatedAt)
	if err != nil {
		return domain.ContextRecord{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return domain.ContextRecord{
		TenantID:  rec.tenantID,
		Level:     domain.ScopeLevel(rec.level),
		ID:        rec.id,
		ParentID:  rec.parentID,
		Data:      doc,
		Version:   rec.version,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}, nil
}

func (r *levelRepository) Get(ctx context.Context, tenantID, id string) (domain.ContextRecord, error) {
	rec, err := r.fetch(ctx, r.store.db, tenantID, id)
	if err != nil {
		return domain.ContextRecord{}, err
	}
	return rec.toRecord()
}

func (r *levelRepository) Create(ctx context.Context, tenantID, id, parentID string, data domain.Document) (domain.ContextRecord, error) {
	if tenantID == "" || id == "" {
		return domain.ContextRecord{}, fmt.Errorf("tenant id and record id are required")
	}
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM context_records WHERE tenant_id = ? AND level = ? AND id = ?`,
		tenantID, string(r.level), id,
	).Scan(&existing)
	if err != nil {
		return domain.ContextRecord{}, fmt.Errorf("probe key: %w", err)
	}
	if existing > 0 {
		// Live or tombstoned; either way the key is consumed.
		return domain.ContextRecord{}, domain.NewAlreadyExists(tenantID, r.level, id)
	}
	if parent, required := r.level.Parent(); required {
		var parents int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM context_records WHERE tenant_id = ? AND level = ? AND id = ? AND deleted = 0`,
			tenantID, string(parent), parentID,
		).Scan(&parents)
		if err != nil {
			return domain.ContextRecord{}, fmt.Errorf("probe parent: %w", err)
		}
		if parents == 0 {
			return domain.ContextRecord{}, domain.NewParentNotFound(tenantID, r.level, parentID)
		}
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return domain.ContextRecord{}, fmt.Errorf("encode document: %w", err)
	}
	now := s.clock().Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO context_records (tenant_id, level, id, parent_id, data, version, deleted, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 1, 0, ?, ?)`,
		tenantID, string(r.level), id, parentID, payload, now, now,
	); err != nil {
		return domain.ContextRecord{}, fmt.Errorf("insert context record: %w", err)
	}
	return r.Get(ctx, tenantID, id)
}

func (r *levelRepository) Update(ctx context.Context, tenantID, id string, expectedVersion int64, patch domain.Document) (domain.ContextRecord, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := r.fetch(ctx, s.db, tenantID, id)
	if err != nil {
		return domain.ContextRecord{}, err
	}
	if rec.version != expectedVersion {
		return domain.ContextRecord{}, domain.NewConflict(tenantID, r.level, id, expectedVersion, rec.version)
	}
	current, err := rec.toRecord()
	if err != nil {
		return domain.ContextRecord{}, err
	}

	merged := current.Data.Merge(patch)
	payload, err := json.Marshal(merged)
	if err != nil {
		return domain.ContextRecord{}, fmt.Errorf("encode document: %w", err)
	}
	now := s.clock().Format(time.RFC3339Nano)
	result, err := s.db.ExecContext(ctx,
		`UPDATE context_records SET data = ?, version = version + 1, updated_at = ?
		 WHERE tenant_id = ? AND level = ? AND id = ? AND version = ? AND deleted = 0`,
		payload, now, tenantID, string(r.level), id, expectedVersion,
	)
	if err != nil {
		return domain.ContextRecord{}, fmt.Errorf("update context record: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return domain.ContextRecord{}, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		// Raced with another writer between fetch and update.
		return domain.ContextRecord{}, domain.NewConflict(tenantID, r.level, id, expectedVersion, rec.version+1)
	}
	return r.Get(ctx, tenantID, id)
}

func (r *levelRepository) Delete(ctx context.Context, tenantID, id string) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := r.fetch(ctx, s.db, tenantID, id); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE context_records SET deleted = 1, updated_at = ?
		 WHERE tenant_id = ? AND level = ? AND id = ? AND deleted = 0`,
		s.clock().Format(time.RFC3339Nano), tenantID, string(r.level), id,
	); err != nil {
		return fmt.Errorf("tombstone context record: %w", err)
	}
	return nil
}

func (r *levelRepository) List(ctx context.Context, tenantID string, filter domain.ListFilter) ([]domain.ContextRecord, error) {
	rows, err := r.store.db.QueryContext(ctx,
		`SELECT tenant_id, level, id, parent_id, data, version, deleted, created_at, updated_at
		 FROM context_records WHERE tenant_id = ? AND level = ? AND deleted = 0`,
		tenantID, string(r.level),
	)
	if err != nil {
		return nil, fmt.Errorf("select context records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.ContextRecord
	for rows.Next() {
		var rec row
		if err := rows.Scan(&rec.tenantID, &rec.level, &rec.id, &rec.parentID, &rec.data, &rec.version, &rec.deleted, &rec.createdAt, &rec.updatedAt); err != nil {
			return nil, fmt.Errorf("scan context record: %w", err)
		}
		record, err := rec.toRecord()
		if err != nil {
			return nil, err
		}
		if filter.Matches(record) {
			out = append(out, record)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate context records: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
