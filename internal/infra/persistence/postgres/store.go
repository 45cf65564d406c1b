// Package postgres provides a PostgreSQL-backed implementation of the
// context repositories, mirroring the sqlite semantics with the document
// payload stored as JSONB.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"contextcore/pkg/domain"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

// Compile-time contract assertion.
var _ domain.Repository = (*levelRepository)(nil)

const (
	defaultDriver = "pgx"
	// Default DSN keeps parity with OpenRepositories defaults while allowing overrides via env.
	defaultDSN = "postgres://localhost/contextcore?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

const schema = `CREATE TABLE IF NOT EXISTS context_records (
	tenant_id  TEXT NOT NULL,
	level      TEXT NOT NULL,
	id         TEXT NOT NULL,
	parent_id  TEXT NOT NULL DEFAULT '',
	data       JSONB NOT NULL,
	version    BIGINT NOT NULL,
	deleted    BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, level, id)
)`

// Store owns the Postgres handle shared by the four level repositories.
type Store struct {
	db    *sql.DB
	clock func() time.Time
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back
// to defaultDSN), pings the server, and applies the schema.
func NewStore(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("create context_records table: %w", err)
	}
	return &Store{db: db, clock: func() time.Time { return time.Now().UTC() }}, nil
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

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}

type levelRepository struct {
	store *Store
	level domain.ScopeLevel
}

func (r *levelRepository) Level() domain.ScopeLevel { return r.level }

func (r *levelRepository) scanOne(scan func(dest ...any) error, tenantID, id string) (domain.ContextRecord, error) {
	var (
		rec      domain.ContextRecord
		level    string
		payload  []byte
		deleted  bool
		created  time.Time
		updated  time.Time
		parentID string
	)
	err := scan(&rec.TenantID, &level, &rec.ID, &parentID, &payload, &rec.Version, &deleted, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		foreign, ferr := r.foreignOwner(context.Background(), tenantID, id)
		if ferr != nil {
			return domain.ContextRecord{}, ferr
		}
		if foreign {
			return domain.ContextRecord{}, domain.NewCrossTenantDenied(tenantID, r.level, id)
		}
		return domain.ContextRecord{}, domain.NewNotFound(tenantID, r.level, id)
	}
	if err != nil {
		return domain.ContextRecord{}, fmt.Errorf("select context record: %w", err)
	}
	if deleted {
		return domain.ContextRecord{}, domain.NewNotFound(tenantID, r.level, id)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &rec.Data); err != nil {
			return domain.ContextRecord{}, fmt.Errorf("decode document: %w", err)
		}
	}
	rec.Level = domain.ScopeLevel(level)
	rec.ParentID = parentID
	rec.CreatedAt = created.UTC()
	rec.UpdatedAt = updated.UTC()
	return rec, nil
}

func (r *levelRepository) foreignOwner(ctx context.Context, tenantID, id string) (bool, error) {
	var count int
	err := r.store.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM context_records WHERE level = $1 AND id = $2 AND tenant_id <> $3`,
		string(r.level), id, tenantID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("probe owners: %w", err)
	}
	return count > 0, nil
}

func (r *levelRepository) Get(ctx context.Context, tenantID, id string) (domain.ContextRecord, error) {
	rowHandle := r.store.db.QueryRowContext(ctx,
		`SELECT tenant_id, level, id, parent_id, data, version, deleted, created_at, updated_at
		 FROM context_records WHERE tenant_id = $1 AND level = $2 AND id = $3`,
		tenantID, string(r.level), id,
	)
	return r.scanOne(rowHandle.Scan, tenantID, id)
}

func (r *levelRepository) Create(ctx context.Context, tenantID, id, parentID string, data domain.Document) (domain.ContextRecord, error) {
	if tenantID == "" || id == "" {
		return domain.ContextRecord{}, fmt.Errorf("tenant id and record id are required")
	}
	s := r.store

	var existing int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM context_records WHERE tenant_id = $1 AND level = $2 AND id = $3`,
		tenantID, string(r.level), id,
	).Scan(&existing); err != nil {
		return domain.ContextRecord{}, fmt.Errorf("probe key: %w", err)
	}
	if existing > 0 {
		return domain.ContextRecord{}, domain.NewAlreadyExists(tenantID, r.level, id)
	}
	if parent, required := r.level.Parent(); required {
		var parents int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM context_records WHERE tenant_id = $1 AND level = $2 AND id = $3 AND NOT deleted`,
			tenantID, string(parent), parentID,
		).Scan(&parents); err != nil {
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
	now := s.clock()
	// The primary key backstops the pre-check if two creators race.
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO context_records (tenant_id, level, id, parent_id, data, version, deleted, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 1, FALSE, $6, $6)`,
		tenantID, string(r.level), id, parentID, payload, now,
	); err != nil {
		return domain.ContextRecord{}, domain.NewAlreadyExists(tenantID, r.level, id)
	}
	return r.Get(ctx, tenantID, id)
}

func (r *levelRepository) Update(ctx context.Context, tenantID, id string, expectedVersion int64, patch domain.Document) (domain.ContextRecord, error) {
	s := r.store
	current, err := r.Get(ctx, tenantID, id)
	if err != nil {
		return domain.ContextRecord{}, err
	}
	if current.Version != expectedVersion {
		return domain.ContextRecord{}, domain.NewConflict(tenantID, r.level, id, expectedVersion, current.Version)
	}

	merged := current.Data.Merge(patch)
	payload, err := json.Marshal(merged)
	if err != nil {
		return domain.ContextRecord{}, fmt.Errorf("encode document: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE context_records SET data = $1, version = version + 1, updated_at = $2
		 WHERE tenant_id = $3 AND level = $4 AND id = $5 AND version = $6 AND NOT deleted`,
		payload, s.clock(), tenantID, string(r.level), id, expectedVersion,
	)
	if err != nil {
		return domain.ContextRecord{}, fmt.Errorf("update context record: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return domain.ContextRecord{}, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ContextRecord{}, domain.NewConflict(tenantID, r.level, id, expectedVersion, current.Version+1)
	}
	return r.Get(ctx, tenantID, id)
}

func (r *levelRepository) Delete(ctx context.Context, tenantID, id string) error {
	s := r.store
	if _, err := r.Get(ctx, tenantID, id); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE context_records SET deleted = TRUE, updated_at = $1
		 WHERE tenant_id = $2 AND level = $3 AND id = $4 AND NOT deleted`,
		s.clock(), tenantID, string(r.level), id,
	); err != nil {
		return fmt.Errorf("tombstone context record: %w", err)
	}
	return nil
}

func (r *levelRepository) List(ctx context.Context, tenantID string, filter domain.ListFilter) ([]domain.ContextRecord, error) {
	rows, err := r.store.db.QueryContext(ctx,
		`SELECT tenant_id, level, id, parent_id, data, version, deleted, created_at, updated_at
		 FROM context_records WHERE tenant_id = $1 AND level = $2 AND NOT deleted`,
		tenantID, string(r.level),
	)
	if err != nil {
		return nil, fmt.Errorf("select context records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.ContextRecord
	for rows.Next() {
		record, err := r.scanOne(rows.Scan, tenantID, "")
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
