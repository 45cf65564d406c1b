package core

import (
	"fmt"
	"os"

	"contextcore/internal/infra/persistence/memory"
	"contextcore/internal/infra/persistence/postgres"
	"contextcore/internal/infra/persistence/sqlite"
	"contextcore/pkg/domain"
)

// StorageDriver identifies a persistence backend.
type StorageDriver string

// Supported storage drivers.
const (
	// StorageMemory keeps records in process memory. Test and dev only.
	StorageMemory StorageDriver = "memory"
	// StorageSQLite persists records to a local SQLite file.
	StorageSQLite StorageDriver = "sqlite"
	// StoragePostgres persists records to Postgres.
	StoragePostgres StorageDriver = "postgres"
)

// PersistentStore is what a storage backend hands the service: one
// repository per scope level plus a close hook.
type PersistentStore interface {
	Repositories() domain.RepositorySet
	Close() error
}

type memoryStore struct{ *memory.Store }

func (memoryStore) Close() error { return nil }

// OpenPersistentStore selects a backend using environment variables.
// Defaults to sqlite when unset.
//
//	CONTEXTCORE_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	CONTEXTCORE_SQLITE_PATH: path to sqlite file (default ./contextcore.db)
//	CONTEXTCORE_POSTGRES_DSN: postgres DSN when driver=postgres
func OpenPersistentStore() (PersistentStore, error) {
	driver := os.Getenv("CONTEXTCORE_STORAGE_DRIVER")
	if driver == "" {
		driver = string(StorageSQLite)
	}
	switch StorageDriver(driver) {
	case StorageMemory:
		return memoryStore{memory.NewStore()}, nil
	case StorageSQLite:
		return sqlite.NewStore(os.Getenv("CONTEXTCORE_SQLITE_PATH"))
	case StoragePostgres:
		return postgres.NewStore(os.Getenv("CONTEXTCORE_POSTGRES_DSN"))
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
