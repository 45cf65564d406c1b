package archive

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Environment variables:
//   CONTEXTCORE_ARCHIVE_DRIVER=memory|fs|s3 (default memory)
//   CONTEXTCORE_ARCHIVE_FS_ROOT=<dir> (fs driver, default ./archivedata)

// Open selects an archive store from process environment.
func Open(ctx context.Context) (Store, error) {
	driver := Driver(strings.ToLower(strings.TrimSpace(os.Getenv("CONTEXTCORE_ARCHIVE_DRIVER"))))
	switch driver {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverFilesystem:
		return NewFilesystemStore(os.Getenv("CONTEXTCORE_ARCHIVE_FS_ROOT"))
	case DriverS3:
		return OpenS3FromEnv(ctx)
	default:
		return nil, fmt.Errorf("unknown archive driver %q", driver)
	}
}
