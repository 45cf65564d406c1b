package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FilesystemStore writes artifacts under a root directory. Each artifact is
// a data file plus a `.meta` sidecar carrying content type, checksum, and
// timestamps. Creation is per-file atomic via rename; nothing beyond that.
type FilesystemStore struct {
	root  string
	clock func() time.Time
}

// Compile-time contract assertion.
var _ Store = (*FilesystemStore)(nil)

// NewFilesystemStore returns a store rooted at path, creating it if needed.
func NewFilesystemStore(root string) (*FilesystemStore, error) {
	if root == "" {
		root = "./archivedata"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FilesystemStore{root: root, clock: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *FilesystemStore) Driver() Driver { return DriverFilesystem }

type sidecar struct {
	ContentType string    `json:"content_type,omitempty"`
	ETag        string    `json:"etag"`
	Size        int64     `json:"size"`
	WrittenAt   time.Time `json:"written_at"`
}

// validateKey forbids traversal and absolute keys so artifacts stay under
// the root.
func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("archive: empty key")
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("archive: key %q contains '..'", key)
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("archive: absolute key %q", key)
	}
	return nil
}

func (s *FilesystemStore) pathFor(key string) (dataPath, metaPath string, err error) {
	if err := validateKey(key); err != nil {
		return "", "", err
	}
	clean := filepath.ToSlash(filepath.Clean(key))
	if strings.HasPrefix(clean, "..") {
		return "", "", fmt.Errorf("archive: key %q escapes root", key)
	}
	dataPath = filepath.Join(s.root, filepath.FromSlash(clean))
	metaPath = dataPath + ".meta"
	return dataPath, metaPath, nil
}

// Put writes the payload and its sidecar, failing if the key exists.
func (s *FilesystemStore) Put(_ context.Context, key string, payload []byte, contentType string) (Info, error) {
	dataPath, metaPath, err := s.pathFor(key)
	if err != nil {
		return Info{}, err
	}
	if _, err := os.Stat(dataPath); err == nil {
		return Info{}, ErrAlreadyExists
	}
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return Info{}, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dataPath), ".tmp-*")
	if err != nil {
		return Info{}, err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return Info{}, err
	}
	if err := tmp.Close(); err != nil {
		return Info{}, err
	}
	if err := os.Rename(tmp.Name(), dataPath); err != nil {
		return Info{}, err
	}
	sum := sha256.Sum256(payload)
	meta := sidecar{
		ContentType: contentType,
		ETag:        hex.EncodeToString(sum[:]),
		Size:        int64(len(payload)),
		WrittenAt:   s.clock(),
	}
	encoded, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return Info{}, err
	}
	if err := os.WriteFile(metaPath, encoded, 0o644); err != nil {
		return Info{}, err
	}
	return Info{Key: key, Size: meta.Size, ContentType: contentType, ETag: meta.ETag, LastModified: meta.WrittenAt}, nil
}

// Get returns the artifact stored under key.
func (s *FilesystemStore) Get(_ context.Context, key string) (Info, []byte, error) {
	dataPath, metaPath, err := s.pathFor(key)
	if err != nil {
		return Info{}, nil, err
	}
	payload, err := os.ReadFile(dataPath)
	if errors.Is(err, fs.ErrNotExist) {
		return Info{}, nil, ErrNotFound
	}
	if err != nil {
		return Info{}, nil, err
	}
	meta, err := readSidecar(metaPath)
	if err != nil {
		return Info{}, nil, err
	}
	return Info{Key: key, Size: meta.Size, ContentType: meta.ContentType, ETag: meta.ETag, LastModified: meta.WrittenAt}, payload, nil
}

// Delete removes the artifact and its sidecar, reporting whether it existed.
func (s *FilesystemStore) Delete(_ context.Context, key string) (bool, error) {
	dataPath, metaPath, err := s.pathFor(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(dataPath); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err := os.Remove(dataPath); err != nil {
		return false, err
	}
	_ = os.Remove(metaPath)
	return true, nil
}

// List walks the root collecting sidecars under the prefix, ordered by key.
func (s *FilesystemStore) List(_ context.Context, prefix string) ([]Info, error) {
	var infos []Info
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".meta") {
			return nil
		}
		meta, err := readSidecar(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.root, strings.TrimSuffix(path, ".meta"))
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if prefix == "" || strings.HasPrefix(key, prefix) {
			infos = append(infos, Info{Key: key, Size: meta.Size, ContentType: meta.ContentType, ETag: meta.ETag, LastModified: meta.WrittenAt})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func readSidecar(path string) (sidecar, error) {
	encoded, err := os.ReadFile(path)
	if err != nil {
		return sidecar{}, err
	}
	var meta sidecar
	if err := json.Unmarshal(encoded, &meta); err != nil {
		return sidecar{}, err
	}
	return meta, nil
}
