package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps artifacts in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	clock   func() time.Time
}

type memoryObject struct {
	info    Info
	payload []byte
}

// Compile-time contract assertion.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory archive store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]memoryObject),
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Driver() Driver { return DriverMemory }

// Put stores the payload under key, failing if the key already exists.
func (s *MemoryStore) Put(_ context.Context, key string, payload []byte, contentType string) (Info, error) {
	if err := validateKey(key); err != nil {
		return Info{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; ok {
		return Info{}, ErrAlreadyExists
	}
	sum := sha256.Sum256(payload)
	info := Info{
		Key:          key,
		Size:         int64(len(payload)),
		ContentType:  contentType,
		ETag:         hex.EncodeToString(sum[:]),
		LastModified: s.clock(),
	}
	stored := make([]byte, len(payload))
	copy(stored, payload)
	s.objects[key] = memoryObject{info: info, payload: stored}
	return info, nil
}

// Get returns the artifact stored under key.
func (s *MemoryStore) Get(_ context.Context, key string) (Info, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return Info{}, nil, ErrNotFound
	}
	payload := make([]byte, len(obj.payload))
	copy(payload, obj.payload)
	return obj.info, payload, nil
}

// Delete removes the artifact, reporting whether it existed.
func (s *MemoryStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return false, nil
	}
	delete(s.objects, key)
	return true, nil
}

// List returns artifact infos under the prefix, ordered by key.
func (s *MemoryStore) List(_ context.Context, prefix string) ([]Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var infos []Info
	for key, obj := range s.objects {
		if prefix == "" || strings.HasPrefix(key, prefix) {
			infos = append(infos, obj.info)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}
