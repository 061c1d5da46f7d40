package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/morf-project/morf/internal/core"
)

// InMemoryObjectStore keeps buckets in memory. It backs local dry runs and tests.
type InMemoryObjectStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte

	// UploadErr, when set, is returned by every Upload.
	UploadErr error
}

func NewInMemoryObjectStore() *InMemoryObjectStore {
	return &InMemoryObjectStore{
		buckets: make(map[string]map[string][]byte),
	}
}

func (s *InMemoryObjectStore) Put(bucket, key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buckets[bucket] == nil {
		s.buckets[bucket] = make(map[string][]byte)
	}
	s.buckets[bucket][key] = append([]byte(nil), data...)
}

func (s *InMemoryObjectStore) Get(bucket, key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.buckets[bucket][key]
	return data, ok
}

func (s *InMemoryObjectStore) Keys(bucket string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.buckets[bucket]))
	for k := range s.buckets[bucket] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *InMemoryObjectStore) ListPrefixes(_ context.Context, bucket, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[string]struct{}{}
	for key := range s.buckets[bucket] {
		rest, ok := strings.CutPrefix(key, prefix)
		if !ok {
			continue
		}
		if idx := strings.Index(rest, "/"); idx >= 0 {
			seen[prefix+rest[:idx+1]] = struct{}{}
		}
	}
	prefixes := make([]string, 0, len(seen))
	for p := range seen {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)
	return prefixes, nil
}

func (s *InMemoryObjectStore) ListObjects(_ context.Context, bucket, prefix string) ([]core.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var objects []core.ObjectInfo
	for key, data := range s.buckets[bucket] {
		if strings.HasPrefix(key, prefix) {
			objects = append(objects, core.ObjectInfo{Key: key, Size: int64(len(data))})
		}
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (s *InMemoryObjectStore) Download(_ context.Context, bucket, key, destPath string) error {
	data, ok := s.Get(bucket, key)
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrObjectNotFound, core.S3URL(bucket, key))
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(destPath, data, 0o644)
}

func (s *InMemoryObjectStore) Upload(_ context.Context, bucket, key, srcPath string) error {
	if s.UploadErr != nil {
		return s.UploadErr
	}
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return err
	}
	s.Put(bucket, key, data)
	return nil
}

func (s *InMemoryObjectStore) Copy(_ context.Context, bucket, srcKey, dstKey string) error {
	data, ok := s.Get(bucket, srcKey)
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrObjectNotFound, core.S3URL(bucket, srcKey))
	}
	s.Put(bucket, dstKey, data)
	return nil
}

func (s *InMemoryObjectStore) DeletePrefix(_ context.Context, bucket, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for key := range s.buckets[bucket] {
		if strings.HasPrefix(key, prefix) {
			delete(s.buckets[bucket], key)
			deleted++
		}
	}
	return deleted, nil
}
