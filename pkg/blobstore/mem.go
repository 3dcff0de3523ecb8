package blobstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemStore is an in-process Store used by tests and local experiments.
// Revision tags are fresh UUIDs, assigned on every write.
type MemStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	revs  map[string]string
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		blobs: make(map[string][]byte),
		revs:  make(map[string]string),
	}
}

func (s *MemStore) Get(ctx context.Context, path string) ([]byte, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.blobs[path]
	if !ok {
		return nil, "", NotFound{Path: path}
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, s.revs[path], nil
}

func (s *MemStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := strings.TrimSuffix(prefix, "/") + "/"
	entries := make([]Entry, 0)
	for path := range s.blobs {
		if strings.HasPrefix(path, dir) {
			entries = append(entries, Entry{Path: path, Rev: s.revs[path]})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (s *MemStore) PutCreate(ctx context.Context, path string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[path]; ok {
		return "", AlreadyExists{Path: path}
	}
	return s.put(path, data), nil
}

func (s *MemStore) PutUpdate(ctx context.Context, path string, data []byte, expectRev string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[path]; !ok {
		return "", RevMismatch{Path: path, ExpectedRev: expectRev}
	}
	if s.revs[path] != expectRev {
		return "", RevMismatch{Path: path, ExpectedRev: expectRev}
	}
	return s.put(path, data), nil
}

func (s *MemStore) PutOverwrite(ctx context.Context, path string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.put(path, data), nil
}

func (s *MemStore) Delete(ctx context.Context, path string, expectRev string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[path]; !ok {
		return NotFound{Path: path}
	}
	if expectRev != "" && s.revs[path] != expectRev {
		return RevMismatch{Path: path, ExpectedRev: expectRev}
	}
	delete(s.blobs, path)
	delete(s.revs, path)
	return nil
}

// put stores data under path and assigns a new revision. Caller holds mu.
func (s *MemStore) put(path string, data []byte) string {
	stored := make([]byte, len(data))
	copy(stored, data)
	rev := uuid.NewString()
	s.blobs[path] = stored
	s.revs[path] = rev
	return rev
}
