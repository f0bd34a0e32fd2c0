package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"strings"
	"sync"

	"github.com/nulpointcorp/qwen-gateway/internal/fsutil"
)

const cacheFileMode = 0o644

// FileStore persists entries as one JSON object {hash: url}. Each Put rewrites
// the whole file through a temp-file rename.
type FileStore struct {
	path string

	mu      sync.Mutex
	entries map[string]string
}

// NewFileStore returns a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, entries: make(map[string]string)}
}

func (s *FileStore) Load(_ context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return map[string]string{}, nil
	}

	m := make(map[string]string)
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	for h, u := range m {
		s.entries[h] = u
	}
	return maps.Clone(m), nil
}

func (s *FileStore) Put(_ context.Context, hash, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[hash] = url
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return fsutil.WriteFileAtomic(s.path, data, cacheFileMode)
}
