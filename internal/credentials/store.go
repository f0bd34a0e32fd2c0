package credentials

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/nulpointcorp/qwen-gateway/internal/fsutil"
)

const (
	poolFileMode        = 0o600
	defaultRedisKey     = "qwen-gateway:credentials"
	defaultStoreTimeout = 2 * time.Second
)

// FileStore keeps the pool in one file. The encoding follows the extension:
// .toml for TOML, .json for JSON, anything else for YAML.
type FileStore struct {
	path string
	mu   sync.Mutex

	// digest is the hash of the bytes last read or written through this
	// store; seen is false until the first Load or Save.
	digest [sha256.Size]byte
	seen   bool
}

// NewFileStore returns a store backed by path. The file is created on the
// first Save; a missing file loads as an empty pool.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(_ context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.digest, s.seen = sha256.Sum256(nil), true
			return State{}, nil
		}
		return State{}, fmt.Errorf("read %s: %w", s.path, err)
	}
	s.digest, s.seen = sha256.Sum256(data), true
	if len(strings.TrimSpace(string(data))) == 0 {
		return State{}, nil
	}

	var st State
	switch fileFormat(s.path) {
	case "toml":
		err = toml.Unmarshal(data, &st)
	case "json":
		err = json.Unmarshal(data, &st)
	default:
		err = yaml.Unmarshal(data, &st)
	}
	if err != nil {
		return State{}, fmt.Errorf("decode %s: %w", s.path, err)
	}
	return st, nil
}

func (s *FileStore) Save(_ context.Context, st State) error {
	var (
		data []byte
		err  error
	)
	switch fileFormat(s.path) {
	case "toml":
		data, err = toml.Marshal(st)
	case "json":
		data, err = json.MarshalIndent(st, "", "  ")
	default:
		data, err = yaml.Marshal(st)
	}
	if err != nil {
		return fmt.Errorf("encode pool: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fsutil.WriteFileAtomic(s.path, data, poolFileMode); err != nil {
		return err
	}
	s.digest, s.seen = sha256.Sum256(data), true
	return nil
}

// Changed reports whether the file differs from what this store last read
// or wrote. A missing file hashes like an empty one.
func (s *FileStore) Changed() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("read %s: %w", s.path, err)
	}
	return !s.seen || sha256.Sum256(data) != s.digest, nil
}

func fileFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return "toml"
	case ".json":
		return "json"
	default:
		return "yaml"
	}
}

// RedisStore keeps the pool as one JSON document under a single key, so each
// Save is one atomic SET.
type RedisStore struct {
	client       *redis.Client
	key          string
	queryTimeout time.Duration
}

// NewRedisStore wraps an existing client. An empty key selects the default.
// The caller owns the client lifecycle.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = defaultRedisKey
	}
	return &RedisStore{client: client, key: key, queryTimeout: defaultStoreTimeout}
}

func (s *RedisStore) Load(ctx context.Context) (State, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("redis GET %s: %w", s.key, err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("decode %s: %w", s.key, err)
	}
	return st, nil
}

func (s *RedisStore) Save(ctx context.Context, st State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode pool: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", s.key, err)
	}
	return nil
}

// MemoryStore keeps the pool in process memory. Used by tests and by
// deployments that seed credentials at startup only.
type MemoryStore struct {
	mu    sync.Mutex
	state State
	saves int
}

func (s *MemoryStore) Load(_ context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneState(s.state), nil
}

func (s *MemoryStore) Save(_ context.Context, st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = cloneState(st)
	s.saves++
	return nil
}

// Saves returns how many times Save was called.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func cloneState(st State) State {
	out := State{Credentials: append([]Credential(nil), st.Credentials...)}
	if st.CommonCookies != nil {
		out.CommonCookies = make(map[string]string, len(st.CommonCookies))
		for k, v := range st.CommonCookies {
			out.CommonCookies[k] = v
		}
	}
	return out
}
