// Package objectstore keeps Import File blobs in S3-compatible object storage.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/geoevents/geoevents/internal/config"
)

const (
	BackendMinio  = "minio"
	BackendMemory = "memory"

	defaultBucket = "geoevents-imports"
)

var (
	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errors.New("object not found")
	// ErrInvalidKey is returned for empty object keys.
	ErrInvalidKey = errors.New("object key is required")
	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("invalid object store configuration")
)

// Store persists immutable blobs by key.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Config holds object storage settings.
type Config struct {
	Backend   string
	Endpoint  string
	AccessKey string
	secretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// LoadConfig reads GEOEVENTS_OBJECTSTORE_* variables. The memory backend is the default.
func LoadConfig() *Config {
	return &Config{
		Backend:   config.GetEnvStr("GEOEVENTS_OBJECTSTORE_BACKEND", BackendMemory),
		Endpoint:  config.GetEnvStr("GEOEVENTS_OBJECTSTORE_ENDPOINT", "localhost:9000"),
		AccessKey: config.GetEnvStr("GEOEVENTS_OBJECTSTORE_ACCESS_KEY", ""),
		secretKey: config.GetEnvStr("GEOEVENTS_OBJECTSTORE_SECRET_KEY", ""),
		Bucket:    config.GetEnvStr("GEOEVENTS_OBJECTSTORE_BUCKET", defaultBucket),
		Region:    config.GetEnvStr("GEOEVENTS_OBJECTSTORE_REGION", ""),
		UseSSL:    config.GetEnvBool("GEOEVENTS_OBJECTSTORE_USE_SSL", false),
	}
}

// Validate checks the backend and its required settings.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
		return nil
	case BackendMinio:
		if strings.TrimSpace(c.Endpoint) == "" {
			return fmt.Errorf("%w: endpoint is required", ErrInvalidConfig)
		}

		if c.AccessKey == "" || c.secretKey == "" {
			return fmt.Errorf("%w: credentials are required", ErrInvalidConfig)
		}

		if c.Bucket == "" {
			return fmt.Errorf("%w: bucket is required", ErrInvalidConfig)
		}

		return nil
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, c.Backend)
	}
}

// WithSecretKey sets the secret key, which is not exported to keep it out of logs.
func (c *Config) WithSecretKey(secret string) *Config {
	c.secretKey = secret

	return c
}

// New builds the configured Store.
func New(ctx context.Context, cfg *Config) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Backend == BackendMemory {
		return NewMemoryStore(), nil
	}

	return NewMinioStore(ctx, cfg)
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ImportKey builds the object key of an uploaded or fetched file.
func ImportKey(fileID string, receivedAt time.Time, filename string) string {
	name := unsafeKeyChars.ReplaceAllString(path.Base(filename), "_")
	if name == "" || name == "." || name == "_" {
		name = "upload"
	}

	return path.Join("imports", receivedAt.UTC().Format("2006/01/02"), fileID, name)
}

// MemoryStore keeps blobs in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (m *MemoryStore) Put(_ context.Context, key string, data []byte, _ string) error {
	if key == "" {
		return ErrInvalidKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.objects[key] = append([]byte(nil), data...)

	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.objects, key)

	return nil
}
