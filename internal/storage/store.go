// Package storage provides the key/value document store the delivery engine
// persists its state in. Values are opaque JSON documents grouped in buckets.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"

	"media-delivery-engine/internal/config"
)

var (
	// ErrNotFound is returned by Get and Delete when the key does not exist.
	ErrNotFound = errors.New("storage: key not found")
	// ErrConflict is returned by CompareAndSwap when the stored value changed.
	ErrConflict = errors.New("storage: value changed concurrently")
)

// Buckets used by the engine.
const (
	BucketTriggers = "triggers"
	BucketPolicies = "policies"
	BucketHistory  = "history"
	BucketStaged   = "staged"
	BucketSettings = "settings"
)

// Entry is one listed document.
type Entry struct {
	Key   string
	Value []byte
}

// KV is the minimal document store. CompareAndSwap with old == nil succeeds
// only when the key is absent.
type KV interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, value []byte) error
	CompareAndSwap(ctx context.Context, bucket, key string, old, value []byte) error
	List(ctx context.Context, bucket string) ([]Entry, error)
	Delete(ctx context.Context, bucket, key string) error
	Close() error
}

// Open builds the backend selected by cfg.Storage.Backend.
func Open(ctx context.Context, cfg config.Config) (KV, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return NewMemory(), nil
	case "file":
		return NewFile(filepath.Join(cfg.Storage.Dir, cfg.Namespace))
	case "sqlite":
		path := cfg.Storage.SQLitePath
		if path == "" {
			path = filepath.Join(cfg.Storage.Dir, cfg.Namespace+".db")
		}
		return NewSQLite(path)
	case "postgres":
		return NewPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

var bucketPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

func checkBucket(bucket string) error {
	if !bucketPattern.MatchString(bucket) {
		return fmt.Errorf("invalid bucket name %q", bucket)
	}
	return nil
}

func checkKey(key string) error {
	if key == "" {
		return errors.New("empty key")
	}
	return nil
}

func sameValue(a, b []byte) bool { return bytes.Equal(a, b) }
