package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/gofrs/flock"
)

// File stores one JSON document per key under <root>/<bucket>/<key>.json.
// Writes take a per-bucket flock so a CLI and the server can share the tree.
type File struct {
	root string
	mu   sync.Mutex
}

func NewFile(root string) (*File, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &File{root: root}, nil
}

var plainKey = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]{0,127}$`)

// fileName keeps simple keys (subscriber ids) readable and encodes the rest.
func fileName(key string) string {
	if plainKey.MatchString(key) {
		return key + ".json"
	}
	return "~" + base64.RawURLEncoding.EncodeToString([]byte(key)) + ".json"
}

func keyFromFile(name string) (string, bool) {
	base, ok := strings.CutSuffix(name, ".json")
	if !ok {
		return "", false
	}
	if enc, ok := strings.CutPrefix(base, "~"); ok {
		raw, err := base64.RawURLEncoding.DecodeString(enc)
		if err != nil {
			return "", false
		}
		return string(raw), true
	}
	return base, true
}

func (f *File) path(bucket, key string) string {
	return filepath.Join(f.root, bucket, fileName(key))
}

func (f *File) Get(_ context.Context, bucket, key string) ([]byte, error) {
	if err := checkBucket(bucket); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(f.path(bucket, key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", bucket, key, err)
	}
	return b, nil
}

func (f *File) Put(ctx context.Context, bucket, key string, value []byte) error {
	return f.withLock(bucket, key, func(path string) error {
		return writeAtomic(path, value)
	})
}

func (f *File) CompareAndSwap(_ context.Context, bucket, key string, old, value []byte) error {
	return f.withLock(bucket, key, func(path string) error {
		cur, err := os.ReadFile(path)
		exists := err == nil
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("read %s/%s: %w", bucket, key, err)
		}
		if old == nil && exists {
			return ErrConflict
		}
		if old != nil && (!exists || !sameValue(cur, old)) {
			return ErrConflict
		}
		return writeAtomic(path, value)
	})
}

func (f *File) List(_ context.Context, bucket string) ([]Entry, error) {
	if err := checkBucket(bucket); err != nil {
		return nil, err
	}
	dir := filepath.Join(f.root, bucket)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", bucket, err)
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		key, ok := keyFromFile(e.Name())
		if !ok {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue // deleted between ReadDir and ReadFile
			}
			return nil, fmt.Errorf("read %s/%s: %w", bucket, key, err)
		}
		out = append(out, Entry{Key: key, Value: b})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (f *File) Delete(_ context.Context, bucket, key string) error {
	return f.withLock(bucket, key, func(path string) error {
		err := os.Remove(path)
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return err
	})
}

func (f *File) Close() error { return nil }

func (f *File) withLock(bucket, key string, fn func(path string) error) error {
	if err := checkBucket(bucket); err != nil {
		return err
	}
	if err := checkKey(key); err != nil {
		return err
	}
	dir := filepath.Join(f.root, bucket)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create bucket dir: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	lock := flock.New(filepath.Join(dir, ".lock"))
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock bucket %s: %w", bucket, err)
	}
	defer func() { _ = lock.Unlock() }()

	return fn(f.path(bucket, key))
}

func writeAtomic(path string, value []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
