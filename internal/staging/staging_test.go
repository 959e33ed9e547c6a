package staging

import (
	"context"
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-delivery-engine/internal/apperr"
	"media-delivery-engine/internal/config"
	"media-delivery-engine/internal/storage"
)

var fixedNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func testConfig(dir string) config.Config {
	var cfg config.Config
	cfg.Namespace = "shop"
	cfg.Staging.Dir = dir
	cfg.Staging.BaseURL = "https://media.example.com"
	cfg.Staging.TTL = 24 * time.Hour
	cfg.Staging.MinBytes = 100
	cfg.Staging.VerifyAttempts = 3
	cfg.Staging.VerifyBackoff = 100 * time.Millisecond
	cfg.Delivery.MaxImageBytes = 1024
	return cfg
}

func newTestStager(t *testing.T, cfg config.Config) (*Stager, storage.KV) {
	t.Helper()
	kv := storage.NewMemory()
	s := New(cfg, kv)
	s.now = func() time.Time { return fixedNow }
	s.sleep = func(context.Context, time.Duration) error { return nil }
	s.newID = func() string { return "abcd1234" }
	return s, kv
}

func payload(n int) []byte {
	b := make([]byte, n)
	copy(b, []byte{0xFF, 0xD8, 0xFF, 0xE0})
	for i := 4; i < n; i++ {
		b[i] = byte(i)
	}
	return b
}

func TestStage_SizeLimits(t *testing.T) {
	s, _ := newTestStager(t, testConfig(t.TempDir()))
	tests := []struct {
		name    string
		size    int
		message string
	}{
		{"too small", 50, "too small"},
		{"too large", 2048, "too large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Stage(context.Background(), payload(tt.size), "box.jpg")
			require.Error(t, err)
			assert.ErrorIs(t, err, apperr.ErrValidation)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestStage_ValidBuffer(t *testing.T) {
	dir := t.TempDir()
	s, kv := newTestStager(t, testConfig(dir))

	m, err := s.Stage(context.Background(), payload(500), "Box A (front).JPG")
	require.NoError(t, err)

	assert.Equal(t, "1772359200000_abcd1234_Box_A_front.jpg", m.File)
	u, err := url.Parse(m.URL)
	require.NoError(t, err)
	assert.Equal(t, "https", u.Scheme)
	assert.Equal(t, "/shop/images/"+m.File, u.Path)
	assert.Equal(t, "1772359200000", u.Query().Get(CacheBustParam))
	assert.Contains(t, m.URL, m.File)
	assert.Equal(t, fixedNow.Add(24*time.Hour), m.ExpiresAt)

	onDisk, err := os.ReadFile(filepath.Join(dir, "shop", "images", m.File))
	require.NoError(t, err)
	assert.Len(t, onDisk, 500)

	raw, err := kv.Get(context.Background(), storage.BucketStaged, m.File)
	require.NoError(t, err)
	var persisted Manifest
	require.NoError(t, json.Unmarshal(raw, &persisted))
	assert.Equal(t, m.URL, persisted.URL)
}

func TestStage_BaseURLErrors(t *testing.T) {
	tests := []struct {
		name string
		base string
	}{
		{"missing", ""},
		{"not https", "http://media.example.com"},
		{"no host", "https://"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t.TempDir())
			cfg.Staging.BaseURL = tt.base
			s, _ := newTestStager(t, cfg)

			_, err := s.Stage(context.Background(), payload(500), "a.jpg")
			require.Error(t, err)
			assert.ErrorIs(t, err, apperr.ErrConfiguration)
		})
	}
}

func TestStage_SetMaxBytesFollowsSettings(t *testing.T) {
	s, _ := newTestStager(t, testConfig(t.TempDir()))
	s.SetMaxBytes(4096)
	_, err := s.Stage(context.Background(), payload(2048), "a.png")
	assert.NoError(t, err)
}

func TestStageFile(t *testing.T) {
	src := t.TempDir()
	write := func(name string, n int) string {
		path := filepath.Join(src, name)
		require.NoError(t, os.WriteFile(path, payload(n), 0o644))
		return path
	}
	tests := []struct {
		name    string
		path    string
		wantErr error
		message string
	}{
		{"valid", write("ok.jpg", 500), nil, ""},
		{"too large is rejected before reading", write("big.jpg", 4096), apperr.ErrValidation, "too large"},
		{"too small", write("tiny.jpg", 10), apperr.ErrValidation, "too small"},
		{"directory", src, apperr.ErrValidation, "directory"},
		{"missing", filepath.Join(src, "nope.jpg"), apperr.ErrNotFound, "missing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			s, _ := newTestStager(t, testConfig(dir))
			m, err := s.StageFile(context.Background(), tt.path, "")
			if tt.wantErr == nil {
				require.NoError(t, err)
				assert.Equal(t, int64(500), m.Size)
				assert.FileExists(t, m.Path)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
			assert.Contains(t, err.Error(), tt.message)
			entries, err := os.ReadDir(dir)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestVerify_RetriesThenFails(t *testing.T) {
	s, _ := newTestStager(t, testConfig(t.TempDir()))
	var slept []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	err := s.verify(context.Background(), filepath.Join(t.TempDir(), "missing.jpg"), payload(200))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrStorage)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, slept)
}

func TestVerify_DetectsTruncatedWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.jpg")
	data := payload(200)
	require.NoError(t, os.WriteFile(path, data[:150], 0o644))
	assert.Error(t, checkWritten(path, data))

	require.NoError(t, os.WriteFile(path, data, 0o644))
	assert.NoError(t, checkWritten(path, data))
}

func TestFileName_Sanitizes(t *testing.T) {
	s, _ := newTestStager(t, testConfig(t.TempDir()))
	tests := []struct {
		suggested string
		want      string
	}{
		{"../../etc/passwd", "1772359200000_abcd1234_passwd.jpg"},
		{"กล่อง.png", "1772359200000_abcd1234_image.png"},
		{"photo.jpeg", "1772359200000_abcd1234_photo.jpg"},
		{"", "1772359200000_abcd1234_image.jpg"},
	}
	for _, tt := range tests {
		t.Run(tt.suggested, func(t *testing.T) {
			got := s.fileName(fixedNow, tt.suggested, payload(200))
			assert.Equal(t, tt.want, got)
			assert.False(t, strings.Contains(got, "/"))
		})
	}
}

func TestSweep_RemovesExpiredAndOrphans(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	s, kv := newTestStager(t, cfg)
	ctx := context.Background()

	m, err := s.Stage(ctx, payload(300), "old.jpg")
	require.NoError(t, err)

	s.newID = func() string { return "ffff0000" }
	fresh, err := s.Stage(ctx, payload(300), "fresh.jpg")
	require.NoError(t, err)
	// push the fresh manifest's expiry out past the sweep time
	fresh.ExpiresAt = fixedNow.Add(72 * time.Hour)
	b, _ := json.Marshal(fresh)
	require.NoError(t, kv.Put(ctx, storage.BucketStaged, fresh.File, b))

	orphan := filepath.Join(s.Dir(), "orphan.jpg")
	require.NoError(t, os.WriteFile(orphan, payload(300), 0o644))
	old := fixedNow.Add(-23 * time.Hour)
	require.NoError(t, os.Chtimes(orphan, old, old))

	sw := NewSweeper(s.Dir(), cfg.Staging.TTL, time.Minute, kv)
	sw.now = func() time.Time { return fixedNow.Add(25 * time.Hour) }

	res, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Expired: 1, Orphans: 1, Kept: 1}, res)

	_, err = os.Stat(m.Path)
	assert.True(t, os.IsNotExist(err))
	_, err = kv.Get(ctx, storage.BucketStaged, m.File)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = os.Stat(fresh.Path)
	assert.NoError(t, err)
}

func TestSweep_EmptyDirectory(t *testing.T) {
	sw := NewSweeper(filepath.Join(t.TempDir(), "nope"), time.Hour, time.Minute, storage.NewMemory())
	res, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res)
}
