package staging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"media-delivery-engine/internal/apperr"
	"media-delivery-engine/internal/config"
	"media-delivery-engine/internal/observability"
	"media-delivery-engine/internal/storage"
)

// CacheBustParam is the query parameter appended to every minted URL.
const CacheBustParam = "v"

// Manifest describes one staged file; persisted so the sweep survives restarts.
type Manifest struct {
	File      string    `json:"file"`
	Path      string    `json:"path"`
	URL       string    `json:"url"`
	Size      int64     `json:"size"`
	Source    string    `json:"source,omitempty"`
	MintedAt  time.Time `json:"minted_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Stager writes image bytes into the public image directory, verifies the
// write and mints an HTTPS URL for it.
type Stager struct {
	dir       string
	baseURL   string
	namespace string
	minBytes  int64
	maxBytes  atomic.Int64
	ttl       time.Duration
	attempts  int
	backoff   time.Duration
	kv        storage.KV

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	newID func() string
}

func New(cfg config.Config, kv storage.KV) *Stager {
	s := &Stager{
		dir:       ImageDir(cfg),
		baseURL:   cfg.Staging.BaseURL,
		namespace: cfg.Namespace,
		minBytes:  cfg.Staging.MinBytes,
		ttl:       cfg.Staging.TTL,
		attempts:  cfg.Staging.VerifyAttempts,
		backoff:   cfg.Staging.VerifyBackoff,
		kv:        kv,
		now:       time.Now,
		sleep:     sleepCtx,
		newID:     func() string { return uuid.NewString()[:8] },
	}
	s.maxBytes.Store(cfg.Delivery.MaxImageBytes)
	return s
}

// ImageDir is <staging.dir>/<namespace>/images, the directory served under
// /<namespace>/images/.
func ImageDir(cfg config.Config) string {
	return filepath.Join(cfg.Staging.Dir, cfg.Namespace, "images")
}

// SetMaxBytes follows runtime settings changes.
func (s *Stager) SetMaxBytes(n int64) {
	if n > 0 {
		s.maxBytes.Store(n)
	}
}

func (s *Stager) Dir() string { return s.dir }

// Stage validates, writes and verifies data and returns its manifest.
func (s *Stager) Stage(ctx context.Context, data []byte, suggestedName string) (Manifest, error) {
	const op = "staging.stage"

	base, err := s.checkBaseURL()
	if err != nil {
		return Manifest{}, err
	}
	size := int64(len(data))
	if size < s.minBytes {
		observability.StagedImages.WithLabelValues("too_small").Inc()
		return Manifest{}, apperr.Validationf(op, "image too small (%d bytes, minimum %d): likely corrupted", size, s.minBytes)
	}
	if maxBytes := s.maxBytes.Load(); maxBytes > 0 && size > maxBytes {
		observability.StagedImages.WithLabelValues("too_large").Inc()
		return Manifest{}, apperr.Validationf(op, "image too large (%d bytes, maximum %d)", size, maxBytes)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return Manifest{}, apperr.Storage(op, err, "create image dir")
	}

	now := s.now()
	name := s.fileName(now, suggestedName, data)
	path := filepath.Join(s.dir, name)

	if err := os.WriteFile(path, data, 0o644); err != nil {
		observability.StagedImages.WithLabelValues("write_failed").Inc()
		return Manifest{}, apperr.Storage(op, err, "write %s", name)
	}
	if err := s.verify(ctx, path, data); err != nil {
		_ = os.Remove(path)
		observability.StagedImages.WithLabelValues("verify_failed").Inc()
		return Manifest{}, err
	}

	m := Manifest{
		File:      name,
		Path:      path,
		URL:       s.mintURL(base, name, now),
		Size:      size,
		Source:    suggestedName,
		MintedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}
	b, err := json.Marshal(m)
	if err != nil {
		return Manifest{}, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := s.kv.Put(ctx, storage.BucketStaged, name, b); err != nil {
		_ = os.Remove(path)
		return Manifest{}, apperr.Storage(op, err, "persist manifest %s", name)
	}

	observability.StagedImages.WithLabelValues("ok").Inc()
	log.Debug().Str("file", name).Str("url", m.URL).Time("expires_at", m.ExpiresAt).Msg("staged image")
	return m, nil
}

// StageFile reads a local source image and stages it. Sizes are checked
// before the file is read.
func (s *Stager) StageFile(ctx context.Context, path, suggestedName string) (Manifest, error) {
	const op = "staging.stage_file"
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, apperr.NotFoundf(op, "source image %s missing", path)
		}
		return Manifest{}, apperr.Storage(op, err, "stat %s", path)
	}
	if fi.IsDir() {
		return Manifest{}, apperr.Validationf(op, "source image %s is a directory", path)
	}
	if size := fi.Size(); size < s.minBytes {
		observability.StagedImages.WithLabelValues("too_small").Inc()
		return Manifest{}, apperr.Validationf(op, "image too small (%d bytes, minimum %d): likely corrupted", size, s.minBytes)
	} else if maxBytes := s.maxBytes.Load(); maxBytes > 0 && size > maxBytes {
		observability.StagedImages.WithLabelValues("too_large").Inc()
		return Manifest{}, apperr.Validationf(op, "image too large (%d bytes, maximum %d)", size, maxBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, apperr.NotFoundf(op, "source image %s missing", path)
		}
		return Manifest{}, apperr.Storage(op, err, "read %s", path)
	}
	if suggestedName == "" {
		suggestedName = filepath.Base(path)
	}
	return s.Stage(ctx, data, suggestedName)
}

func (s *Stager) checkBaseURL() (*url.URL, error) {
	const op = "staging.base_url"
	if strings.TrimSpace(s.baseURL) == "" {
		return nil, apperr.Configurationf(op, "public base URL is not configured")
	}
	u, err := url.Parse(s.baseURL)
	if err != nil || u.Host == "" {
		return nil, apperr.Configurationf(op, "public base URL %q is invalid", s.baseURL)
	}
	if u.Scheme != "https" {
		return nil, apperr.Configurationf(op, "public base URL must use https, got %q", u.Scheme)
	}
	return u, nil
}

// verify re-reads size and a leading byte range; only the check is retried.
func (s *Stager) verify(ctx context.Context, path string, data []byte) error {
	attempts := max(1, s.attempts)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if lastErr = checkWritten(path, data); lastErr == nil {
			return nil
		}
		log.Warn().Err(lastErr).Str("file", filepath.Base(path)).Int("attempt", attempt).Msg("staged file verification failed")
		if attempt < attempts {
			if err := s.sleep(ctx, s.backoff*time.Duration(attempt)); err != nil {
				return apperr.Storage("staging.verify", err, "verification interrupted")
			}
		}
	}
	return apperr.Storage("staging.verify", lastErr, "verification failed after %d attempts", attempts)
}

const verifyPrefix = 64

func checkWritten(path string, data []byte) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if fi.Size() != int64(len(data)) {
		return fmt.Errorf("size mismatch: on disk %d, expected %d", fi.Size(), len(data))
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	n := min(verifyPrefix, len(data))
	head := make([]byte, n)
	if _, err := io.ReadFull(f, head); err != nil {
		return fmt.Errorf("read head: %w", err)
	}
	if !bytes.Equal(head, data[:n]) {
		return fmt.Errorf("leading bytes differ")
	}
	return nil
}

func (s *Stager) mintURL(base *url.URL, name string, now time.Time) string {
	u := *base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + s.namespace + "/images/" + name
	u.RawQuery = url.Values{CacheBustParam: {strconv.FormatInt(now.UnixMilli(), 10)}}.Encode()
	return u.String()
}

var unsafeStem = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

var imageExts = map[string]string{
	".jpg": ".jpg", ".jpeg": ".jpg", ".png": ".png", ".gif": ".gif", ".webp": ".webp",
}

// fileName is <unix-ms>_<random8>_<stem><ext>.
func (s *Stager) fileName(now time.Time, suggested string, data []byte) string {
	base := filepath.Base(suggested)
	ext := strings.ToLower(filepath.Ext(base))
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	stem = strings.Trim(unsafeStem.ReplaceAllString(stem, "_"), "_")
	if len(stem) > 40 {
		stem = stem[:40]
	}
	if stem == "" {
		stem = "image"
	}
	norm, ok := imageExts[ext]
	if !ok {
		norm = sniffExt(data)
	}
	return fmt.Sprintf("%d_%s_%s%s", now.UnixMilli(), s.newID(), stem, norm)
}

func sniffExt(data []byte) string {
	switch http.DetectContentType(data) {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
