package staging

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"media-delivery-engine/internal/observability"
	"media-delivery-engine/internal/storage"
)

// Sweeper deletes staged files whose TTL elapsed, whether or not they were
// ever fetched, plus orphan files that have no manifest.
type Sweeper struct {
	dir      string
	ttl      time.Duration
	interval time.Duration
	kv       storage.KV
	now      func() time.Time
	cron     *cron.Cron
}

func NewSweeper(dir string, ttl, interval time.Duration, kv storage.KV) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{dir: dir, ttl: ttl, interval: interval, kv: kv, now: time.Now}
}

// SweepResult counts what one pass removed.
type SweepResult struct {
	Expired int `json:"expired"`
	Orphans int `json:"orphans"`
	Kept    int `json:"kept"`
}

// Sweep runs one pass.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.now()

	entries, err := s.kv.List(ctx, storage.BucketStaged)
	if err != nil {
		return res, err
	}
	known := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		var m Manifest
		if err := json.Unmarshal(e.Value, &m); err != nil {
			log.Warn().Err(err).Str("file", e.Key).Msg("dropping unreadable staged manifest")
			_ = s.kv.Delete(ctx, storage.BucketStaged, e.Key)
			continue
		}
		if now.Before(m.ExpiresAt) {
			known[e.Key] = struct{}{}
			res.Kept++
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, m.File)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Error().Err(err).Str("file", m.File).Msg("remove expired staged file")
			known[e.Key] = struct{}{}
			continue
		}
		if err := s.kv.Delete(ctx, storage.BucketStaged, e.Key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Error().Err(err).Str("file", m.File).Msg("delete staged manifest")
		}
		res.Expired++
	}

	files, err := os.ReadDir(s.dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return res, err
	}
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		if _, ok := known[f.Name()]; ok {
			continue
		}
		info, err := f.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < s.ttl {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, f.Name())); err == nil {
			res.Orphans++
		}
	}

	removed := res.Expired + res.Orphans
	observability.StagedRemoved.Add(float64(removed))
	if removed > 0 {
		log.Info().Int("expired", res.Expired).Int("orphans", res.Orphans).Int("kept", res.Kept).Msg("staging sweep")
	}
	return res, nil
}

// Start sweeps once immediately, then on every interval until ctx is done.
func (s *Sweeper) Start(ctx context.Context) error {
	if _, err := s.Sweep(ctx); err != nil {
		log.Error().Err(err).Msg("initial staging sweep")
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc("@every "+s.interval.String(), func() {
		if _, err := s.Sweep(ctx); err != nil {
			log.Error().Err(err).Msg("staging sweep")
		}
	}); err != nil {
		return err
	}
	s.cron.Start()
	log.Info().Dur("interval", s.interval).Dur("ttl", s.ttl).Msg("staging sweeper started")

	go func() {
		<-ctx.Done()
		<-s.cron.Stop().Done()
		log.Info().Msg("staging sweeper stopped")
	}()
	return nil
}
