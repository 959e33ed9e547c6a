package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"media-delivery-engine/internal/apperr"
	"media-delivery-engine/internal/config"
	"media-delivery-engine/internal/staging"
	"media-delivery-engine/internal/storage"
	"media-delivery-engine/internal/transport"
)

type pushCall struct {
	To   string
	Msgs []transport.Message
}

// recordingPusher records every call; fail decides per call whether to fail.
type recordingPusher struct {
	mu    sync.Mutex
	calls []pushCall
	fail  func(n int, msgs []transport.Message) bool
}

func (p *recordingPusher) Push(_ context.Context, to string, msgs ...transport.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.calls)
	p.calls = append(p.calls, pushCall{To: to, Msgs: msgs})
	if p.fail != nil && p.fail(n, msgs) {
		return apperr.Transportf("test.push", "status 500")
	}
	return nil
}

func (p *recordingPusher) Calls() []pushCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pushCall(nil), p.calls...)
}

// fakeStager mints URLs without touching disk.
type fakeStager struct {
	mu       sync.Mutex
	staged   []string
	fail     map[string]error
	maxBytes int64
}

func (s *fakeStager) StageFile(_ context.Context, path, name string) (staging.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail[path]; err != nil {
		return staging.Manifest{}, err
	}
	s.staged = append(s.staged, path)
	file := fmt.Sprintf("%d_%s", len(s.staged), filepath.Base(name))
	return staging.Manifest{File: file, Path: path, URL: "https://media.example.com/shop/images/" + file}, nil
}

func (s *fakeStager) SetMaxBytes(n int64) {
	s.mu.Lock()
	s.maxBytes = n
	s.mu.Unlock()
}

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEngine struct {
	*DeliveryEngine
	kv     storage.KV
	pusher *recordingPusher
	stager *fakeStager
	clock  *clock
	sleeps *[]time.Duration
}

func testConfig() config.Config {
	var cfg config.Config
	cfg.Namespace = "shop"
	cfg.Detect.ProductDomain = config.DefaultProductDomain
	cfg.Detect.ProductPath = config.DefaultProductPath
	cfg.Delivery = config.DefaultSettings()
	return cfg
}

func newTestEngine(t *testing.T, mutate ...func(*config.Config)) testEngine {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	kv := storage.NewMemory()
	p := &recordingPusher{}
	st := &fakeStager{fail: map[string]error{}}
	e := NewEngine(cfg, kv, st, p)

	c := &clock{now: t0}
	e.now = c.Now
	e.ledger.now = c.Now
	e.gate.now = c.Now
	e.resolver.now = c.Now

	var mu sync.Mutex
	sleeps := []time.Duration{}
	e.dispatcher.sleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		sleeps = append(sleeps, d)
		mu.Unlock()
		return nil
	}
	return testEngine{DeliveryEngine: e, kv: kv, pusher: p, stager: st, clock: c, sleeps: &sleeps}
}

func boolPtr(b bool) *bool { return &b }

func remoteImages(n int) []ImageInput {
	out := make([]ImageInput, n)
	for i := range out {
		out[i] = ImageInput{
			ID:        fmt.Sprintf("img-%d", i),
			Filename:  fmt.Sprintf("p%d.jpg", i),
			RemoteURL: fmt.Sprintf("https://cdn.example.com/p%d.jpg", i),
		}
	}
	return out
}

func localImages(n int) []ImageInput {
	out := make([]ImageInput, n)
	for i := range out {
		out[i] = ImageInput{
			ID:         fmt.Sprintf("img-%d", i),
			Filename:   fmt.Sprintf("p%d.jpg", i),
			Path:       fmt.Sprintf("/srv/products/p%d.jpg", i),
			Provenance: ProvenanceScraped,
		}
	}
	return out
}
