package main

import (
	"context"
	"strings"
	"sync"

	"github.com/joho/godotenv"

	"media-delivery-engine/internal/config"
	"media-delivery-engine/internal/engine"
	"media-delivery-engine/internal/staging"
	"media-delivery-engine/internal/storage"
	"media-delivery-engine/internal/transport"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (config.Config, error) {
	c.configOnce.Do(func() {
		_ = godotenv.Load()
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		c.config, c.configErr = config.LoadFile(path)
		if c.configErr == nil {
			config.SetupLogging(c.config.Server.LogLevel, c.config.Server.LogFormat)
		}
	})
	return c.config, c.configErr
}

// session is an engine opened for one command.
type session struct {
	cfg    config.Config
	store  storage.KV
	stager *staging.Stager
	eng    *engine.DeliveryEngine
}

func (s *session) Close() error { return s.store.Close() }

// open builds the engine. Commands that never push use the log transport so
// they work without credentials.
func (c *commandContext) open(ctx context.Context, push bool) (*session, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	var pusher transport.Pusher = transport.LogPusher{}
	if push {
		if pusher, err = transport.New(cfg); err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	stager := staging.New(cfg, store)
	eng := engine.NewEngine(cfg, store, stager, pusher)
	if err := eng.BuildSnapshot(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return &session{cfg: cfg, store: store, stager: stager, eng: eng}, nil
}
