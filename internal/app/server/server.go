package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"media-delivery-engine/internal/api"
	"media-delivery-engine/internal/config"
	"media-delivery-engine/internal/engine"
	"media-delivery-engine/internal/listener"
	"media-delivery-engine/internal/staging"
	"media-delivery-engine/internal/storage"
	"media-delivery-engine/internal/transport"
)

// App is the wired engine with everything it depends on.
type App struct {
	Cfg     config.Config
	Store   storage.KV
	Engine  *engine.DeliveryEngine
	Stager  *staging.Stager
	Sweeper *staging.Sweeper
	Handler http.Handler
}

// Build opens storage and the transport and loads the first snapshot. The
// caller owns Close.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	store, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	pusher, err := transport.New(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	stager := staging.New(cfg, store)
	eng := engine.NewEngine(cfg, store, stager, pusher)
	if err := eng.BuildSnapshot(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	sweeper := staging.NewSweeper(stager.Dir(), cfg.Staging.TTL, cfg.Staging.SweepInterval, store)

	h := api.NewDeliveryHandler(eng, sweeper)
	return &App{
		Cfg:     cfg,
		Store:   store,
		Engine:  eng,
		Stager:  stager,
		Sweeper: sweeper,
		Handler: api.Router(h, cfg.Namespace, stager.Dir()),
	}, nil
}

func (a *App) Close() error { return a.Store.Close() }

// Start launches the staging sweeper and, on postgres, the change listener.
func (a *App) Start(ctx context.Context) error {
	if err := a.Sweeper.Start(ctx); err != nil {
		return err
	}
	if pg, ok := a.Store.(*storage.Postgres); ok {
		go listener.ListenAndRefresh(ctx, pg, a.Engine, a.Cfg.Namespace, a.Cfg.Backoff())
	} else if !a.Cfg.Delivery.ReloadEachPass {
		log.Warn().Str("backend", a.Cfg.Storage.Backend).Msg("reload_each_pass is off without change notifications; external edits need a restart")
	}
	return nil
}

// Run serves until SIGINT or SIGTERM.
func Run(cfg config.Config) {
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := Build(rootCtx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init")
	}
	defer a.Close()

	if err := a.Start(rootCtx); err != nil {
		log.Fatal().Err(err).Msg("start background jobs")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      a.Handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: api.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Str("namespace", cfg.Namespace).Str("storage", cfg.Storage.Backend).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server crashed")
		}
	}()

	waitForSignal()
	log.Info().Msg("shutdown...")

	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	cancel()
	_ = srv.Shutdown(shCtx)
}

func waitForSignal() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}
