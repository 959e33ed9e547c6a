package engine

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"media-delivery-engine/internal/apperr"
	"media-delivery-engine/internal/cache"
	"media-delivery-engine/internal/config"
	"media-delivery-engine/internal/observability"
	"media-delivery-engine/internal/staging"
	"media-delivery-engine/internal/storage"
	"media-delivery-engine/internal/transport"
)

// Stager is the part of staging.Stager the engine needs.
type Stager interface {
	StageFile(ctx context.Context, path, suggestedName string) (staging.Manifest, error)
	SetMaxBytes(n int64)
}

type snapshot struct {
	defs     []TriggerDefinition
	byID     map[string]int
	settings config.Settings
	loadedAt time.Time
}

// DeliveryEngine detects triggers in outbound text and delivers their images.
// Definitions and settings are read from an immutable snapshot.
type DeliveryEngine struct {
	triggers   Triggers
	policies   Policies
	settings   SettingsStore
	ledger     *Ledger
	gate       *Gate
	resolver   *Resolver
	dispatcher *Dispatcher
	detector   *Detector
	urls       *ProductURLSource
	stager     Stager

	snap  cache.Snapshot[snapshot]
	locks keyedMutex
	now   func() time.Time
}

func NewEngine(cfg config.Config, kv storage.KV, stager Stager, pusher transport.Pusher) *DeliveryEngine {
	ledger := NewLedger(kv)
	urls := NewProductURLSource(cfg.Detect.ProductDomain, cfg.Detect.ProductPath)
	return &DeliveryEngine{
		triggers:   Triggers{kv: kv},
		policies:   Policies{kv: kv},
		settings:   SettingsStore{kv: kv, defaults: cfg.Delivery},
		ledger:     ledger,
		gate:       NewGate(ledger),
		resolver:   NewResolver(kv),
		dispatcher: NewDispatcher(pusher),
		detector:   NewDetector(KeywordSource{}, urls),
		urls:       urls,
		stager:     stager,
		now:        time.Now,
	}
}

// BuildSnapshot reloads definitions and settings from the store.
func (e *DeliveryEngine) BuildSnapshot(ctx context.Context) error {
	defs, err := e.triggers.List(ctx)
	if err != nil {
		return err
	}
	s, err := e.settings.Load(ctx)
	if err != nil {
		return err
	}
	byID := make(map[string]int, len(defs))
	for i, d := range defs {
		byID[d.ID] = i
	}
	e.snap.Store(snapshot{defs: defs, byID: byID, settings: s, loadedAt: e.now()})
	if e.stager != nil {
		e.stager.SetMaxBytes(s.MaxImageBytes)
	}
	log.Debug().Int("triggers", len(defs)).Bool("enabled", s.Enabled).Msg("snapshot rebuilt")
	return nil
}

// current reloads before each detection pass when reload_each_pass is set,
// since an admin collaborator may write the store directly.
func (e *DeliveryEngine) current(ctx context.Context) (snapshot, error) {
	s, ok := e.snap.Load()
	if ok && !s.settings.ReloadEachPass {
		return s, nil
	}
	if err := e.BuildSnapshot(ctx); err != nil {
		if ok {
			log.Warn().Err(err).Msg("snapshot reload failed; using previous")
			return s, nil
		}
		return snapshot{}, err
	}
	s, _ = e.snap.Load()
	return s, nil
}

// Detect runs trigger detection only.
func (e *DeliveryEngine) Detect(ctx context.Context, text string) ([]TriggerMatch, error) {
	s, err := e.current(ctx)
	if err != nil {
		return nil, err
	}
	return e.detector.Detect(text, s.defs), nil
}

// ExtractURLs returns the product URLs found in text.
func (e *DeliveryEngine) ExtractURLs(text string) []string {
	return e.urls.ExtractURLs(text)
}

// ProcessOutgoingMessage is the entry point for the chat layer. Per-trigger
// failures are reported in the results; the error return is reserved for
// bad input or an unreadable store.
func (e *DeliveryEngine) ProcessOutgoingMessage(ctx context.Context, subscriber, text string) (ProcessResult, error) {
	if strings.TrimSpace(subscriber) == "" {
		return ProcessResult{}, apperr.Validationf("engine.process", "subscriber id is required")
	}
	snap, err := e.current(ctx)
	if err != nil {
		return ProcessResult{}, err
	}

	matches := e.detector.Detect(text, snap.defs)
	res := ProcessResult{Results: make([]TriggerResult, 0, len(matches))}
	for _, m := range matches {
		observability.TriggersDetected.WithLabelValues(string(m.Kind)).Inc()
		tr := e.processTrigger(ctx, snap, subscriber, m)
		if tr.Status == StatusSent {
			res.Processed = true
		}
		log.Info().
			Str("subscriber", subscriber).
			Str("trigger", tr.TriggerID).
			Str("kind", string(tr.Kind)).
			Str("status", tr.Status).
			Str("reason", tr.Reason).
			Int("images_sent", tr.ImagesSent).
			Msg("trigger processed")
		res.Results = append(res.Results, tr)
	}
	return res, nil
}

func (e *DeliveryEngine) processTrigger(ctx context.Context, snap snapshot, subscriber string, m TriggerMatch) TriggerResult {
	tr := TriggerResult{Kind: m.Kind, Identity: m.Identity, TriggerID: m.DefinitionID}
	i, ok := snap.byID[m.DefinitionID]
	if m.DefinitionID == "" || !ok {
		return failed(tr, apperr.NotFoundf("engine.process", "no trigger definition for %q", m.Identity))
	}
	def := snap.defs[i]
	s := snap.settings
	if !def.Enabled {
		tr.Status, tr.Reason = StatusSkipped, "trigger disabled"
		return tr
	}

	unlock := e.locks.Lock(subscriber + "\x00" + def.ID)
	defer unlock()

	// Once a pair is claimed the sequence runs to completion; pushes keep
	// their own transport timeouts.
	ctx = context.WithoutCancel(ctx)

	dec, err := e.gate.ShouldSend(ctx, s, subscriber, def.ID)
	if err != nil {
		return failed(tr, err)
	}
	if !dec.Allow {
		observability.GateDecisions.WithLabelValues("deny").Inc()
		tr.Status, tr.Reason = StatusSkipped, dec.Reason
		return tr
	}
	observability.GateDecisions.WithLabelValues("allow").Inc()
	tr.Reason = dec.Reason
	if !s.AutoSend {
		tr.Status, tr.Reason = StatusDetected, "auto send disabled"
		return tr
	}

	resolution, err := e.resolver.Resolve(ctx, def, s)
	if err != nil {
		return failed(tr, err)
	}
	tr.TotalImages = len(resolution.Images)
	if len(resolution.Images) == 0 {
		tr.Status, tr.Reason = StatusNothingSelected, NothingSelected
		return tr
	}

	staged, errs := e.stage(ctx, resolution.Images)
	tr.Errors = errs
	if len(staged) == 0 {
		return failed(tr, apperr.Validationf("engine.process", "no valid images resolved"))
	}

	dr, err := e.dispatcher.Dispatch(ctx, DispatchRequest{
		Subscriber:   subscriber,
		Images:       staged,
		Total:        len(resolution.Images),
		Format:       s.DisplayFormat,
		Title:        def.Name,
		Caption:      resolution.Intro,
		SendDelay:    s.SendDelay(),
		CaptionDelay: s.CaptionDelay(),
	})
	tr.Format = dr.Format
	tr.ImagesSent = dr.ImagesSent
	tr.Errors = append(tr.Errors, dr.Errors...)
	if dr.ImagesSent == 0 {
		if err == nil {
			err = apperr.Transportf("engine.process", "no image was delivered")
		}
		return failed(tr, err)
	}
	if err != nil {
		log.Warn().Err(err).Str("subscriber", subscriber).Str("trigger", def.ID).
			Int("images_sent", dr.ImagesSent).Msg("dispatch stopped after partial delivery")
		tr.Error, tr.ErrorKind = err.Error(), apperr.KindOf(err)
	}

	if _, err := e.ledger.RecordSend(ctx, subscriber, def.ID, dr.Sent); err != nil {
		log.Error().Err(err).Str("subscriber", subscriber).Str("trigger", def.ID).Msg("record send")
		tr.Error, tr.ErrorKind = err.Error(), apperr.KindOf(err)
	}
	tr.Status = StatusSent
	return tr
}

func failed(tr TriggerResult, err error) TriggerResult {
	tr.Status = StatusFailed
	tr.Error = err.Error()
	tr.ErrorKind = apperr.KindOf(err)
	return tr
}

// stage makes every image reachable by HTTPS URL. URL-backed images are
// forwarded as is; file-backed ones go through the Stager.
func (e *DeliveryEngine) stage(ctx context.Context, imgs []SourceImage) ([]StagedImage, []ImageError) {
	var (
		out  []StagedImage
		errs []ImageError
	)
	for _, img := range imgs {
		var err error
		switch {
		case img.RemoteURL != "":
			u, perr := url.Parse(img.RemoteURL)
			if perr != nil || u.Scheme != "https" || u.Host == "" {
				err = apperr.Validationf("engine.stage", "remote image URL must be https: %q", img.RemoteURL)
				break
			}
			out = append(out, StagedImage{ImageID: img.ID, Filename: img.Filename, URL: img.RemoteURL})
		case img.Path != "":
			if e.stager == nil {
				err = apperr.Configurationf("engine.stage", "staging is not configured")
				break
			}
			name := img.OriginalName
			if name == "" {
				name = img.Filename
			}
			var m staging.Manifest
			m, err = e.stager.StageFile(ctx, img.Path, name)
			if err == nil {
				out = append(out, StagedImage{ImageID: img.ID, Filename: img.Filename, URL: m.URL})
			}
		default:
			err = apperr.NotFoundf("engine.stage", "image %s has neither path nor URL", img.ID)
		}
		if err != nil {
			log.Warn().Err(err).Str("file", img.Filename).Msg("image not staged")
			errs = append(errs, ImageError{
				ImageID: img.ID, Filename: img.Filename, Kind: apperr.KindOf(err), Error: err.Error(),
			})
		}
	}
	return out, errs
}

// Settings returns the persisted runtime settings.
func (e *DeliveryEngine) Settings(ctx context.Context) (config.Settings, error) {
	return e.settings.Load(ctx)
}

func (e *DeliveryEngine) UpdateSettings(ctx context.Context, s config.Settings) (config.Settings, error) {
	s = s.WithDefaults()
	if err := e.settings.Save(ctx, s); err != nil {
		return s, err
	}
	return s, e.BuildSnapshot(ctx)
}

// History returns every record for a subscriber.
func (e *DeliveryEngine) History(ctx context.Context, subscriber string) (History, error) {
	return e.ledger.Subscriber(ctx, subscriber)
}

// SendRecord returns the zero record when the pair was never sent.
func (e *DeliveryEngine) SendRecord(ctx context.Context, subscriber, triggerID string) (SendRecord, error) {
	return e.ledger.GetHistory(ctx, subscriber, triggerID)
}

// ResetHistory is the administrative reset; empty triggerID clears the subscriber.
func (e *DeliveryEngine) ResetHistory(ctx context.Context, subscriber, triggerID string) error {
	if triggerID != "" {
		unlock := e.locks.Lock(subscriber + "\x00" + triggerID)
		defer unlock()
	}
	return e.ledger.Reset(ctx, subscriber, triggerID)
}

// IsNotFound reports whether err means a missing trigger, image or record.
func IsNotFound(err error) bool {
	return errors.Is(err, apperr.ErrNotFound) || errors.Is(err, storage.ErrNotFound)
}
