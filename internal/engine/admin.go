package engine

import (
	"context"
	"errors"
	"net/url"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"media-delivery-engine/internal/apperr"
	"media-delivery-engine/internal/config"
	"media-delivery-engine/internal/storage"
)

var inputValidator = validator.New()

// ImageInput describes a source image on upsert. An empty ID gets a new one.
type ImageInput struct {
	ID           string     `json:"id" yaml:"id"`
	Filename     string     `json:"filename" yaml:"filename" validate:"required_without=RemoteURL"`
	OriginalName string     `json:"original_name" yaml:"original_name"`
	Path         string     `json:"path" yaml:"path" validate:"required_without=RemoteURL"`
	RemoteURL    string     `json:"remote_url" yaml:"remote_url" validate:"omitempty,url"`
	Size         int64      `json:"size" yaml:"size" validate:"gte=0"`
	IsPrimary    bool       `json:"is_primary" yaml:"is_primary"`
	Selected     bool       `json:"selected" yaml:"selected"`
	Provenance   Provenance `json:"provenance" yaml:"provenance" validate:"omitempty,oneof=scraped uploaded"`
}

// TriggerInput creates or replaces a definition. Nil flags take the runtime
// settings' defaults.
type TriggerInput struct {
	Kind          TriggerKind  `json:"kind" yaml:"kind" validate:"required,oneof=keyword product_url"`
	Identity      string       `json:"identity" yaml:"identity" validate:"required,max=2048"`
	Name          string       `json:"name" yaml:"name"`
	Enabled       *bool        `json:"enabled" yaml:"enabled"`
	MatchMode     MatchMode    `json:"match_mode" yaml:"match_mode" validate:"omitempty,oneof=exact substring"`
	CaseSensitive *bool        `json:"case_sensitive" yaml:"case_sensitive"`
	IntroTemplate string       `json:"intro_template" yaml:"intro_template" validate:"max=2000"`
	Images        []ImageInput `json:"images" yaml:"images" validate:"dive"`
}

func (e *DeliveryEngine) UpsertTrigger(ctx context.Context, in TriggerInput) (TriggerDefinition, error) {
	const op = "engine.upsert_trigger"
	in.Identity = strings.TrimSpace(in.Identity)
	if err := inputValidator.Struct(in); err != nil {
		return TriggerDefinition{}, &apperr.Error{Kind: apperr.KindValidation, Op: op, Err: err}
	}
	if in.Kind == KindProductURL {
		if u, err := url.Parse(in.Identity); err != nil || u.Host == "" {
			return TriggerDefinition{}, apperr.Validationf(op, "product identity must be an absolute URL")
		}
	}
	s, err := e.settings.Load(ctx)
	if err != nil {
		return TriggerDefinition{}, err
	}

	id := TriggerID(in.Kind, in.Identity)
	prev, err := e.triggers.Get(ctx, id)
	exists := err == nil
	if err != nil && !IsNotFound(err) {
		return TriggerDefinition{}, err
	}

	now := e.now().UTC()
	def := TriggerDefinition{
		ID:            id,
		Kind:          in.Kind,
		Identity:      in.Identity,
		Name:          in.Name,
		Enabled:       true,
		MatchMode:     in.MatchMode,
		CaseSensitive: s.CaseSensitive,
		IntroTemplate: in.IntroTemplate,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if exists {
		def.CreatedAt = prev.CreatedAt
	}
	if in.Enabled != nil {
		def.Enabled = *in.Enabled
	}
	if in.CaseSensitive != nil {
		def.CaseSensitive = *in.CaseSensitive
	}
	if def.MatchMode == "" {
		def.MatchMode = MatchSubstring
		if s.ExactMatch {
			def.MatchMode = MatchExact
		}
	}

	old := map[string]SourceImage{}
	for _, img := range prev.Images {
		old[img.ID] = img
	}
	seen := map[string]bool{}
	for i, ii := range in.Images {
		img := SourceImage{
			ID:           ii.ID,
			Filename:     ii.Filename,
			OriginalName: ii.OriginalName,
			Path:         ii.Path,
			RemoteURL:    ii.RemoteURL,
			Size:         ii.Size,
			IsPrimary:    ii.IsPrimary,
			Position:     i,
			Selected:     ii.Selected,
			Provenance:   ii.Provenance,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if img.ID == "" {
			img.ID = uuid.NewString()
		} else if p, ok := old[img.ID]; ok {
			img.CreatedAt = p.CreatedAt
		}
		if seen[img.ID] {
			return TriggerDefinition{}, apperr.Validationf(op, "duplicate image id %s", img.ID)
		}
		seen[img.ID] = true
		if img.Filename == "" {
			img.Filename = remoteName(img.RemoteURL)
		}
		if img.Provenance == "" {
			img.Provenance = ProvenanceUploaded
		}
		if img.Selected {
			img.SelectionOrder = intPtr(i + 1)
		}
		def.Images = append(def.Images, img)
	}
	if len(def.Images) > 0 && !slices.ContainsFunc(def.Images, func(i SourceImage) bool { return i.IsPrimary }) {
		def.Images[0].IsPrimary = true
	}
	def.Images = normalizeSelection(def.Images)

	if err := e.triggers.Put(ctx, def); err != nil {
		return def, err
	}
	return def, e.BuildSnapshot(ctx)
}

func remoteName(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if i := strings.LastIndex(u.Path, "/"); i >= 0 && i < len(u.Path)-1 {
		return u.Path[i+1:]
	}
	return u.Host
}

func (e *DeliveryEngine) GetTrigger(ctx context.Context, id string) (TriggerDefinition, error) {
	return e.triggers.Get(ctx, id)
}

func (e *DeliveryEngine) ListTriggers(ctx context.Context) ([]TriggerDefinition, error) {
	return e.triggers.List(ctx)
}

// DeleteTrigger removes the definition and its selection policy. Send
// history is kept.
func (e *DeliveryEngine) DeleteTrigger(ctx context.Context, id string) error {
	if err := e.triggers.Delete(ctx, id); err != nil {
		return err
	}
	if err := e.policies.Delete(ctx, id); err != nil {
		return err
	}
	return e.BuildSnapshot(ctx)
}

// Policy returns the subject's selection policy, creating the default one.
func (e *DeliveryEngine) Policy(ctx context.Context, subject string) (SelectionPolicy, error) {
	def, s, err := e.productSubject(ctx, subject)
	if err != nil {
		return SelectionPolicy{}, err
	}
	return e.resolver.Policy(ctx, def, s)
}

// Preview resolves a subject without staging or sending anything.
func (e *DeliveryEngine) Preview(ctx context.Context, subject string) (Resolution, error) {
	def, err := e.triggers.Get(ctx, subject)
	if err != nil {
		return Resolution{}, err
	}
	s, err := e.settings.Load(ctx)
	if err != nil {
		return Resolution{}, err
	}
	return e.resolver.Resolve(ctx, def, s)
}

// SelectImages selects exactly ids, in the given order, numbering them 1..n.
func (e *DeliveryEngine) SelectImages(ctx context.Context, subject string, ids []string) (SelectionPolicy, error) {
	const op = "engine.select_images"
	return e.updatePolicy(ctx, subject, func(p *SelectionPolicy) error {
		order := make(map[string]int, len(ids))
		for i, id := range ids {
			if _, dup := order[id]; dup {
				return apperr.Validationf(op, "image %s listed twice", id)
			}
			if !slices.ContainsFunc(p.Images, func(img SourceImage) bool { return img.ID == id }) {
				return apperr.NotFoundf(op, "image %s not found in %s", id, subject)
			}
			order[id] = i + 1
		}
		for i := range p.Images {
			n, ok := order[p.Images[i].ID]
			p.Images[i].Selected = ok
			p.Images[i].SelectionOrder = nil
			if ok {
				p.Images[i].SelectionOrder = intPtr(n)
			}
		}
		return nil
	})
}

// SetSelectionMode changes the mode and, when limit > 0, the cap.
func (e *DeliveryEngine) SetSelectionMode(ctx context.Context, subject, mode string, limit int) (SelectionPolicy, error) {
	const op = "engine.set_selection_mode"
	switch mode {
	case config.ModeManual, config.ModePrimaryFirst, config.ModeAll, config.ModeRandom:
	default:
		return SelectionPolicy{}, apperr.Validationf(op, "unknown selection mode %q", mode)
	}
	if limit < 0 || limit > 50 {
		return SelectionPolicy{}, apperr.Validationf(op, "cap must be between 0 and 50")
	}
	return e.updatePolicy(ctx, subject, func(p *SelectionPolicy) error {
		p.Mode = mode
		if limit > 0 {
			p.Cap = limit
		}
		return nil
	})
}

// RemoveImage drops an image from the subject and renumbers what remains.
func (e *DeliveryEngine) RemoveImage(ctx context.Context, subject, imageID string) (TriggerDefinition, error) {
	const op = "engine.remove_image"
	unlock := e.locks.Lock("subject\x00" + subject)
	defer unlock()

	def, err := e.triggers.Get(ctx, subject)
	if err != nil {
		return def, err
	}
	i := slices.IndexFunc(def.Images, func(img SourceImage) bool { return img.ID == imageID })
	if i < 0 {
		return def, apperr.NotFoundf(op, "image %s not found in %s", imageID, subject)
	}
	wasPrimary := def.Images[i].IsPrimary
	def.Images = slices.Delete(def.Images, i, i+1)
	for n := range def.Images {
		def.Images[n].Position = n
	}
	if wasPrimary && len(def.Images) > 0 {
		def.Images[0].IsPrimary = true
	}
	def.Images = normalizeSelection(def.Images)
	def.UpdatedAt = e.now().UTC()
	if err := e.triggers.Put(ctx, def); err != nil {
		return def, err
	}

	if def.Kind == KindProductURL {
		p, _, err := e.policies.Get(ctx, subject)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			return def, err
		default:
			p.Images = slices.DeleteFunc(p.Images, func(img SourceImage) bool { return img.ID == imageID })
			p.Images, _ = reconcile(p.Images, def.Images)
			p.Images = normalizeSelection(p.Images)
			p.UpdatedAt = def.UpdatedAt
			if err := e.policies.Put(ctx, p); err != nil {
				return def, err
			}
		}
	}
	return def, e.BuildSnapshot(ctx)
}

func (e *DeliveryEngine) updatePolicy(ctx context.Context, subject string, fn func(*SelectionPolicy) error) (SelectionPolicy, error) {
	unlock := e.locks.Lock("subject\x00" + subject)
	defer unlock()

	def, s, err := e.productSubject(ctx, subject)
	if err != nil {
		return SelectionPolicy{}, err
	}
	p, err := e.resolver.Policy(ctx, def, s)
	if err != nil {
		return p, err
	}
	if err := fn(&p); err != nil {
		return p, err
	}
	p.Images = normalizeSelection(p.Images)
	p.UpdatedAt = e.now().UTC()
	if err := e.policies.Put(ctx, p); err != nil {
		return p, err
	}
	return p, nil
}

func (e *DeliveryEngine) productSubject(ctx context.Context, subject string) (TriggerDefinition, config.Settings, error) {
	def, err := e.triggers.Get(ctx, subject)
	if err != nil {
		return def, config.Settings{}, err
	}
	if def.Kind != KindProductURL {
		return def, config.Settings{}, apperr.Validationf("engine.policy", "%s has no selection policy; keyword images are sent as configured", subject)
	}
	s, err := e.settings.Load(ctx)
	return def, s, err
}
