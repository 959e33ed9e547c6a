package engine

import (
	"cmp"
	"context"
	"errors"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"media-delivery-engine/internal/apperr"
	"media-delivery-engine/internal/config"
	"media-delivery-engine/internal/storage"
)

// DefaultManualSelection is how many images a new manual policy selects.
const DefaultManualSelection = 3

// NothingSelected is the reason reported for an empty resolution.
const NothingSelected = "nothing selected for this subject"

// Resolver turns a definition into the ordered, capped image set.
type Resolver struct {
	policies Policies
	now      func() time.Time
	shuffle  func(n int, swap func(i, j int))
}

func NewResolver(kv storage.KV) *Resolver {
	return &Resolver{policies: Policies{kv: kv}, now: time.Now, shuffle: rand.Shuffle}
}

// Resolve returns an empty Resolution, not an error, when nothing is selected.
func (r *Resolver) Resolve(ctx context.Context, def TriggerDefinition, s config.Settings) (Resolution, error) {
	if def.Kind == KindKeyword {
		imgs := slices.Clone(def.Images)
		return Resolution{Images: imgs, Intro: introText(def, s, len(imgs))}, nil
	}

	p, err := r.Policy(ctx, def, s)
	if err != nil {
		return Resolution{}, err
	}
	imgs := applyMode(p.Images, p.Mode, capFor(p, s), r.shuffle)
	return Resolution{Images: imgs, Intro: introText(def, s, len(imgs)), Mode: p.Mode}, nil
}

// Policy loads the subject's policy, reconciled with the definition's current
// images. A missing policy is created from the defaults and persisted.
func (r *Resolver) Policy(ctx context.Context, def TriggerDefinition, s config.Settings) (SelectionPolicy, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		p, raw, err := r.policies.Get(ctx, def.ID)
		if errors.Is(err, storage.ErrNotFound) {
			p = DefaultPolicy(def, s, r.now())
			err = r.policies.Swap(ctx, p, nil)
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			if err != nil {
				return p, apperr.Storage("resolver.policy", err, "persist default policy %q", def.ID)
			}
			log.Debug().Str("subject", def.ID).Str("mode", p.Mode).Msg("created default selection policy")
			return p, nil
		}
		if err != nil {
			return p, apperr.Storage("resolver.policy", err, "load policy %q", def.ID)
		}
		if merged, changed := reconcile(p.Images, def.Images); changed {
			p.Images = merged
			p.UpdatedAt = r.now()
			if err := r.policies.Swap(ctx, p, raw); errors.Is(err, storage.ErrConflict) {
				continue
			} else if err != nil {
				return p, apperr.Storage("resolver.policy", err, "save policy %q", def.ID)
			}
		}
		return p, nil
	}
	return SelectionPolicy{}, apperr.Storage("resolver.policy", storage.ErrConflict, "policy %q kept changing", def.ID)
}

// DefaultPolicy keeps any selection already on the images; otherwise manual
// mode selects the first three in scrape order.
func DefaultPolicy(def TriggerDefinition, s config.Settings, now time.Time) SelectionPolicy {
	imgs := slices.Clone(def.Images)
	slices.SortStableFunc(imgs, func(a, b SourceImage) int { return cmp.Compare(a.Position, b.Position) })

	mode := s.SelectionMode
	if mode == "" {
		mode = config.ModeManual
	}
	if mode == config.ModeManual && !slices.ContainsFunc(imgs, func(i SourceImage) bool { return i.Selected }) {
		for i := range imgs {
			imgs[i].Selected = i < DefaultManualSelection
			imgs[i].SelectionOrder = nil
			if imgs[i].Selected {
				imgs[i].SelectionOrder = intPtr(i + 1)
			}
		}
	}
	return SelectionPolicy{
		Subject:   def.ID,
		Mode:      mode,
		Cap:       s.MaxImagesPerSubject,
		Images:    normalizeSelection(imgs),
		UpdatedAt: now,
	}
}

func capFor(p SelectionPolicy, s config.Settings) int {
	if p.Cap > 0 {
		return p.Cap
	}
	return s.MaxImagesPerSubject
}

func applyMode(imgs []SourceImage, mode string, limit int, shuffle func(int, func(int, int))) []SourceImage {
	byPos := slices.Clone(imgs)
	slices.SortStableFunc(byPos, func(a, b SourceImage) int { return cmp.Compare(a.Position, b.Position) })

	var out []SourceImage
	switch mode {
	case config.ModePrimaryFirst:
		for _, img := range byPos {
			if img.IsPrimary {
				out = append(out, img)
				break
			}
		}
		for _, img := range byPos {
			if len(out) > 0 && img.ID == out[0].ID {
				continue
			}
			out = append(out, img)
		}
	case config.ModeAll:
		out = byPos
	case config.ModeRandom:
		out = byPos
		shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	default:
		for _, img := range byPos {
			if img.Selected && img.SelectionOrder != nil {
				out = append(out, img)
			}
		}
		slices.SortStableFunc(out, func(a, b SourceImage) int { return cmp.Compare(*a.SelectionOrder, *b.SelectionOrder) })
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// reconcile rebuilds the policy images from the definition's current images,
// keeping only the selection state of images the policy already knew. New
// images start unselected.
func reconcile(policy, current []SourceImage) ([]SourceImage, bool) {
	have := make(map[string]SourceImage, len(policy))
	for _, img := range policy {
		have[img.ID] = img
	}
	out := make([]SourceImage, 0, len(current))
	for _, img := range current {
		if prev, ok := have[img.ID]; ok {
			img.Selected, img.SelectionOrder = prev.Selected, prev.SelectionOrder
		} else {
			img.Selected, img.SelectionOrder = false, nil
		}
		out = append(out, img)
	}
	out = normalizeSelection(out)
	if slices.EqualFunc(policy, out, sameImage) {
		return policy, false
	}
	return out, true
}

func sameImage(a, b SourceImage) bool {
	if (a.SelectionOrder == nil) != (b.SelectionOrder == nil) {
		return false
	}
	if a.SelectionOrder != nil && *a.SelectionOrder != *b.SelectionOrder {
		return false
	}
	return a.ID == b.ID &&
		a.Filename == b.Filename &&
		a.OriginalName == b.OriginalName &&
		a.Path == b.Path &&
		a.RemoteURL == b.RemoteURL &&
		a.Size == b.Size &&
		a.IsPrimary == b.IsPrimary &&
		a.Position == b.Position &&
		a.Selected == b.Selected &&
		a.Provenance == b.Provenance &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		a.UpdatedAt.Equal(b.UpdatedAt)
}

// normalizeSelection enforces selected iff SelectionOrder is set, with
// orders renumbered 1..n; ties keep list order.
func normalizeSelection(imgs []SourceImage) []SourceImage {
	idx := make([]int, 0, len(imgs))
	for i := range imgs {
		if imgs[i].Selected && imgs[i].SelectionOrder == nil {
			imgs[i].SelectionOrder = intPtr(1 << 30)
		}
		if !imgs[i].Selected {
			imgs[i].SelectionOrder = nil
			continue
		}
		idx = append(idx, i)
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		return cmp.Compare(*imgs[a].SelectionOrder, *imgs[b].SelectionOrder)
	})
	for n, i := range idx {
		imgs[i].SelectionOrder = intPtr(n + 1)
	}
	return imgs
}

func introText(def TriggerDefinition, s config.Settings, count int) string {
	tmpl := def.IntroTemplate
	if tmpl == "" {
		if def.Kind == KindKeyword {
			tmpl = s.KeywordIntroTemplate
		} else {
			tmpl = s.IntroTemplate
		}
	}
	name := def.Name
	if name == "" {
		name = def.Identity
	}
	return strings.NewReplacer(
		"{keyword}", def.Identity,
		"{product}", name,
		"{name}", name,
		"{url}", def.Identity,
		"{count}", strconv.Itoa(count),
	).Replace(tmpl)
}

func intPtr(n int) *int { return &n }
