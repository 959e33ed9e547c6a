package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"media-delivery-engine/internal/apperr"
	"media-delivery-engine/internal/config"
	"media-delivery-engine/internal/storage"
)

// TriggerID is the storage key and ledger key of a definition.
func TriggerID(kind TriggerKind, identity string) string {
	identity = strings.TrimSpace(identity)
	if kind == KindProductURL {
		identity = CanonicalURL(identity)
	}
	return string(kind) + ":" + identity
}

// Triggers persists definitions in the triggers bucket.
type Triggers struct{ kv storage.KV }

func (r Triggers) Get(ctx context.Context, id string) (TriggerDefinition, error) {
	var def TriggerDefinition
	err := getJSON(ctx, r.kv, storage.BucketTriggers, id, &def)
	if errors.Is(err, storage.ErrNotFound) {
		return def, apperr.NotFoundf("triggers.get", "trigger %q not found", id)
	}
	return def, err
}

func (r Triggers) List(ctx context.Context) ([]TriggerDefinition, error) {
	entries, err := r.kv.List(ctx, storage.BucketTriggers)
	if err != nil {
		return nil, apperr.Storage("triggers.list", err, "list triggers")
	}
	out := make([]TriggerDefinition, 0, len(entries))
	for _, e := range entries {
		var def TriggerDefinition
		if err := json.Unmarshal(e.Value, &def); err != nil {
			return nil, apperr.Storage("triggers.list", err, "decode trigger %q", e.Key)
		}
		out = append(out, def)
	}
	return out, nil
}

func (r Triggers) Put(ctx context.Context, def TriggerDefinition) error {
	return putJSON(ctx, r.kv, storage.BucketTriggers, def.ID, def)
}

func (r Triggers) Delete(ctx context.Context, id string) error {
	err := r.kv.Delete(ctx, storage.BucketTriggers, id)
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.NotFoundf("triggers.delete", "trigger %q not found", id)
	}
	if err != nil {
		return apperr.Storage("triggers.delete", err, "delete %q", id)
	}
	return nil
}

// Policies persists SelectionPolicy records keyed by subject.
type Policies struct{ kv storage.KV }

// Get returns storage.ErrNotFound (unwrapped) when no policy exists yet.
func (r Policies) Get(ctx context.Context, subject string) (SelectionPolicy, []byte, error) {
	raw, err := r.kv.Get(ctx, storage.BucketPolicies, subject)
	if err != nil {
		return SelectionPolicy{}, nil, err
	}
	var p SelectionPolicy
	if err := json.Unmarshal(raw, &p); err != nil {
		return SelectionPolicy{}, nil, apperr.Storage("policies.get", err, "decode policy %q", subject)
	}
	return p, raw, nil
}

// Swap writes p only if the stored bytes still equal old (nil: absent).
func (r Policies) Swap(ctx context.Context, p SelectionPolicy, old []byte) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	return r.kv.CompareAndSwap(ctx, storage.BucketPolicies, p.Subject, old, b)
}

func (r Policies) Put(ctx context.Context, p SelectionPolicy) error {
	return putJSON(ctx, r.kv, storage.BucketPolicies, p.Subject, p)
}

func (r Policies) Delete(ctx context.Context, subject string) error {
	err := r.kv.Delete(ctx, storage.BucketPolicies, subject)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return apperr.Storage("policies.delete", err, "delete %q", subject)
	}
	return nil
}

const settingsKey = "current"

// SettingsStore persists the runtime Settings; the config file only seeds them.
type SettingsStore struct {
	kv       storage.KV
	defaults config.Settings
}

func (r SettingsStore) Load(ctx context.Context) (config.Settings, error) {
	var s config.Settings
	err := getJSON(ctx, r.kv, storage.BucketSettings, settingsKey, &s)
	if errors.Is(err, storage.ErrNotFound) {
		return r.defaults.WithDefaults(), nil
	}
	if err != nil {
		return s, err
	}
	return s.WithDefaults(), nil
}

func (r SettingsStore) Save(ctx context.Context, s config.Settings) error {
	if err := s.Validate(); err != nil {
		return &apperr.Error{Kind: apperr.KindValidation, Op: "settings.save", Err: err}
	}
	return putJSON(ctx, r.kv, storage.BucketSettings, settingsKey, s)
}

func getJSON(ctx context.Context, kv storage.KV, bucket, key string, v any) error {
	raw, err := kv.Get(ctx, bucket, key)
	if errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err != nil {
		return apperr.Storage("kv.get", err, "%s/%s", bucket, key)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperr.Storage("kv.get", err, "decode %s/%s", bucket, key)
	}
	return nil
}

func putJSON(ctx context.Context, kv storage.KV, bucket, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", bucket, key, err)
	}
	if err := kv.Put(ctx, bucket, key, b); err != nil {
		return apperr.Storage("kv.put", err, "%s/%s", bucket, key)
	}
	return nil
}
