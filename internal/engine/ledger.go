package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"media-delivery-engine/internal/apperr"
	"media-delivery-engine/internal/storage"
)

const casAttempts = 16

// Ledger records deliveries per subscriber. Each subscriber is one document
// in the history bucket; writes are compare-and-swap so concurrent appends
// never lose counts.
type Ledger struct {
	kv  storage.KV
	now func() time.Time
}

func NewLedger(kv storage.KV) *Ledger {
	return &Ledger{kv: kv, now: time.Now}
}

func (l *Ledger) load(ctx context.Context, subscriber string) (History, []byte, error) {
	raw, err := l.kv.Get(ctx, storage.BucketHistory, subscriber)
	if errors.Is(err, storage.ErrNotFound) {
		return History{}, nil, nil
	}
	if err != nil {
		return nil, nil, apperr.Storage("ledger.load", err, "history for %s", subscriber)
	}
	h := History{}
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, nil, apperr.Storage("ledger.load", err, "decode history for %s", subscriber)
	}
	return h, raw, nil
}

// RecordSend appends filenames not already present, adds len(filenames) to
// the total, bumps the send count and stamps LastSentAt.
func (l *Ledger) RecordSend(ctx context.Context, subscriber, triggerID string, filenames []string) (SendRecord, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		h, raw, err := l.load(ctx, subscriber)
		if err != nil {
			return SendRecord{}, err
		}
		now := l.now().UTC()
		rec := h[triggerID]
		for _, f := range filenames {
			if !slices.ContainsFunc(rec.SentImages, func(s SentImage) bool { return s.Filename == f }) {
				rec.SentImages = append(rec.SentImages, SentImage{Filename: f, SentAt: now})
			}
		}
		rec.TotalImagesSent += len(filenames)
		rec.SendCount++
		rec.LastSentAt = &now
		h[triggerID] = rec

		b, err := json.Marshal(h)
		if err != nil {
			return SendRecord{}, fmt.Errorf("marshal history: %w", err)
		}
		err = l.kv.CompareAndSwap(ctx, storage.BucketHistory, subscriber, raw, b)
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		if err != nil {
			return SendRecord{}, apperr.Storage("ledger.record", err, "history for %s", subscriber)
		}
		return rec, nil
	}
	return SendRecord{}, apperr.Storage("ledger.record", storage.ErrConflict, "history for %s kept changing", subscriber)
}

// GetHistory returns the zero record when the pair was never sent.
func (l *Ledger) GetHistory(ctx context.Context, subscriber, triggerID string) (SendRecord, error) {
	h, _, err := l.load(ctx, subscriber)
	if err != nil {
		return SendRecord{}, err
	}
	return h[triggerID], nil
}

// Subscriber returns every record for one subscriber.
func (l *Ledger) Subscriber(ctx context.Context, subscriber string) (History, error) {
	h, _, err := l.load(ctx, subscriber)
	return h, err
}

// Reset removes one pair, or the whole subscriber when triggerID is empty.
func (l *Ledger) Reset(ctx context.Context, subscriber, triggerID string) error {
	if triggerID == "" {
		err := l.kv.Delete(ctx, storage.BucketHistory, subscriber)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return apperr.Storage("ledger.reset", err, "history for %s", subscriber)
		}
		return nil
	}
	for attempt := 0; attempt < casAttempts; attempt++ {
		h, raw, err := l.load(ctx, subscriber)
		if err != nil {
			return err
		}
		if _, ok := h[triggerID]; !ok {
			return nil
		}
		delete(h, triggerID)
		b, err := json.Marshal(h)
		if err != nil {
			return fmt.Errorf("marshal history: %w", err)
		}
		err = l.kv.CompareAndSwap(ctx, storage.BucketHistory, subscriber, raw, b)
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		if err != nil {
			return apperr.Storage("ledger.reset", err, "history for %s", subscriber)
		}
		return nil
	}
	return apperr.Storage("ledger.reset", storage.ErrConflict, "history for %s kept changing", subscriber)
}
