package engine

import (
	"context"
	"fmt"
	"time"

	"media-delivery-engine/internal/config"
)

// Gate decides whether a trigger may fire again for a subscriber. The window
// slides: every recorded send restarts it.
type Gate struct {
	ledger *Ledger
	now    func() time.Time
}

func NewGate(l *Ledger) *Gate { return &Gate{ledger: l, now: time.Now} }

func (g *Gate) ShouldSend(ctx context.Context, s config.Settings, subscriber, triggerID string) (Decision, error) {
	if !s.Enabled {
		return Decision{Allow: false, Reason: "engine disabled"}, nil
	}
	if !s.DedupEnabled {
		return Decision{Allow: true, Reason: "duplicate suppression disabled"}, nil
	}
	rec, err := g.ledger.GetHistory(ctx, subscriber, triggerID)
	if err != nil {
		return Decision{}, err
	}
	if rec.LastSentAt == nil {
		return Decision{Allow: true, Reason: "first time"}, nil
	}

	window := s.DedupWindow()
	elapsed := g.now().Sub(*rec.LastSentAt)
	if elapsed >= window {
		return Decision{
			Allow:   true,
			Reason:  fmt.Sprintf("last sent %.1fh ago, window of %s elapsed", elapsed.Hours(), window),
			Elapsed: elapsed,
		}, nil
	}
	remaining := window - elapsed
	return Decision{
		Allow:     false,
		Reason:    fmt.Sprintf("sent %.1fh ago, %.1fh remaining", elapsed.Hours(), remaining.Hours()),
		Elapsed:   elapsed,
		Remaining: remaining,
	}, nil
}
