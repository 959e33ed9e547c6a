package listener

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"media-delivery-engine/internal/storage"
)

// DebounceWindow coalesces bursts of notifications into one refresh.
const DebounceWindow = 200 * time.Millisecond

// Refresher rebuilds the in-memory snapshot from the store.
type Refresher interface {
	BuildSnapshot(ctx context.Context) error
}

// ListenAndRefresh rebuilds r's snapshot whenever another writer changes a
// definition, policy or settings document of namespace. It reconnects with
// jittered backoff and returns when ctx is done.
func ListenAndRefresh(ctx context.Context, st *storage.Postgres, r Refresher, namespace string, baseBackoff time.Duration) {
	changes := make(chan struct{}, 1)
	go debounce(ctx, changes, DebounceWindow, func() {
		if err := r.BuildSnapshot(ctx); err != nil {
			log.Error().Err(err).Msg("refresh snapshot error")
		}
	})

	for ctx.Err() == nil {
		err := listen(ctx, st, namespace, changes)
		if ctx.Err() != nil {
			break
		}
		backoff := jitter(baseBackoff)
		log.Error().Err(err).Dur("retry_in", backoff).Msg("notify wait error")
		if sleepCtx(ctx, backoff) != nil {
			break
		}
	}
	log.Info().Msg("listener stopped")
}

func listen(ctx context.Context, st *storage.Postgres, namespace string, changes chan<- struct{}) error {
	conn, err := st.PgxPool().Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	channel := st.ListenChannel()
	if _, err = conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return err
	}
	log.Info().Str("channel", channel).Msg("listening for DB changes")
	// anything written while we were disconnected
	signal(changes)

	for {
		ntf, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		if !forNamespace(ntf.Payload, namespace) {
			continue
		}
		log.Debug().Str("channel", ntf.Channel).Str("payload", ntf.Payload).Msg("db change")
		signal(changes)
	}
}

// forNamespace matches payloads of the form "<namespace>:<bucket>".
func forNamespace(payload, namespace string) bool {
	ns, _, ok := strings.Cut(payload, ":")
	return !ok || ns == namespace
}

func signal(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// debounce calls fn once per burst, window after the first signal of it.
func debounce(ctx context.Context, in <-chan struct{}, window time.Duration, fn func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-in:
		}
		if sleepCtx(ctx, window) != nil {
			return
		}
		// signals that arrived during the window are covered by this call
		select {
		case <-in:
		default:
		}
		fn()
	}
}

func jitter(base time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	factor := 0.5 + rand.Float64() // 0.5x–1.5x
	return time.Duration(float64(base) * factor)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
