package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"media-delivery-engine/internal/config"
)

// DefaultListenChannel carries change notifications for definition buckets.
const DefaultListenChannel = "media_kv_change"

// Postgres is the transactional backend; required when more than one engine
// instance shares state, since CompareAndSwap is enforced by the database.
type Postgres struct {
	pool      *pgxpool.Pool
	namespace string
	channel   string
}

func NewPostgres(ctx context.Context, cfg config.Config) (*Postgres, error) {
	dsn := cfg.DSN()
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres DSN: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Postgres.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.Postgres.MaxIdleConns)
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	channel := cfg.Listener.Channel
	if channel == "" {
		channel = DefaultListenChannel
	}
	s := &Postgres{pool: pool, namespace: cfg.Namespace, channel: channel}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Postgres) migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS media_kv (
			namespace  TEXT        NOT NULL,
			bucket     TEXT        NOT NULL,
			key        TEXT        NOT NULL,
			value      BYTEA       NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (namespace, bucket, key)
		)
	`)
	if err != nil {
		return fmt.Errorf("create media_kv: %w", err)
	}
	return nil
}

func (s *Postgres) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var v []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM media_kv WHERE namespace = $1 AND bucket = $2 AND key = $3`,
		s.namespace, bucket, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query %s/%s: %w", bucket, key, err)
	}
	return v, nil
}

func (s *Postgres) Put(ctx context.Context, bucket, key string, value []byte) error {
	if err := checkBucket(bucket); err != nil {
		return err
	}
	if err := checkKey(key); err != nil {
		return err
	}
	return s.write(ctx, bucket, key, func(tx pgx.Tx) (int64, error) {
		tag, err := tx.Exec(ctx, `
			INSERT INTO media_kv (namespace, bucket, key, value, updated_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (namespace, bucket, key)
			DO UPDATE SET value = EXCLUDED.value, updated_at = now()
		`, s.namespace, bucket, key, value)
		return tag.RowsAffected(), err
	})
}

func (s *Postgres) CompareAndSwap(ctx context.Context, bucket, key string, old, value []byte) error {
	if err := checkBucket(bucket); err != nil {
		return err
	}
	if err := checkKey(key); err != nil {
		return err
	}
	return s.write(ctx, bucket, key, func(tx pgx.Tx) (int64, error) {
		if old == nil {
			tag, err := tx.Exec(ctx, `
				INSERT INTO media_kv (namespace, bucket, key, value, updated_at)
				VALUES ($1, $2, $3, $4, now())
				ON CONFLICT (namespace, bucket, key) DO NOTHING
			`, s.namespace, bucket, key, value)
			return tag.RowsAffected(), err
		}
		tag, err := tx.Exec(ctx, `
			UPDATE media_kv SET value = $5, updated_at = now()
			WHERE namespace = $1 AND bucket = $2 AND key = $3 AND value = $4
		`, s.namespace, bucket, key, old, value)
		return tag.RowsAffected(), err
	})
}

func (s *Postgres) List(ctx context.Context, bucket string) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT key, value FROM media_kv WHERE namespace = $1 AND bucket = $2 ORDER BY key`,
		s.namespace, bucket)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", bucket, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, e)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (s *Postgres) Delete(ctx context.Context, bucket, key string) error {
	return s.write(ctx, bucket, key, func(tx pgx.Tx) (int64, error) {
		tag, err := tx.Exec(ctx,
			`DELETE FROM media_kv WHERE namespace = $1 AND bucket = $2 AND key = $3`,
			s.namespace, bucket, key)
		if err == nil && tag.RowsAffected() == 0 {
			return 0, ErrNotFound
		}
		return tag.RowsAffected(), err
	})
}

// write runs fn in a transaction and notifies listeners when a definition
// bucket changed. Zero affected rows is reported as ErrConflict.
func (s *Postgres) write(ctx context.Context, bucket, key string, fn func(pgx.Tx) (int64, error)) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		n, err := fn(tx)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return err
			}
			return fmt.Errorf("write %s/%s: %w", bucket, key, err)
		}
		if n == 0 {
			return ErrConflict
		}
		if bucket == BucketTriggers || bucket == BucketPolicies || bucket == BucketSettings {
			if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.channel, s.namespace+":"+bucket); err != nil {
				return fmt.Errorf("notify %s: %w", s.channel, err)
			}
		}
		return nil
	})
}

func (s *Postgres) ListenChannel() string {
	return s.channel
}

func (s *Postgres) PgxPool() *pgxpool.Pool {
	if s.pool == nil {
		panic(errors.New("pgx pool is nil"))
	}
	return s.pool
}
