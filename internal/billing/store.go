// Package billing implements the cold billing consumer (spec §4.6, §5):
// a serial drain of the `billing` list that upserts usage into Postgres
// and the external usage recorder, isolated from the hot result path by
// its own small connection pool (the teacher's gvisor.DatabaseStateManager
// and database.SupabaseClient are the grounding for the two halves of
// this split).
package billing

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/yapit-tts/yapit-sub004/internal/wire"
)

// Store owns the billing consumer's isolated Postgres pool and records
// one usage row per billing event.
type Store struct {
	db *sql.DB
}

// Open connects to dsn with the small pool sizes spec §5 calls for — the
// billing path must never be able to starve the hot path of connections.
func Open(dsn string, maxOpenConns, maxIdleConns int) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("billing: open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("billing: ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RecordUsage upserts one usage row keyed by (user_id, variant_hash),
// so redelivering the same billing event after a crash is a no-op rather
// than double-charging a user (spec §4.6 "at-most-once via upstream
// dedup").
func (s *Store) RecordUsage(ctx context.Context, event wire.BillingEvent) error {
	const q = `
INSERT INTO usage_events (
	user_id, document_id, variant_hash, text_length, usage_multiplier,
	duration_ms, model, voice, codec, cache_ref
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (user_id, variant_hash) DO UPDATE SET
	duration_ms = EXCLUDED.duration_ms,
	cache_ref   = EXCLUDED.cache_ref
`
	_, err := s.db.ExecContext(ctx, q,
		event.UserID, event.DocumentID, event.VariantHash, event.TextLength, event.UsageMultiplier,
		event.DurationMs, event.Model, event.Voice, event.Codec, event.CacheRef,
	)
	return err
}
