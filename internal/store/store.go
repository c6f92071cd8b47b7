// Package store implements durable candle persistence. Store is the
// interface the rest of the pipeline depends on; Postgres is the
// production backing, and an in-memory fake (used by tests) lives
// alongside it.
package store

import (
	"context"
	"time"

	"github.com/fotonphotos/candlepipe/internal/candle"
)

// Store is the durable persistence contract required by the Aggregator
// and the BackfillEngine. Save MUST be idempotent: saving the same
// (symbol, market, openTime) twice updates the row in place rather than
// producing a duplicate.
type Store interface {
	Save(ctx context.Context, c candle.Candle) error
	FindByOpenTime(ctx context.Context, key candle.Key, openTime time.Time) (candle.Candle, bool, error)
	Latest(ctx context.Context, key candle.Key, n int) ([]candle.Candle, error)   // newest-first
	Earliest(ctx context.Context, key candle.Key, n int) ([]candle.Candle, error) // oldest-first
	// FindRange returns up to limit candles with open_time in [start, end)
	// ordered oldest-first, backing the admin surface's history() query.
	FindRange(ctx context.Context, key candle.Key, start, end time.Time, limit int) ([]candle.Candle, error)
	Count(ctx context.Context, key candle.Key) (int64, error)
	HealthCheck(ctx context.Context) bool
}
