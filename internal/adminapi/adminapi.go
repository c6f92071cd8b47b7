// Package adminapi defines the process-local admin surface spec.md
// describes as "shape only; transport not part of core". It is
// implemented by the composition root and reused, unchanged, by both
// the cobra CLI and (should one ever be added) an HTTP layer.
package adminapi

import (
	"context"
	"time"

	"github.com/fotonphotos/candlepipe/internal/candle"
)

// KeyStatistics is one entry of Statistics's per-key breakdown.
type KeyStatistics struct {
	Key             candle.Key
	TotalCandles    int64
	FirstTime       time.Time
	LastTime        time.Time
}

// Statistics is the aggregate response of the statistics() operation.
type Statistics struct {
	TotalCandlesPerKey map[string]int64
	FirstTime          map[string]time.Time
	LastTime           map[string]time.Time
}

// BackfillSummary mirrors BackfillEngine's Result, re-exported at the
// admin-surface boundary so callers don't need to import internal/backfill.
type BackfillSummary struct {
	Success          bool
	TotalCandles     int
	NewCandles       int
	DuplicateCandles int
	WindowStart      time.Time
	WindowEnd        time.Time
	DurationMs       int64
	Errors           []string
}

// DataStats reports what's known about a key without running a backfill.
type DataStats struct {
	Key             candle.Key
	EarliestStored  *candle.Candle
	LatestStored    *candle.Candle
	CacheDepth      int
}

// API is the admin surface spec.md §6 describes as an external-HTTP-layer
// contract. candlepipe's composition root implements it directly;
// cmd/candlepipe's cobra commands call it without any transport in
// between.
type API interface {
	Latest(ctx context.Context, symbol string, market candle.Market) (candle.Candle, error)
	History(ctx context.Context, symbol string, market candle.Market, limit int, start, end *time.Time) ([]candle.Candle, error)
	Statistics(ctx context.Context) (Statistics, error)
	Subscribe(ctx context.Context, symbol string, market candle.Market) error
	Unsubscribe(ctx context.Context, symbol string, market candle.Market) error
	BackfillAll(ctx context.Context, symbol string, market candle.Market) (BackfillSummary, error)
	BackfillRange(ctx context.Context, symbol string, market candle.Market, start, end time.Time) (BackfillSummary, error)
	DataStats(ctx context.Context, symbol string, market candle.Market) (DataStats, error)
}
