package adminapi

import (
	"context"
	"fmt"
	"time"

	"github.com/fotonphotos/candlepipe/internal/aggregator"
	"github.com/fotonphotos/candlepipe/internal/backfill"
	"github.com/fotonphotos/candlepipe/internal/cache"
	"github.com/fotonphotos/candlepipe/internal/candle"
	"github.com/fotonphotos/candlepipe/internal/store"
)

const defaultHydrateN = 200

// Service is the composition root's concrete adminapi.API, wiring the
// CLI straight onto the live Aggregator, Cache, Store, and BackfillEngine
// without any transport in between.
type Service struct {
	agg      *aggregator.Aggregator
	cache    *cache.Cache
	store    store.Store
	backfill *backfill.Engine
}

func NewService(agg *aggregator.Aggregator, c *cache.Cache, s store.Store, bf *backfill.Engine) *Service {
	return &Service{agg: agg, cache: c, store: s, backfill: bf}
}

var _ API = (*Service)(nil)

func (s *Service) Latest(ctx context.Context, symbol string, market candle.Market) (candle.Candle, error) {
	key := candle.Key{Symbol: symbol, Market: market, Interval: candle.Interval15m}
	if c, ok := s.cache.Tail(key); ok {
		return c, nil
	}
	recent, err := s.store.Latest(ctx, key, 1)
	if err != nil {
		return candle.Candle{}, err
	}
	if len(recent) == 0 {
		return candle.Candle{}, fmt.Errorf("adminapi: no candles for %s", key)
	}
	return recent[0], nil
}

func (s *Service) History(ctx context.Context, symbol string, market candle.Market, limit int, start, end *time.Time) ([]candle.Candle, error) {
	key := candle.Key{Symbol: symbol, Market: market, Interval: candle.Interval15m}
	if start != nil && end != nil {
		return s.store.FindRange(ctx, key, *start, *end, limit)
	}
	return s.store.Latest(ctx, key, limit)
}

func (s *Service) Statistics(ctx context.Context) (Statistics, error) {
	stats := Statistics{
		TotalCandlesPerKey: make(map[string]int64),
		FirstTime:          make(map[string]time.Time),
		LastTime:           make(map[string]time.Time),
	}
	for _, key := range s.cache.Keys() {
		count, err := s.store.Count(ctx, key)
		if err != nil {
			return Statistics{}, err
		}
		stats.TotalCandlesPerKey[key.String()] = count

		if earliest, err := s.store.Earliest(ctx, key, 1); err == nil && len(earliest) > 0 {
			stats.FirstTime[key.String()] = earliest[0].OpenTime
		}
		if latest, err := s.store.Latest(ctx, key, 1); err == nil && len(latest) > 0 {
			stats.LastTime[key.String()] = latest[0].OpenTime
		}
	}
	return stats, nil
}

func (s *Service) Subscribe(ctx context.Context, symbol string, market candle.Market) error {
	key := candle.Key{Symbol: symbol, Market: market, Interval: candle.Interval15m}
	return s.agg.AddKey(ctx, key, defaultHydrateN)
}

func (s *Service) Unsubscribe(ctx context.Context, symbol string, market candle.Market) error {
	key := candle.Key{Symbol: symbol, Market: market, Interval: candle.Interval15m}
	s.agg.RemoveKey(key)
	return nil
}

func (s *Service) BackfillAll(ctx context.Context, symbol string, market candle.Market) (BackfillSummary, error) {
	key := candle.Key{Symbol: symbol, Market: market, Interval: candle.Interval15m}
	return s.runBackfill(ctx, key, time.Unix(0, 0).UTC(), time.Now().UTC())
}

func (s *Service) BackfillRange(ctx context.Context, symbol string, market candle.Market, start, end time.Time) (BackfillSummary, error) {
	key := candle.Key{Symbol: symbol, Market: market, Interval: candle.Interval15m}
	return s.runBackfill(ctx, key, start, end)
}

func (s *Service) runBackfill(ctx context.Context, key candle.Key, start, end time.Time) (BackfillSummary, error) {
	result := s.backfill.Run(ctx, key, start, end)
	return BackfillSummary{
		Success:          result.Success,
		TotalCandles:     result.TotalCandles,
		NewCandles:       result.NewCandles,
		DuplicateCandles: result.DuplicateCandles,
		WindowStart:      result.WindowStart,
		WindowEnd:        result.WindowEnd,
		DurationMs:       result.DurationMs,
		Errors:           result.Errors,
	}, nil
}

func (s *Service) DataStats(ctx context.Context, symbol string, market candle.Market) (DataStats, error) {
	key := candle.Key{Symbol: symbol, Market: market, Interval: candle.Interval15m}
	out := DataStats{Key: key, CacheDepth: s.cache.Len(key)}

	if earliest, err := s.store.Earliest(ctx, key, 1); err == nil && len(earliest) > 0 {
		out.EarliestStored = &earliest[0]
	}
	if latest, err := s.store.Latest(ctx, key, 1); err == nil && len(latest) > 0 {
		out.LatestStored = &latest[0]
	}
	return out, nil
}
