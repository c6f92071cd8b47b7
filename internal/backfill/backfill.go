// Package backfill implements the BackfillEngine (C6): paginated
// historical reconciliation against the durable store, rate-limited and
// circuit-broken against the upstream REST API.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fotonphotos/candlepipe/internal/candle"
	"github.com/fotonphotos/candlepipe/internal/eventbus"
	"github.com/fotonphotos/candlepipe/internal/metrics"
	"github.com/fotonphotos/candlepipe/internal/store"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const intervalMs = 900_000 // 15m in milliseconds

// Config controls batch sizing, retry policy, and the inter-request rate
// budget. Defaults mirror the documented defaults exactly.
type Config struct {
	BatchSize            int // max candles per store commit pass, default 500
	RequestDelayMs       int // minimum delay between REST requests, default 200
	MaxRetries           int // per-batch retry budget on transient failure, default 3
	MaxCandlesPerRequest int // REST page size cap, default 1500
}

func defaultConfig() Config {
	return Config{BatchSize: 500, RequestDelayMs: 200, MaxRetries: 3, MaxCandlesPerRequest: 1500}
}

func mergeDefaults(cfg Config) Config {
	d := defaultConfig()
	if cfg.BatchSize > 0 {
		d.BatchSize = cfg.BatchSize
	}
	if cfg.RequestDelayMs > 0 {
		d.RequestDelayMs = cfg.RequestDelayMs
	}
	if cfg.MaxRetries > 0 {
		d.MaxRetries = cfg.MaxRetries
	}
	if cfg.MaxCandlesPerRequest > 0 {
		d.MaxCandlesPerRequest = cfg.MaxCandlesPerRequest
	}
	return d
}

// RESTClient fetches one page of historical klines. Implemented over
// net/http in production; fakeable in tests.
type RESTClient interface {
	FetchKlines(ctx context.Context, key candle.Key, startMs, endMs int64, limit int) ([]candle.Candle, error)
}

// TransientError marks a retryable failure (429 / timeout / 5xx).
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return "backfill: transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks a non-retryable per-request failure (4xx other than
// 429 with a parseable API error).
type FatalError struct{ Err error }

func (e *FatalError) Error() string { return "backfill: fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Result is the statistics record returned by Run.
type Result struct {
	Success          bool
	TotalCandles     int
	NewCandles       int
	DuplicateCandles int
	WindowStart      time.Time
	WindowEnd        time.Time
	DurationMs       int64
	Errors           []string
}

// Engine is the BackfillEngine (C6).
type Engine struct {
	client  RESTClient
	store   store.Store
	bus     *eventbus.Bus
	logger  *zap.Logger
	cfg     Config
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
}

// WithMetrics attaches an optional metrics sink for batch/retry counters.
// Nil-safe if never called.
func (e *Engine) WithMetrics(m *metrics.Metrics) *Engine {
	e.metrics = m
	return e
}

// New builds an Engine. The rate limiter enforces RequestDelayMs as a
// token-bucket budget; the circuit breaker trips on sustained upstream
// failure independent of the per-batch retry loop.
func New(client RESTClient, s store.Store, bus *eventbus.Bus, logger *zap.Logger, cfg Config) *Engine {
	cfg = mergeDefaults(cfg)
	rps := 1000.0 / float64(cfg.RequestDelayMs)
	return &Engine{
		client:  client,
		store:   s,
		bus:     bus,
		logger:  logger,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     "backfill-rest",
			Interval: 60 * time.Second,
			Timeout:  60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.ConsecutiveFailures >= 3 {
					return true
				}
				if counts.Requests < 20 {
					return false
				}
				return float64(counts.TotalFailures)/float64(counts.Requests) > 0.05
			},
		}),
	}
}

// Run reconciles key over [windowStart, windowEnd] per the documented
// cursor-placement and iteration algorithm.
func (e *Engine) Run(ctx context.Context, key candle.Key, windowStart, windowEnd time.Time) Result {
	start := time.Now()
	result := Result{WindowStart: windowStart, WindowEnd: windowEnd}

	cursor, done, err := e.placeCursor(ctx, key, windowStart, windowEnd)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		result.DurationMs = time.Since(start).Milliseconds()
		return result
	}
	if done {
		result.Success = true
		result.DurationMs = time.Since(start).Milliseconds()
		return result
	}

	windowEndMs := windowEnd.UnixMilli()
	result.Success = true

	for cursor < windowEndMs {
		batchEndMs := min64(cursor+int64(e.cfg.MaxCandlesPerRequest)*intervalMs, windowEndMs)

		candles, err := e.fetchWithRetry(ctx, key, cursor, batchEndMs)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			if isFatal(err) {
				result.Success = false
				break
			}
			// Transient, retries exhausted: skip forward one full batch
			// window and report the gap.
			e.bus.Publish(eventbus.TopicBackfillGap, eventbus.BackfillGapPayload{
				Key:         key,
				WindowStart: time.UnixMilli(cursor).UTC(),
				WindowEnd:   time.UnixMilli(batchEndMs).UTC(),
				Reason:      err.Error(),
			})
			cursor = batchEndMs + intervalMs
			continue
		}

		if len(candles) == 0 {
			break
		}

		for _, chunk := range chunkCandles(candles, e.cfg.BatchSize) {
			newCount, dupCount := e.commitBatch(ctx, chunk)
			result.TotalCandles += len(chunk)
			result.NewCandles += newCount
			result.DuplicateCandles += dupCount
			if e.metrics != nil {
				e.metrics.BackfillBatches.WithLabelValues(key.Symbol, key.Market.String()).Inc()
			}
		}

		last := candles[len(candles)-1]
		cursor = last.OpenTime.UnixMilli() + intervalMs

		time.Sleep(time.Duration(e.cfg.RequestDelayMs) * time.Millisecond)
	}

	result.DurationMs = time.Since(start).Milliseconds()
	return result
}

// placeCursor implements the four-outcome cursor-placement rule.
func (e *Engine) placeCursor(ctx context.Context, key candle.Key, windowStart, windowEnd time.Time) (cursor int64, done bool, err error) {
	earliest, err := e.store.Earliest(ctx, key, 1)
	if err != nil {
		return 0, false, fmt.Errorf("backfill: earliest: %w", err)
	}
	latest, err := e.store.Latest(ctx, key, 1)
	if err != nil {
		return 0, false, fmt.Errorf("backfill: latest: %w", err)
	}

	if len(earliest) == 0 && len(latest) == 0 {
		return windowStart.UnixMilli(), false, nil
	}
	if len(earliest) > 0 && earliest[0].OpenTime.After(windowStart) {
		return windowStart.UnixMilli(), false, nil
	}
	if len(latest) > 0 && latest[0].OpenTime.UnixMilli()+intervalMs < windowEnd.UnixMilli() {
		return latest[0].OpenTime.UnixMilli() + intervalMs, false, nil
	}
	return 0, true, nil
}

func (e *Engine) fetchWithRetry(ctx context.Context, key candle.Key, startMs, endMs int64) ([]candle.Candle, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		out, err := e.breaker.Execute(func() (interface{}, error) {
			return e.client.FetchKlines(ctx, key, startMs, endMs, e.cfg.MaxCandlesPerRequest)
		})
		if err == nil {
			return out.([]candle.Candle), nil
		}

		lastErr = err
		if isFatal(err) {
			return nil, err
		}

		if e.metrics != nil {
			e.metrics.BackfillRetries.WithLabelValues(key.Symbol, key.Market.String()).Inc()
		}
		e.logger.Warn("backfill request failed, retrying",
			zap.String("key", key.String()), zap.Int("attempt", attempt), zap.Error(err))

		select {
		case <-time.After(time.Duration(attempt) * time.Second):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, &TransientError{Err: lastErr}
}

func isFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// commitBatch saves each candle of one chunk idempotently, counting
// duplicates (candles that already existed) against new saves without
// treating them as errors. Run calls it for every chunk of a fetched
// page as soon as the page arrives; candles are not held back across
// pages until BatchSize of them have accumulated.
func (e *Engine) commitBatch(ctx context.Context, candles []candle.Candle) (newCount, dupCount int) {
	for _, c := range candles {
		_, existed, err := e.store.FindByOpenTime(ctx, c.Key, c.OpenTime)
		if err != nil {
			e.logger.Error("backfill: lookup before save failed", zap.Error(err))
		}
		if err := e.store.Save(ctx, c); err != nil {
			e.logger.Error("backfill: save failed", zap.String("key", c.Key.String()), zap.Error(err))
			continue
		}
		if existed {
			dupCount++
		} else {
			newCount++
		}
	}
	return newCount, dupCount
}

// chunkCandles splits candles into size-sized slices, committed as
// separate store passes so no single commit holds more than BatchSize
// rows in flight.
func chunkCandles(candles []candle.Candle, size int) [][]candle.Candle {
	if size <= 0 {
		size = len(candles)
	}
	var chunks [][]candle.Candle
	for i := 0; i < len(candles); i += size {
		end := i + size
		if end > len(candles) {
			end = len(candles)
		}
		chunks = append(chunks, candles[i:end])
	}
	return chunks
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
