// Package aggregator implements the Aggregator (C5): the orchestrator
// that ties together StreamTransport, KlineDecoder, CandleCache,
// CandleStore, and EventBus on the live ingestion path.
package aggregator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fotonphotos/candlepipe/internal/cache"
	"github.com/fotonphotos/candlepipe/internal/candle"
	"github.com/fotonphotos/candlepipe/internal/decode"
	"github.com/fotonphotos/candlepipe/internal/eventbus"
	"github.com/fotonphotos/candlepipe/internal/metrics"
	"github.com/fotonphotos/candlepipe/internal/store"
	"github.com/fotonphotos/candlepipe/internal/stream"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// anomalyWindow is how many prior closed candles feed high-volume,
// price-spike, and gap detection.
const anomalyWindow = 10

const (
	highVolumeMultiplier = 3
	priceSpikeThreshold  = "0.03"
	gapThreshold         = "0.01"
)

// Aggregator owns the CandleCache and the per-key frame-handling
// goroutines. It is the only writer to the cache and the only live-path
// writer to the store.
type Aggregator struct {
	transport *stream.Transport
	cache     *cache.Cache
	store     store.Store
	bus       *eventbus.Bus
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu       sync.Mutex
	handlers map[candle.Key]chan frameMsg
	lastSeen map[candle.Key]time.Time
}

// WithMetrics attaches an optional metrics sink for per-frame counters
// that never flow through the event bus (decode outcomes). Safe to call
// before OnStartup; nil-safe if never called.
func (a *Aggregator) WithMetrics(m *metrics.Metrics) *Aggregator {
	a.metrics = m
	return a
}

type frameMsg struct {
	streamName string
	body       []byte
	market     candle.Market
}

// New builds an Aggregator over already-constructed collaborators.
func New(transport *stream.Transport, c *cache.Cache, s store.Store, bus *eventbus.Bus, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		transport: transport,
		cache:     c,
		store:     s,
		bus:       bus,
		logger:    logger,
		handlers:  make(map[candle.Key]chan frameMsg),
		lastSeen:  make(map[candle.Key]time.Time),
	}
}

// OnStartup hydrates each key's cache from the store and subscribes its
// live stream. hydrateN is how many recent candles to preload per key.
func (a *Aggregator) OnStartup(ctx context.Context, keys []candle.Key, hydrateN int) error {
	for _, key := range keys {
		recent, err := a.store.Latest(ctx, key, hydrateN)
		if err != nil {
			return err
		}
		// Latest returns newest-first; the cache wants oldest-first.
		ordered := make([]candle.Candle, len(recent))
		for i, c := range recent {
			ordered[len(recent)-1-i] = c
		}
		a.cache.Load(key, ordered)

		a.startHandler(key)
		streamName := streamNameFor(key)
		a.transport.Subscribe(key.Market, streamName, a.makeOnFrame(key))
	}
	return nil
}

// AddKey brings a single key under live management without disturbing
// any other key, for the admin surface's subscribe() operation.
func (a *Aggregator) AddKey(ctx context.Context, key candle.Key, hydrateN int) error {
	recent, err := a.store.Latest(ctx, key, hydrateN)
	if err != nil {
		return err
	}
	ordered := make([]candle.Candle, len(recent))
	for i, c := range recent {
		ordered[len(recent)-1-i] = c
	}
	a.cache.Load(key, ordered)

	a.startHandler(key)
	a.transport.Subscribe(key.Market, streamNameFor(key), a.makeOnFrame(key))
	return nil
}

// RemoveKey tears down live management of a single key, for the admin
// surface's unsubscribe() operation.
func (a *Aggregator) RemoveKey(key candle.Key) {
	a.transport.Unsubscribe(key.Market, streamNameFor(key))

	a.mu.Lock()
	ch, ok := a.handlers[key]
	delete(a.handlers, key)
	delete(a.lastSeen, key)
	a.mu.Unlock()
	if ok {
		close(ch)
	}
}

func streamNameFor(key candle.Key) string {
	return lower(key.Symbol) + "@kline_" + key.Interval
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func (a *Aggregator) startHandler(key candle.Key) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.handlers[key]; ok {
		return
	}
	ch := make(chan frameMsg, 64)
	a.handlers[key] = ch
	go a.runHandler(key, ch)
}

// runHandler is the strictly-serial per-key frame processor: the only
// way to uphold the cache's monotonic-openTime invariant without a lock
// shared across keys.
func (a *Aggregator) runHandler(key candle.Key, ch chan frameMsg) {
	for msg := range ch {
		a.onFrame(key, msg)
	}
}

func (a *Aggregator) makeOnFrame(key candle.Key) stream.OnFrame {
	return func(streamName string, body []byte) {
		a.mu.Lock()
		ch := a.handlers[key]
		a.mu.Unlock()
		if ch == nil {
			return
		}
		select {
		case ch <- frameMsg{streamName: streamName, body: body, market: key.Market}:
		default:
			a.logger.Warn("per-key handler backlog full, dropping frame", zap.String("key", key.String()))
		}
	}
}

func (a *Aggregator) onFrame(key candle.Key, msg frameMsg) {
	start := time.Now()
	if a.metrics != nil {
		defer func() {
			a.metrics.ProcessingLatency.WithLabelValues("frame_processing").Observe(time.Since(start).Seconds())
		}()
	}

	c, err := decode.Decode(msg.body, msg.market)
	if err != nil {
		a.logger.Warn("decode failed", zap.String("key", key.String()), zap.Error(err))
		if a.metrics != nil {
			a.metrics.DecodeErrors.WithLabelValues(decodeErrorReason(err)).Inc()
		}
		a.touch(key)
		return
	}
	if a.metrics != nil {
		a.metrics.FramesDecoded.WithLabelValues(key.Symbol, key.Market.String()).Inc()
		a.metrics.CacheDepth.WithLabelValues(key.Symbol, key.Market.String()).Set(float64(a.cache.Len(key) + 1))
	}

	if err := a.cache.Upsert(key, c); err != nil {
		a.logger.Warn("cache upsert rejected", zap.String("key", key.String()), zap.Error(err))
		a.touch(key)
		return
	}

	if c.Closed {
		a.persistAndEmit(key, c)
	}
	a.touch(key)
}

func (a *Aggregator) touch(key candle.Key) {
	a.mu.Lock()
	a.lastSeen[key] = time.Now()
	a.mu.Unlock()
}

// LastFrameAt is consumed by HealthMonitor's liveness classification.
func (a *Aggregator) LastFrameAt(key candle.Key) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.lastSeen[key]
	return t, ok
}

func (a *Aggregator) persistAndEmit(key candle.Key, c candle.Candle) {
	// candle.completed must be observable before candle.saved for the
	// same open time, so it is published synchronously here, before the
	// save goroutine (which has no ordering relative to this call) is
	// even started.
	a.bus.Publish(eventbus.TopicCandleCompleted, eventbus.CandleCompletedPayload{
		Key: key, Candle: c, Timeframe: candle.Interval15m,
	})

	// Fire-and-forget persistence with a completion callback: errors are
	// surfaced as candle.save-failed and never roll back the cache.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.store.Save(ctx, c); err != nil {
			a.bus.Publish(eventbus.TopicCandleSaveFailed, eventbus.CandleSaveFailedPayload{
				Key: key, OpenTime: c.OpenTime, Err: err,
			})
			a.logger.Error("save failed", zap.String("key", key.String()), zap.Error(err))
			return
		}
		a.bus.Publish(eventbus.TopicCandleSaved, eventbus.CandleSavedPayload{Key: key, Candle: c})
	}()

	a.runAnomalyAnalysis(key, c)
}

func (a *Aggregator) runAnomalyAnalysis(key candle.Key, c candle.Candle) {
	history := a.cache.Slice(key, anomalyWindow+1) // includes c itself as tail
	if len(history) < 2 {
		return
	}
	prior := history[:len(history)-1] // up to 10 prior closed candles

	if avg, ok := meanVolume(prior); ok && !avg.IsZero() {
		threshold := avg.Mul(decimal.NewFromInt(highVolumeMultiplier))
		if c.Volume.GreaterThan(threshold) {
			a.bus.Publish(eventbus.TopicCandleHighVolume, eventbus.CandleHighVolumePayload{
				Key: key, Candle: c,
				CurrentVolume: c.Volume,
				AverageVolume: avg,
				Ratio:         c.Volume.Div(avg),
			})
		}
	}

	if !c.Open.IsZero() {
		pct := c.Close.Sub(c.Open).Abs().Div(c.Open)
		if pct.GreaterThanOrEqual(decimal.RequireFromString(priceSpikeThreshold)) {
			dir := eventbus.DirectionUp
			if c.Close.LessThan(c.Open) {
				dir = eventbus.DirectionDown
			}
			a.bus.Publish(eventbus.TopicCandlePriceSpike, eventbus.CandlePriceSpikePayload{
				Key: key, Candle: c, Percent: pct.Mul(decimal.NewFromInt(100)), Direction: dir,
			})
		}
	}

	prev := prior[len(prior)-1]
	if !prev.Close.IsZero() {
		gapPct := c.Open.Sub(prev.Close).Abs().Div(prev.Close)
		if gapPct.GreaterThanOrEqual(decimal.RequireFromString(gapThreshold)) {
			dir := eventbus.DirectionUp
			if c.Open.LessThan(prev.Close) {
				dir = eventbus.DirectionDown
			}
			a.bus.Publish(eventbus.TopicCandleGapDetected, eventbus.CandleGapDetectedPayload{
				Key: key, Candle: c, Percent: gapPct.Mul(decimal.NewFromInt(100)), Direction: dir,
				PrevClose: prev.Close, CurrentOpen: c.Open,
			})
		}
	}
}

func decodeErrorReason(err error) string {
	switch {
	case errors.Is(err, decode.ErrMissingField):
		return "missing-field"
	case errors.Is(err, decode.ErrNonNumeric):
		return "non-numeric"
	case errors.Is(err, decode.ErrNonPositivePrice):
		return "non-positive-price"
	case errors.Is(err, decode.ErrOhlcInconsistent):
		return "ohlc-inconsistent"
	case errors.Is(err, decode.ErrNegativeVolume):
		return "negative-volume"
	case errors.Is(err, decode.ErrMisalignedOpenTime):
		return "misaligned-open-time"
	default:
		return "unknown"
	}
}

func meanVolume(candles []candle.Candle) (decimal.Decimal, bool) {
	if len(candles) == 0 {
		return decimal.Zero, false
	}
	sum := decimal.Zero
	for _, c := range candles {
		sum = sum.Add(c.Volume)
	}
	return sum.Div(decimal.NewFromInt(int64(len(candles)))), true
}

// Shutdown publishes aggregator.destroyed and stops accepting new
// frames. Callers are expected to have already drained in-flight saves
// via their own bounded wait.
func (a *Aggregator) Shutdown() {
	a.mu.Lock()
	for _, ch := range a.handlers {
		close(ch)
	}
	a.mu.Unlock()
	a.bus.Publish(eventbus.TopicAggregatorDestroy, eventbus.AggregatorDestroyedPayload{ShutdownAt: time.Now().UTC()})
}
