// Package health implements the HealthMonitor (C8): periodic liveness
// classification across all subscriptions, aggregate memory/store
// health, and the trigger to re-subscribe a stale key.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/fotonphotos/candlepipe/internal/cache"
	"github.com/fotonphotos/candlepipe/internal/candle"
	"github.com/fotonphotos/candlepipe/internal/eventbus"
	"github.com/fotonphotos/candlepipe/internal/metrics"
	"github.com/fotonphotos/candlepipe/internal/store"
	"go.uber.org/zap"
)

// Liveness classifies a key's connection freshness.
type Liveness string

const (
	Connected    Liveness = "connected"
	Stale        Liveness = "stale"
	Disconnected Liveness = "disconnected"
)

const (
	connectedWithin = 5 * time.Minute
	staleAfter      = 10 * time.Minute
)

// LastFrameSource reports, per key, when its last frame arrived. The
// Aggregator implements this; connection open state comes from
// TransportStatusSource.
type LastFrameSource interface {
	LastFrameAt(key candle.Key) (time.Time, bool)
}

// TransportStatusSource reports per-connection open state. The
// StreamTransport implements this.
type TransportStatusSource interface {
	IsOpen(market candle.Market) bool
}

// Resubscriber is invoked for a key classified stale so the caller can
// instruct the transport to re-subscribe it.
type Resubscriber func(key candle.Key)

// KeySnapshot is the per-key portion of a health snapshot.
type KeySnapshot struct {
	Key      candle.Key
	Liveness Liveness
	CacheLen int
}

// Snapshot is the aggregator.health payload.
type Snapshot struct {
	Keys             []KeySnapshot
	TotalCachedBytes int64
	StoreHealthy     bool
	CheckedAt        time.Time
}

// Monitor runs the periodic health-check loop.
type Monitor struct {
	keys        func() []candle.Key
	frames      LastFrameSource
	transport   TransportStatusSource
	cache       *cache.Cache
	store       store.Store
	bus         *eventbus.Bus
	logger      *zap.Logger
	interval    time.Duration
	resubscribe Resubscriber

	metrics *metrics.Metrics

	mu   sync.Mutex
	once map[candle.Key]bool // tracks which keys have already had a re-subscribe requested this stale period
}

// WithMetrics attaches an optional metrics sink for the per-market
// connection status gauge. Nil-safe if never called.
func (m *Monitor) WithMetrics(metricsSink *metrics.Metrics) *Monitor {
	m.metrics = metricsSink
	return m
}

// New builds a Monitor. keysFn is called fresh on every tick so keys
// added/removed via admin operations are picked up without restarting
// the monitor.
func New(keysFn func() []candle.Key, frames LastFrameSource, transport TransportStatusSource, c *cache.Cache, s store.Store, bus *eventbus.Bus, logger *zap.Logger, interval time.Duration, resubscribe Resubscriber) *Monitor {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Monitor{
		keys: keysFn, frames: frames, transport: transport, cache: c, store: s, bus: bus,
		logger: logger, interval: interval, resubscribe: resubscribe,
		once: make(map[candle.Key]bool),
	}
}

// Run blocks until ctx is cancelled, ticking every Monitor.interval.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	now := time.Now()
	keys := m.keys()
	snap := Snapshot{CheckedAt: now, StoreHealthy: m.store.HealthCheck(ctx)}

	for _, key := range keys {
		live := m.classify(key, now)
		cacheLen := m.cache.Len(key)
		snap.Keys = append(snap.Keys, KeySnapshot{Key: key, Liveness: live, CacheLen: cacheLen})
		snap.TotalCachedBytes += int64(cacheLen) * estimatedCandleBytes

		m.mu.Lock()
		wasStale := m.once[key]
		m.mu.Unlock()

		if live == Stale && !wasStale {
			m.logger.Warn("key stale, requesting resubscribe", zap.String("key", key.String()))
			if m.resubscribe != nil {
				m.resubscribe(key)
			}
			m.mu.Lock()
			m.once[key] = true
			m.mu.Unlock()
		} else if live != Stale {
			m.mu.Lock()
			delete(m.once, key)
			m.mu.Unlock()
		}
	}

	if m.metrics != nil {
		for _, market := range []candle.Market{candle.Spot, candle.Futures} {
			status := 0.0
			if m.transport.IsOpen(market) {
				status = 1.0
			}
			m.metrics.ExchangeStatus.WithLabelValues(market.String()).Set(status)
		}
	}

	m.bus.Publish(eventbus.TopicAggregatorHealth, snap)
}

// estimatedCandleBytes is a rough per-candle memory estimate used only
// for the health snapshot's informational byte count.
const estimatedCandleBytes = 256

func (m *Monitor) classify(key candle.Key, now time.Time) Liveness {
	lastFrame, ok := m.frames.LastFrameAt(key)
	open := m.transport.IsOpen(key.Market)

	if ok && open && now.Sub(lastFrame) < connectedWithin {
		return Connected
	}
	if ok && now.Sub(lastFrame) > staleAfter {
		return Stale
	}
	if !ok {
		return Disconnected
	}
	return Disconnected
}
