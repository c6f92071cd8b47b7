package metrics

import (
	"testing"
	"time"

	"github.com/fotonphotos/candlepipe/internal/candle"
	"github.com/fotonphotos/candlepipe/internal/eventbus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// newTestCounterVec builds an unregistered CounterVec so subscriber tests
// don't collide with the process-wide default registry used by New().
func newTestCounterVec(name string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, labels)
}

func TestAttach_CandleCompletedIncrementsCounter(t *testing.T) {
	bus := eventbus.New()
	m := &Metrics{
		CandlesCompleted: newTestCounterVec("test_candles_completed", "symbol", "market"),
		CandlesSaved:      newTestCounterVec("test_candles_saved", "symbol", "market"),
		SaveFailures:      newTestCounterVec("test_save_failures", "symbol", "market"),
		AnomaliesEmitted:  newTestCounterVec("test_anomalies", "symbol", "market", "kind"),
		BackfillGaps:      newTestCounterVec("test_backfill_gaps", "symbol", "market"),
		logger:            zap.NewNop(),
	}
	m.Attach(bus)

	key := candle.Key{Symbol: "BTCUSDT", Market: candle.Futures, Interval: "15m"}
	bus.Publish(eventbus.TopicCandleCompleted, eventbus.CandleCompletedPayload{Key: key})

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.CandlesCompleted.WithLabelValues("BTCUSDT", "FUTURES")) == 1
	}, time.Second, 10*time.Millisecond)
}
