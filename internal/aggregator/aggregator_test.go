package aggregator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fotonphotos/candlepipe/internal/cache"
	"github.com/fotonphotos/candlepipe/internal/candle"
	"github.com/fotonphotos/candlepipe/internal/eventbus"
	"github.com/fotonphotos/candlepipe/internal/store"
	"github.com/fotonphotos/candlepipe/internal/stream"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testAggregator() (*Aggregator, candle.Key, *eventbus.Bus, store.Store) {
	c := cache.New(200)
	s := store.NewMemoryStore()
	bus := eventbus.New()
	tr := stream.New(stream.Config{ReconnectInterval: time.Second, MaxReconnectAttempts: 1}, zap.NewNop(), nil)
	a := New(tr, c, s, bus, zap.NewNop())
	key := candle.Key{Symbol: "BTCUSDT", Market: candle.Futures, Interval: "15m"}
	a.startHandler(key)
	return a, key, bus, s
}

func closedFrame(openMinute int, open, high, low, close, volume string) []byte {
	ot := int64(openMinute) * 60000
	return []byte(`{"stream":"x","data":{"e":"kline","s":"BTCUSDT","k":{
		"t":` + itoa(ot) + `,"T":` + itoa(ot+899999) + `,
		"o":"` + open + `","h":"` + high + `","l":"` + low + `","c":"` + close + `",
		"v":"` + volume + `","q":"1","n":1,"V":"1","Q":"1",
		"x":true,"i":"15m"}}}`)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func TestOnFrame_ClosedCandlePersistsAndEmitsCompleted(t *testing.T) {
	a, key, bus, s := testAggregator()

	var wg sync.WaitGroup
	wg.Add(1)
	bus.Subscribe(eventbus.TopicCandleCompleted, func(e eventbus.Event) {
		wg.Done()
	})

	a.onFrame(key, frameMsg{body: closedFrame(0, "100", "110", "90", "105", "10"), market: candle.Futures})

	waitShort(t, &wg)

	// persist happens in a goroutine; poll briefly for it to land.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		n, _ := s.Count(context.Background(), key)
		if n == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("candle was never persisted")
}

func TestOnFrame_CompletedEventPrecedesSavedEvent(t *testing.T) {
	a, key, bus, _ := testAggregator()

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	wg.Add(1)
	bus.Subscribe(eventbus.TopicCandleCompleted, func(e eventbus.Event) {
		mu.Lock()
		order = append(order, "completed")
		mu.Unlock()
	})
	bus.Subscribe(eventbus.TopicCandleSaved, func(e eventbus.Event) {
		mu.Lock()
		order = append(order, "saved")
		mu.Unlock()
		wg.Done()
	})

	a.onFrame(key, frameMsg{body: closedFrame(0, "100", "110", "90", "105", "10"), market: candle.Futures})
	waitShort(t, &wg)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"completed", "saved"}, order)
}

func TestRunAnomalyAnalysis_HighVolumeTriggersEvent(t *testing.T) {
	a, key, bus, _ := testAggregator()

	var fired bool
	var mu sync.Mutex
	bus.Subscribe(eventbus.TopicCandleHighVolume, func(e eventbus.Event) {
		mu.Lock()
		fired = true
		mu.Unlock()
	})

	for i := 0; i < 10; i++ {
		c := candle.Candle{Key: key, OpenTime: time.Unix(int64(i)*900, 0).UTC(), Volume: decimal.NewFromInt(10), Open: decimal.NewFromInt(100), Close: decimal.NewFromInt(100), High: decimal.NewFromInt(100), Low: decimal.NewFromInt(100), Closed: true}
		require.NoError(t, a.cache.Upsert(key, c))
	}
	spike := candle.Candle{Key: key, OpenTime: time.Unix(10*900, 0).UTC(), Volume: decimal.NewFromInt(1000), Open: decimal.NewFromInt(100), Close: decimal.NewFromInt(100), High: decimal.NewFromInt(100), Low: decimal.NewFromInt(100), Closed: true}
	require.NoError(t, a.cache.Upsert(key, spike))

	a.runAnomalyAnalysis(key, spike)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, fired)
}

func waitShort(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}
