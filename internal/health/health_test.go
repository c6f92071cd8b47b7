package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fotonphotos/candlepipe/internal/cache"
	"github.com/fotonphotos/candlepipe/internal/candle"
	"github.com/fotonphotos/candlepipe/internal/eventbus"
	"github.com/fotonphotos/candlepipe/internal/store"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type fakeFrames struct {
	at map[candle.Key]time.Time
}

func (f *fakeFrames) LastFrameAt(key candle.Key) (time.Time, bool) {
	t, ok := f.at[key]
	return t, ok
}

type fakeTransport struct{ open bool }

func (f *fakeTransport) IsOpen(candle.Market) bool { return f.open }

func testKey() candle.Key {
	return candle.Key{Symbol: "BTCUSDT", Market: candle.Futures, Interval: "15m"}
}

func TestClassify_RecentFrameAndOpenIsConnected(t *testing.T) {
	key := testKey()
	frames := &fakeFrames{at: map[candle.Key]time.Time{key: time.Now()}}
	m := New(func() []candle.Key { return []candle.Key{key} }, frames, &fakeTransport{open: true},
		cache.New(10), store.NewMemoryStore(), eventbus.New(), zap.NewNop(), time.Second, nil)

	assert.Equal(t, Connected, m.classify(key, time.Now()))
}

func TestClassify_OldFrameIsStale(t *testing.T) {
	key := testKey()
	frames := &fakeFrames{at: map[candle.Key]time.Time{key: time.Now().Add(-20 * time.Minute)}}
	m := New(func() []candle.Key { return []candle.Key{key} }, frames, &fakeTransport{open: true},
		cache.New(10), store.NewMemoryStore(), eventbus.New(), zap.NewNop(), time.Second, nil)

	assert.Equal(t, Stale, m.classify(key, time.Now()))
}

func TestClassify_NeverSeenIsDisconnected(t *testing.T) {
	key := testKey()
	frames := &fakeFrames{at: map[candle.Key]time.Time{}}
	m := New(func() []candle.Key { return []candle.Key{key} }, frames, &fakeTransport{open: false},
		cache.New(10), store.NewMemoryStore(), eventbus.New(), zap.NewNop(), time.Second, nil)

	assert.Equal(t, Disconnected, m.classify(key, time.Now()))
}

func TestTick_StaleKeyTriggersResubscribeOnce(t *testing.T) {
	key := testKey()
	frames := &fakeFrames{at: map[candle.Key]time.Time{key: time.Now().Add(-20 * time.Minute)}}

	var mu sync.Mutex
	var calls int
	resub := func(candle.Key) {
		mu.Lock()
		calls++
		mu.Unlock()
	}

	m := New(func() []candle.Key { return []candle.Key{key} }, frames, &fakeTransport{open: true},
		cache.New(10), store.NewMemoryStore(), eventbus.New(), zap.NewNop(), time.Second, resub)

	m.tick(context.Background())
	m.tick(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestTick_PublishesHealthSnapshot(t *testing.T) {
	key := testKey()
	frames := &fakeFrames{at: map[candle.Key]time.Time{key: time.Now()}}
	bus := eventbus.New()

	received := make(chan struct{}, 1)
	bus.Subscribe(eventbus.TopicAggregatorHealth, func(e eventbus.Event) {
		select {
		case received <- struct{}{}:
		default:
		}
	})

	m := New(func() []candle.Key { return []candle.Key{key} }, frames, &fakeTransport{open: true},
		cache.New(10), store.NewMemoryStore(), bus, zap.NewNop(), time.Second, nil)
	m.tick(context.Background())

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("expected aggregator.health publication")
	}
}
