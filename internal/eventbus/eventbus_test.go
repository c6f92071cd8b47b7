package eventbus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_DeliversToSubscriber(t *testing.T) {
	b := New()
	defer b.Close()

	var got atomic.Value
	var wg sync.WaitGroup
	wg.Add(1)
	b.Subscribe(TopicCandleCompleted, func(e Event) {
		got.Store(e)
		wg.Done()
	})

	b.Publish(TopicCandleCompleted, CandleCompletedPayload{Timeframe: "15m"})

	waitOrTimeout(t, &wg, time.Second)
	e := got.Load().(Event)
	assert.Equal(t, TopicCandleCompleted, e.Topic)
}

func TestPublish_NeverBlocksOnSlowSubscriber(t *testing.T) {
	b := New()
	defer b.Close()

	block := make(chan struct{})
	b.SubscribeBuffered(TopicCandleSaved, func(e Event) {
		<-block // never returns until test closes it
	}, 2)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(TopicCandleSaved, CandleSavedPayload{})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	close(block)
}

func TestSubscribe_OnlyReceivesOwnTopic(t *testing.T) {
	b := New()
	defer b.Close()

	var completedCount, savedCount int32
	b.Subscribe(TopicCandleCompleted, func(e Event) { atomic.AddInt32(&completedCount, 1) })
	b.Subscribe(TopicCandleSaved, func(e Event) { atomic.AddInt32(&savedCount, 1) })

	b.Publish(TopicCandleCompleted, CandleCompletedPayload{})
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(1), atomic.LoadInt32(&completedCount))
	assert.Equal(t, int32(0), atomic.LoadInt32(&savedCount))
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	b := New()
	defer b.Close()

	var count int32
	unsub := b.Subscribe(TopicCandleCompleted, func(e Event) { atomic.AddInt32(&count, 1) })
	unsub()
	b.Publish(TopicCandleCompleted, CandleCompletedPayload{})
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(0), atomic.LoadInt32(&count))
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		require.Fail(t, "timed out waiting for delivery")
	}
}
