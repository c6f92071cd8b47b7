package relay

import (
	"testing"

	"github.com/fotonphotos/candlepipe/internal/candle"
	"github.com/fotonphotos/candlepipe/internal/eventbus"
	"github.com/stretchr/testify/assert"
)

func TestKeyOf_ExtractsKeyFromKnownPayloads(t *testing.T) {
	key := candle.Key{Symbol: "BTCUSDT", Market: candle.Futures, Interval: "15m"}

	cases := []interface{}{
		eventbus.CandleCompletedPayload{Key: key},
		eventbus.CandleSavedPayload{Key: key},
		eventbus.CandleHighVolumePayload{Key: key},
		eventbus.CandlePriceSpikePayload{Key: key},
		eventbus.CandleGapDetectedPayload{Key: key},
	}

	for _, payload := range cases {
		got, ok := keyOf(payload)
		assert.True(t, ok)
		assert.Equal(t, key, got)
	}
}

func TestKeyOf_RejectsUnknownPayload(t *testing.T) {
	_, ok := keyOf(eventbus.AggregatorDestroyedPayload{})
	assert.False(t, ok)
}
