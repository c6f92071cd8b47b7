package eventbus

import (
	"time"

	"github.com/fotonphotos/candlepipe/internal/candle"
	"github.com/shopspring/decimal"
)

// CandleCompletedPayload backs candle.completed.
type CandleCompletedPayload struct {
	Key       candle.Key
	Candle    candle.Candle
	Timeframe string
}

// CandleSavedPayload backs candle.saved.
type CandleSavedPayload struct {
	Key    candle.Key
	Candle candle.Candle
}

// CandleSaveFailedPayload backs candle.save-failed.
type CandleSaveFailedPayload struct {
	Key      candle.Key
	OpenTime time.Time
	Err      error
}

// Direction describes which way a price moved for spike/gap payloads.
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
)

// CandleHighVolumePayload backs candle.high-volume.
type CandleHighVolumePayload struct {
	Key           candle.Key
	Candle        candle.Candle
	CurrentVolume decimal.Decimal
	AverageVolume decimal.Decimal
	Ratio         decimal.Decimal
}

// CandlePriceSpikePayload backs candle.price-spike.
type CandlePriceSpikePayload struct {
	Key       candle.Key
	Candle    candle.Candle
	Percent   decimal.Decimal
	Direction Direction
}

// CandleGapDetectedPayload backs candle.gap-detected.
type CandleGapDetectedPayload struct {
	Key         candle.Key
	Candle      candle.Candle
	Percent     decimal.Decimal
	Direction   Direction
	PrevClose   decimal.Decimal
	CurrentOpen decimal.Decimal
}

// BackfillGapPayload backs backfill.gap, published when a retry-exhausted
// batch window is skipped rather than filled.
type BackfillGapPayload struct {
	Key         candle.Key
	WindowStart time.Time
	WindowEnd   time.Time
	Reason      string
}

// AggregatorDestroyedPayload backs aggregator.destroyed.
type AggregatorDestroyedPayload struct {
	ShutdownAt time.Time
}

// ReconnectFailedPayload backs reconnect.failed, published when a
// market's WebSocket connection exhausts MaxReconnectAttempts. The
// transport gives up on that market entirely; an operator must
// re-subscribe its keys through the admin surface.
type ReconnectFailedPayload struct {
	Market   candle.Market
	Attempts int
	FailedAt time.Time
}
