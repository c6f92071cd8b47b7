package adminapi

import (
	"context"
	"testing"
	"time"

	"github.com/fotonphotos/candlepipe/internal/aggregator"
	"github.com/fotonphotos/candlepipe/internal/backfill"
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

type emptyRESTClient struct{}

func (emptyRESTClient) FetchKlines(ctx context.Context, key candle.Key, startMs, endMs int64, limit int) ([]candle.Candle, error) {
	return nil, nil
}

func testKey() candle.Key {
	return candle.Key{Symbol: "BTCUSDT", Market: candle.Futures, Interval: "15m"}
}

func testService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	c := cache.New(50)
	bus := eventbus.New()
	tr := stream.New(stream.Config{}, zap.NewNop(), nil)
	agg := aggregator.New(tr, c, s, bus, zap.NewNop())
	bf := backfill.New(emptyRESTClient{}, s, bus, zap.NewNop(), backfill.Config{})
	return NewService(agg, c, s, bf), s
}

func TestLatest_FallsBackToStoreWhenCacheEmpty(t *testing.T) {
	svc, s := testService(t)
	key := testKey()
	require.NoError(t, s.Save(context.Background(), candle.Candle{
		Key: key, OpenTime: time.Unix(0, 0).UTC(), Open: decimal.NewFromInt(1),
		High: decimal.NewFromInt(1), Low: decimal.NewFromInt(1), Close: decimal.NewFromInt(1),
		Volume: decimal.NewFromInt(1), Closed: true,
	}))

	got, err := svc.Latest(context.Background(), key.Symbol, key.Market)
	require.NoError(t, err)
	assert.True(t, got.OpenTime.Equal(time.Unix(0, 0).UTC()))
}

func TestLatest_ErrorsWhenNothingStored(t *testing.T) {
	svc, _ := testService(t)
	_, err := svc.Latest(context.Background(), "ETHUSDT", candle.Spot)
	assert.Error(t, err)
}

func TestDataStats_ReportsEarliestAndLatest(t *testing.T) {
	svc, s := testService(t)
	key := testKey()
	for i := int64(0); i < 3; i++ {
		require.NoError(t, s.Save(context.Background(), candle.Candle{
			Key: key, OpenTime: time.Unix(i*900, 0).UTC(), Open: decimal.NewFromInt(1),
			High: decimal.NewFromInt(1), Low: decimal.NewFromInt(1), Close: decimal.NewFromInt(1),
			Volume: decimal.NewFromInt(1), Closed: true,
		}))
	}

	stats, err := svc.DataStats(context.Background(), key.Symbol, key.Market)
	require.NoError(t, err)
	require.NotNil(t, stats.EarliestStored)
	require.NotNil(t, stats.LatestStored)
	assert.True(t, stats.EarliestStored.OpenTime.Before(stats.LatestStored.OpenTime))
}
