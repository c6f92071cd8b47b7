package cache

import (
	"testing"
	"time"

	"github.com/fotonphotos/candlepipe/internal/candle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() candle.Key {
	return candle.Key{Symbol: "BTCUSDT", Market: candle.Futures, Interval: "15m"}
}

func mkCandle(minutesFromEpoch int) candle.Candle {
	return candle.Candle{
		Key:      testKey(),
		OpenTime: time.Unix(0, 0).Add(time.Duration(minutesFromEpoch) * time.Minute).UTC(),
	}
}

func TestUpsert_AppendsInOrder(t *testing.T) {
	c := New(10)
	key := testKey()
	require.NoError(t, c.Upsert(key, mkCandle(0)))
	require.NoError(t, c.Upsert(key, mkCandle(15)))
	require.NoError(t, c.Upsert(key, mkCandle(30)))
	assert.Equal(t, 3, c.Len(key))
}

func TestUpsert_MergesSameOpenTimeIntoTail(t *testing.T) {
	c := New(10)
	key := testKey()
	require.NoError(t, c.Upsert(key, mkCandle(0)))
	closed := mkCandle(0)
	closed.Closed = true
	require.NoError(t, c.Upsert(key, closed))

	assert.Equal(t, 1, c.Len(key))
	tail, ok := c.Tail(key)
	require.True(t, ok)
	assert.True(t, tail.Closed)
}

func TestUpsert_RejectsOutOfOrder(t *testing.T) {
	c := New(10)
	key := testKey()
	require.NoError(t, c.Upsert(key, mkCandle(30)))
	err := c.Upsert(key, mkCandle(15))
	require.Error(t, err)
	var ooErr *OutOfOrderError
	assert.ErrorAs(t, err, &ooErr)
	assert.Equal(t, 1, c.Len(key))
}

func TestUpsert_EvictsOldestBeyondCapacity(t *testing.T) {
	c := New(2)
	key := testKey()
	require.NoError(t, c.Upsert(key, mkCandle(0)))
	require.NoError(t, c.Upsert(key, mkCandle(15)))
	require.NoError(t, c.Upsert(key, mkCandle(30)))

	assert.Equal(t, 2, c.Len(key))
	slice := c.Slice(key, 10)
	assert.Equal(t, mkCandle(15).OpenTime, slice[0].OpenTime)
	assert.Equal(t, mkCandle(30).OpenTime, slice[1].OpenTime)
}

func TestLoad_SeedsFromStore(t *testing.T) {
	c := New(10)
	key := testKey()
	c.Load(key, []candle.Candle{mkCandle(0), mkCandle(15)})
	assert.Equal(t, 2, c.Len(key))
}

func TestSlice_ReturnsAtMostAvailable(t *testing.T) {
	c := New(10)
	key := testKey()
	require.NoError(t, c.Upsert(key, mkCandle(0)))
	slice := c.Slice(key, 100)
	assert.Len(t, slice, 1)
}
