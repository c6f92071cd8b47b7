package decode

import (
	"testing"
	"time"

	"github.com/fotonphotos/candlepipe/internal/candle"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validFrame(openTimeMs int64, closed bool) []byte {
	return []byte(`{"stream":"btcusdt@kline_15m","data":{"e":"kline","s":"BTCUSDT","k":{
		"t":` + itoa(openTimeMs) + `,"T":` + itoa(openTimeMs+899999) + `,
		"o":"100.0","h":"110.0","l":"95.0","c":"105.0",
		"v":"10.5","q":"1050.0","n":42,
		"V":"5.0","Q":"500.0",
		"x":` + boolStr(closed) + `,"i":"15m"}}}`)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func TestDecode_ValidClosedCandle(t *testing.T) {
	c, err := Decode(validFrame(900000000000, true), candle.Futures)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", c.Key.Symbol)
	assert.Equal(t, candle.Futures, c.Key.Market)
	assert.Equal(t, "15m", c.Key.Interval)
	assert.True(t, c.Closed)
	assert.Equal(t, int32(42), c.Trades)
}

func TestDecode_MisalignedOpenTime(t *testing.T) {
	_, err := Decode(validFrame(900000000001, true), candle.Spot)
	assert.ErrorIs(t, err, ErrMisalignedOpenTime)
}

func TestDecode_OhlcInconsistent(t *testing.T) {
	bad := []byte(`{"stream":"x","data":{"e":"kline","s":"BTCUSDT","k":{
		"t":900000000000,"T":900000899999,
		"o":"100.0","h":"90.0","l":"95.0","c":"105.0",
		"v":"1","q":"1","n":1,"V":"1","Q":"1",
		"x":true,"i":"15m"}}}`)
	_, err := Decode(bad, candle.Spot)
	assert.ErrorIs(t, err, ErrOhlcInconsistent)
}

func TestDecode_NonPositivePrice(t *testing.T) {
	bad := []byte(`{"stream":"x","data":{"e":"kline","s":"BTCUSDT","k":{
		"t":900000000000,"T":900000899999,
		"o":"0","h":"10","l":"0","c":"5",
		"v":"1","q":"1","n":1,"V":"1","Q":"1",
		"x":true,"i":"15m"}}}`)
	_, err := Decode(bad, candle.Spot)
	assert.ErrorIs(t, err, ErrNonPositivePrice)
}

func TestDecode_NegativeVolume(t *testing.T) {
	bad := []byte(`{"stream":"x","data":{"e":"kline","s":"BTCUSDT","k":{
		"t":900000000000,"T":900000899999,
		"o":"1","h":"10","l":"1","c":"5",
		"v":"-1","q":"1","n":1,"V":"1","Q":"1",
		"x":true,"i":"15m"}}}`)
	_, err := Decode(bad, candle.Spot)
	assert.ErrorIs(t, err, ErrNegativeVolume)
}

func TestDecode_MissingField(t *testing.T) {
	bad := []byte(`{"stream":"x","data":{"e":"kline","s":"","k":{"t":900000000000,"i":"15m"}}}`)
	_, err := Decode(bad, candle.Spot)
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestEncodeDecode_RoundTrips(t *testing.T) {
	original := candle.Candle{
		Key:                 candle.Key{Symbol: "BTCUSDT", Market: candle.Futures, Interval: candle.Interval15m},
		OpenTime:            time.UnixMilli(900000000000).UTC(),
		CloseTime:           time.UnixMilli(900000899999).UTC(),
		Open:                decimal.RequireFromString("100.50"),
		High:                decimal.RequireFromString("110.25"),
		Low:                 decimal.RequireFromString("95.10"),
		Close:               decimal.RequireFromString("105.00"),
		Volume:              decimal.RequireFromString("10.5"),
		QuoteVolume:         decimal.RequireFromString("1050.0"),
		Trades:              42,
		TakerBuyBaseVolume:  decimal.RequireFromString("5.0"),
		TakerBuyQuoteVolume: decimal.RequireFromString("500.0"),
		Closed:              true,
	}

	raw, err := Encode(original)
	require.NoError(t, err)

	decoded, err := Decode(raw, candle.Futures)
	require.NoError(t, err)

	assert.Equal(t, original.Key, decoded.Key)
	assert.True(t, original.OpenTime.Equal(decoded.OpenTime))
	assert.True(t, original.CloseTime.Equal(decoded.CloseTime))
	assert.True(t, original.Open.Equal(decoded.Open))
	assert.True(t, original.High.Equal(decoded.High))
	assert.True(t, original.Low.Equal(decoded.Low))
	assert.True(t, original.Close.Equal(decoded.Close))
	assert.True(t, original.Volume.Equal(decoded.Volume))
	assert.True(t, original.QuoteVolume.Equal(decoded.QuoteVolume))
	assert.True(t, original.TakerBuyBaseVolume.Equal(decoded.TakerBuyBaseVolume))
	assert.True(t, original.TakerBuyQuoteVolume.Equal(decoded.TakerBuyQuoteVolume))
	assert.Equal(t, original.Trades, decoded.Trades)
	assert.Equal(t, original.Closed, decoded.Closed)
}

func TestDecode_MissingPriceFieldIsMissingFieldNotNonNumeric(t *testing.T) {
	bad := []byte(`{"stream":"x","data":{"e":"kline","s":"BTCUSDT","k":{
		"t":900000000000,"T":900000899999,
		"o":"","h":"10","l":"1","c":"5",
		"v":"1","q":"1","n":1,"V":"1","Q":"1",
		"x":true,"i":"15m"}}}`)
	_, err := Decode(bad, candle.Spot)
	assert.ErrorIs(t, err, ErrMissingField)
	assert.NotErrorIs(t, err, ErrNonNumeric)
}
