// Package decode turns raw upstream kline frames into candle.Candle
// values. Decode is a pure function: no network, no state, no side
// effects, so it can be fuzzed and unit tested in isolation from the
// transport that feeds it.
package decode

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fotonphotos/candlepipe/internal/candle"
	"github.com/shopspring/decimal"
)

// DecodeError variants named by the contract: MissingField, NonNumeric,
// NonPositivePrice, OhlcInconsistent, NegativeVolume, MisalignedOpenTime.
var (
	ErrMissingField       = errors.New("decode: missing field")
	ErrNonNumeric         = errors.New("decode: non-numeric value")
	ErrNonPositivePrice   = errors.New("decode: non-positive price")
	ErrOhlcInconsistent   = errors.New("decode: ohlc inconsistent")
	ErrNegativeVolume     = errors.New("decode: negative volume")
	ErrMisalignedOpenTime = errors.New("decode: open time misaligned to interval boundary")
)

// frame mirrors the upstream combined-stream envelope exactly as
// documented in the external interfaces. All numeric fields arrive as
// strings except n (trade count) and the millisecond timestamps.
type frame struct {
	Stream string `json:"stream"`
	Data   struct {
		Event string `json:"e"`
		Sym   string `json:"s"`
		K     struct {
			OpenTimeMs  int64  `json:"t"`
			CloseTimeMs int64  `json:"T"`
			Open        string `json:"o"`
			High        string `json:"h"`
			Low         string `json:"l"`
			Close       string `json:"c"`
			Volume      string `json:"v"`
			QuoteVolume string `json:"q"`
			Trades      int32  `json:"n"`
			TakerBase   string `json:"V"`
			TakerQuote  string `json:"Q"`
			Closed      bool   `json:"x"`
			Interval    string `json:"i"`
		} `json:"k"`
	} `json:"data"`
}

// Decode parses one WebSocket text frame into a candle bound to market.
// The symbol and interval come from the frame itself; market is supplied
// by the caller since it is not present on the wire (it is implied by
// which physical connection the frame arrived on).
func Decode(raw []byte, market candle.Market) (candle.Candle, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return candle.Candle{}, fmt.Errorf("%w: %v", ErrNonNumeric, err)
	}

	k := f.Data.K
	if f.Data.Sym == "" || k.Interval == "" {
		return candle.Candle{}, fmt.Errorf("%w: stream %q missing symbol or interval", ErrMissingField, f.Stream)
	}

	open, err := parseDecimal("open", k.Open)
	if err != nil {
		return candle.Candle{}, err
	}
	high, err := parseDecimal("high", k.High)
	if err != nil {
		return candle.Candle{}, err
	}
	low, err := parseDecimal("low", k.Low)
	if err != nil {
		return candle.Candle{}, err
	}
	cls, err := parseDecimal("close", k.Close)
	if err != nil {
		return candle.Candle{}, err
	}
	vol, err := parseDecimal("volume", k.Volume)
	if err != nil {
		return candle.Candle{}, err
	}
	quoteVol, err := parseDecimal("quoteVolume", k.QuoteVolume)
	if err != nil {
		return candle.Candle{}, err
	}
	takerBase, err := parseDecimal("takerBase", k.TakerBase)
	if err != nil {
		return candle.Candle{}, err
	}
	takerQuote, err := parseDecimal("takerQuote", k.TakerQuote)
	if err != nil {
		return candle.Candle{}, err
	}

	if !open.IsPositive() || !high.IsPositive() || !low.IsPositive() || !cls.IsPositive() {
		return candle.Candle{}, fmt.Errorf("%w: open=%s high=%s low=%s close=%s", ErrNonPositivePrice, open, high, low, cls)
	}
	if vol.IsNegative() || quoteVol.IsNegative() || takerBase.IsNegative() || takerQuote.IsNegative() {
		return candle.Candle{}, fmt.Errorf("%w: volume=%s quoteVolume=%s", ErrNegativeVolume, vol, quoteVol)
	}
	if low.GreaterThan(high) || open.LessThan(low) || open.GreaterThan(high) || cls.LessThan(low) || cls.GreaterThan(high) {
		return candle.Candle{}, fmt.Errorf("%w: low=%s high=%s open=%s close=%s", ErrOhlcInconsistent, low, high, open, cls)
	}

	openTime := time.UnixMilli(k.OpenTimeMs).UTC()
	if boundary, ok := intervalDuration(k.Interval); ok {
		if openTime.UnixMilli()%boundary.Milliseconds() != 0 {
			return candle.Candle{}, fmt.Errorf("%w: openTime=%d interval=%s", ErrMisalignedOpenTime, k.OpenTimeMs, k.Interval)
		}
	}

	return candle.Candle{
		Key: candle.Key{
			Symbol:   f.Data.Sym,
			Market:   market,
			Interval: k.Interval,
		},
		OpenTime:            openTime,
		CloseTime:           time.UnixMilli(k.CloseTimeMs).UTC(),
		Open:                open,
		High:                high,
		Low:                 low,
		Close:               cls,
		Volume:              vol,
		QuoteVolume:         quoteVol,
		Trades:              k.Trades,
		TakerBuyBaseVolume:  takerBase,
		TakerBuyQuoteVolume: takerQuote,
		Closed:              k.Closed,
	}, nil
}

// Encode renders c back into the same combined-stream wire format Decode
// parses, satisfying decode(encode(c)) == c for any valid Candle. It
// exists mainly to give that round-trip law a concrete, testable shape.
func Encode(c candle.Candle) ([]byte, error) {
	var f frame
	f.Stream = lowerSymbol(c.Key.Symbol) + "@kline_" + c.Key.Interval
	f.Data.Event = "kline"
	f.Data.Sym = c.Key.Symbol
	f.Data.K.OpenTimeMs = c.OpenTime.UnixMilli()
	f.Data.K.CloseTimeMs = c.CloseTime.UnixMilli()
	f.Data.K.Open = c.Open.String()
	f.Data.K.High = c.High.String()
	f.Data.K.Low = c.Low.String()
	f.Data.K.Close = c.Close.String()
	f.Data.K.Volume = c.Volume.String()
	f.Data.K.QuoteVolume = c.QuoteVolume.String()
	f.Data.K.Trades = c.Trades
	f.Data.K.TakerBase = c.TakerBuyBaseVolume.String()
	f.Data.K.TakerQuote = c.TakerBuyQuoteVolume.String()
	f.Data.K.Closed = c.Closed
	f.Data.K.Interval = c.Key.Interval

	return json.Marshal(f)
}

func lowerSymbol(s string) string {
	b := []byte(s)
	for i, ch := range b {
		if ch >= 'A' && ch <= 'Z' {
			b[i] = ch + ('a' - 'A')
		}
	}
	return string(b)
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrMissingField, field)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %s %q: %v", ErrNonNumeric, field, s, err)
	}
	return d, nil
}

func intervalDuration(interval string) (time.Duration, bool) {
	switch interval {
	case candle.Interval15m:
		return 15 * time.Minute, true
	default:
		return 0, false
	}
}
