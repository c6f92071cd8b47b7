// Package candle defines the core data model shared by every component of
// the ingestion pipeline: the Candle itself, its partition key, and the
// small set of value types built on top of them.
package candle

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Market identifies which upstream venue type a key belongs to. Candles
// for the same symbol on SPOT and FUTURES are tracked as entirely
// separate series.
type Market int

const (
	Spot Market = iota
	Futures
)

func (m Market) String() string {
	switch m {
	case Spot:
		return "SPOT"
	case Futures:
		return "FUTURES"
	default:
		return "UNKNOWN"
	}
}

func (m Market) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

func (m *Market) UnmarshalJSON(data []byte) error {
	s := string(data)
	switch s {
	case `"SPOT"`:
		*m = Spot
	case `"FUTURES"`:
		*m = Futures
	default:
		return fmt.Errorf("candle: unknown market %s", s)
	}
	return nil
}

func (m Market) MarshalYAML() (interface{}, error) {
	return m.String(), nil
}

func (m *Market) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	switch s {
	case "SPOT", "spot":
		*m = Spot
	case "FUTURES", "futures":
		*m = Futures
	default:
		return fmt.Errorf("candle: unknown market %q", s)
	}
	return nil
}

// Interval15m is the only bucket width the pipeline currently produces.
// Key.Interval is still a plain string, not this constant's type, so a
// future second interval doesn't require touching every call site.
const Interval15m = "15m"

// Key partitions the candle series space. Every component keyed on a
// series uses this as the map/lookup key.
type Key struct {
	Symbol   string
	Market   Market
	Interval string // always Interval15m in the current scope, kept as a field for forward compatibility
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Symbol, k.Market, k.Interval)
}

// Candle is one OHLCV bar. OpenTime is the bucket's inclusive lower bound;
// CloseTime is OpenTime + interval - 1ms, matching the upstream convention.
type Candle struct {
	Key                 Key
	OpenTime            time.Time
	CloseTime           time.Time
	Open                decimal.Decimal
	High                decimal.Decimal
	Low                 decimal.Decimal
	Close               decimal.Decimal
	Volume              decimal.Decimal
	QuoteVolume         decimal.Decimal
	Trades              int32
	TakerBuyBaseVolume  decimal.Decimal
	TakerBuyQuoteVolume decimal.Decimal
	Closed              bool // authoritative: mirrors upstream's "x" flag, never derived from time comparison
}

// VWAP returns quoteVolume/volume, or zero when volume is zero. It is
// computed on demand and is not part of the persisted schema; the
// candle.completed payload carries no separate VWAP field, so subscribers
// call VWAP on the payload's Candle.
func (c Candle) VWAP() decimal.Decimal {
	if c.Volume.IsZero() {
		return decimal.Zero
	}
	return c.QuoteVolume.Div(c.Volume)
}

// Validate checks the OHLC consistency invariant: Low <= Open,Close <= High
// and Low <= High.
func (c Candle) Validate() error {
	if c.Low.GreaterThan(c.High) {
		return fmt.Errorf("candle %s@%s: low %s > high %s", c.Key, c.OpenTime, c.Low, c.High)
	}
	if c.Open.LessThan(c.Low) || c.Open.GreaterThan(c.High) {
		return fmt.Errorf("candle %s@%s: open %s outside [%s,%s]", c.Key, c.OpenTime, c.Open, c.Low, c.High)
	}
	if c.Close.LessThan(c.Low) || c.Close.GreaterThan(c.High) {
		return fmt.Errorf("candle %s@%s: close %s outside [%s,%s]", c.Key, c.OpenTime, c.Close, c.Low, c.High)
	}
	return nil
}
