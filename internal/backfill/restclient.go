package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/fotonphotos/candlepipe/internal/candle"
	"github.com/shopspring/decimal"
)

const restTimeout = 10 * time.Second

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// HTTPRESTClient fetches historical klines from the upstream REST API.
// Responses are 12-tuples per the documented external interface.
type HTTPRESTClient struct {
	httpClient     *http.Client
	spotBaseURL    string
	futuresBaseURL string
}

func NewHTTPRESTClient(spotBaseURL, futuresBaseURL string) *HTTPRESTClient {
	return &HTTPRESTClient{
		httpClient:     &http.Client{Timeout: restTimeout},
		spotBaseURL:    spotBaseURL,
		futuresBaseURL: futuresBaseURL,
	}
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (c *HTTPRESTClient) FetchKlines(ctx context.Context, key candle.Key, startMs, endMs int64, limit int) ([]candle.Candle, error) {
	base := c.spotBaseURL
	if key.Market == candle.Futures {
		base = c.futuresBaseURL
	}
	url := fmt.Sprintf("%s/klines?symbol=%s&interval=%s&startTime=%d&endTime=%d&limit=%d",
		base, key.Symbol, key.Interval, startMs, endMs, limit)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FatalError{Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &TransientError{Err: fmt.Errorf("rate limited (429)")}
	case resp.StatusCode >= 500:
		return nil, &TransientError{Err: fmt.Errorf("upstream 5xx: %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		var apiErr apiError
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return nil, &FatalError{Err: fmt.Errorf("upstream %d: %s", resp.StatusCode, apiErr.Msg)}
	}

	var raw [][]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, &TransientError{Err: fmt.Errorf("decode response: %w", err)}
	}

	out := make([]candle.Candle, 0, len(raw))
	for _, tuple := range raw {
		c, err := parseTuple(tuple, key)
		if err != nil {
			return nil, &TransientError{Err: fmt.Errorf("parse kline tuple: %w", err)}
		}
		out = append(out, c)
	}
	return out, nil
}

// parseTuple decodes one [openTime, open, high, low, close, volume,
// closeTime, quoteVolume, trades, takerBase, takerQuote, _ignore] row.
func parseTuple(tuple []json.RawMessage, key candle.Key) (candle.Candle, error) {
	if len(tuple) < 11 {
		return candle.Candle{}, fmt.Errorf("expected 12-tuple, got %d fields", len(tuple))
	}

	openMs, err := rawInt64(tuple[0])
	if err != nil {
		return candle.Candle{}, err
	}
	closeMs, err := rawInt64(tuple[6])
	if err != nil {
		return candle.Candle{}, err
	}
	open, err := rawDecimal(tuple[1])
	if err != nil {
		return candle.Candle{}, err
	}
	high, err := rawDecimal(tuple[2])
	if err != nil {
		return candle.Candle{}, err
	}
	low, err := rawDecimal(tuple[3])
	if err != nil {
		return candle.Candle{}, err
	}
	cls, err := rawDecimal(tuple[4])
	if err != nil {
		return candle.Candle{}, err
	}
	vol, err := rawDecimal(tuple[5])
	if err != nil {
		return candle.Candle{}, err
	}
	quoteVol, err := rawDecimal(tuple[7])
	if err != nil {
		return candle.Candle{}, err
	}
	trades, err := rawInt64(tuple[8])
	if err != nil {
		return candle.Candle{}, err
	}
	takerBase, err := rawDecimal(tuple[9])
	if err != nil {
		return candle.Candle{}, err
	}
	takerQuote, err := rawDecimal(tuple[10])
	if err != nil {
		return candle.Candle{}, err
	}

	return candle.Candle{
		Key:                 key,
		OpenTime:            msToTime(openMs),
		CloseTime:           msToTime(closeMs),
		Open:                open,
		High:                high,
		Low:                 low,
		Close:               cls,
		Volume:              vol,
		QuoteVolume:         quoteVol,
		Trades:              int32(trades),
		TakerBuyBaseVolume:  takerBase,
		TakerBuyQuoteVolume: takerQuote,
		Closed:              true, // historical rows are always closed
	}, nil
}

func rawInt64(raw json.RawMessage) (int64, error) {
	return strconv.ParseInt(string(raw), 10, 64)
}

func rawDecimal(raw json.RawMessage) (decimal.Decimal, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return decimal.NewFromString(s)
	}
	return decimal.NewFromString(string(raw))
}
