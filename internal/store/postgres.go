package store

import (
	"context"
	"fmt"
	"time"

	"github.com/fotonphotos/candlepipe/internal/candle"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresStore is the production CandleStore, backed by a
// candles_15m table with a unique index on (symbol, market, open_time)
// and a secondary index on (symbol, market, open_time DESC) for range
// scans, per the persisted schema layout.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore dials connString and returns a ready PostgresStore.
// Callers are expected to have already applied the schema migration;
// this constructor does not create tables.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Save upserts c keyed on (symbol, market, open_time). The ON CONFLICT
// clause is what makes this idempotent under concurrent live and
// backfill writers without any application-level locking.
func (s *PostgresStore) Save(ctx context.Context, c candle.Candle) error {
	const q = `
		INSERT INTO candles_15m (
			symbol, market, open_time, close_time,
			open, high, low, close, volume, quote_volume,
			trades, taker_buy_base_volume, taker_buy_quote_volume
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)
		ON CONFLICT (symbol, market, open_time) DO UPDATE SET
			close_time = EXCLUDED.close_time,
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume,
			quote_volume = EXCLUDED.quote_volume,
			trades = EXCLUDED.trades,
			taker_buy_base_volume = EXCLUDED.taker_buy_base_volume,
			taker_buy_quote_volume = EXCLUDED.taker_buy_quote_volume
	`
	_, err := s.pool.Exec(ctx, q,
		c.Key.Symbol, c.Key.Market.String(), c.OpenTime, c.CloseTime,
		c.Open, c.High, c.Low, c.Close, c.Volume, c.QuoteVolume,
		c.Trades, c.TakerBuyBaseVolume, c.TakerBuyQuoteVolume,
	)
	if err != nil {
		return fmt.Errorf("store: save %s@%s: %w", c.Key, c.OpenTime, err)
	}
	return nil
}

func (s *PostgresStore) FindByOpenTime(ctx context.Context, key candle.Key, openTime time.Time) (candle.Candle, bool, error) {
	const q = `
		SELECT open_time, close_time, open, high, low, close, volume,
		       quote_volume, trades, taker_buy_base_volume, taker_buy_quote_volume
		FROM candles_15m
		WHERE symbol = $1 AND market = $2 AND open_time = $3
	`
	row := s.pool.QueryRow(ctx, q, key.Symbol, key.Market.String(), openTime)
	c, err := scanCandle(row, key)
	if err != nil {
		if err == pgx.ErrNoRows {
			return candle.Candle{}, false, nil
		}
		return candle.Candle{}, false, fmt.Errorf("store: findByOpenTime %s@%s: %w", key, openTime, err)
	}
	return c, true, nil
}

func (s *PostgresStore) Latest(ctx context.Context, key candle.Key, n int) ([]candle.Candle, error) {
	const q = `
		SELECT open_time, close_time, open, high, low, close, volume,
		       quote_volume, trades, taker_buy_base_volume, taker_buy_quote_volume
		FROM candles_15m
		WHERE symbol = $1 AND market = $2
		ORDER BY open_time DESC
		LIMIT $3
	`
	return s.queryCandles(ctx, q, key, n)
}

func (s *PostgresStore) Earliest(ctx context.Context, key candle.Key, n int) ([]candle.Candle, error) {
	const q = `
		SELECT open_time, close_time, open, high, low, close, volume,
		       quote_volume, trades, taker_buy_base_volume, taker_buy_quote_volume
		FROM candles_15m
		WHERE symbol = $1 AND market = $2
		ORDER BY open_time ASC
		LIMIT $3
	`
	return s.queryCandles(ctx, q, key, n)
}

func (s *PostgresStore) FindRange(ctx context.Context, key candle.Key, start, end time.Time, limit int) ([]candle.Candle, error) {
	const q = `
		SELECT open_time, close_time, open, high, low, close, volume,
		       quote_volume, trades, taker_buy_base_volume, taker_buy_quote_volume
		FROM candles_15m
		WHERE symbol = $1 AND market = $2 AND open_time >= $3 AND open_time < $4
		ORDER BY open_time ASC
		LIMIT $5
	`
	rows, err := s.pool.Query(ctx, q, key.Symbol, key.Market.String(), start, end, limit)
	if err != nil {
		return nil, fmt.Errorf("store: findRange %s: %w", key, err)
	}
	defer rows.Close()

	var out []candle.Candle
	for rows.Next() {
		c, err := scanCandle(rows, key)
		if err != nil {
			return nil, fmt.Errorf("store: scan %s: %w", key, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) queryCandles(ctx context.Context, q string, key candle.Key, n int) ([]candle.Candle, error) {
	rows, err := s.pool.Query(ctx, q, key.Symbol, key.Market.String(), n)
	if err != nil {
		return nil, fmt.Errorf("store: query %s: %w", key, err)
	}
	defer rows.Close()

	var out []candle.Candle
	for rows.Next() {
		c, err := scanCandle(rows, key)
		if err != nil {
			return nil, fmt.Errorf("store: scan %s: %w", key, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Count(ctx context.Context, key candle.Key) (int64, error) {
	const q = `SELECT count(*) FROM candles_15m WHERE symbol = $1 AND market = $2`
	var n int64
	err := s.pool.QueryRow(ctx, q, key.Symbol, key.Market.String()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count %s: %w", key, err)
	}
	return n, nil
}

func (s *PostgresStore) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx) == nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCandle(row scanner, key candle.Key) (candle.Candle, error) {
	var c candle.Candle
	c.Key = key
	var open, high, low, close, volume, quoteVolume, takerBase, takerQuote decimal.Decimal
	err := row.Scan(
		&c.OpenTime, &c.CloseTime, &open, &high, &low, &close, &volume,
		&quoteVolume, &c.Trades, &takerBase, &takerQuote,
	)
	if err != nil {
		return candle.Candle{}, err
	}
	c.Open, c.High, c.Low, c.Close = open, high, low, close
	c.Volume, c.QuoteVolume = volume, quoteVolume
	c.TakerBuyBaseVolume, c.TakerBuyQuoteVolume = takerBase, takerQuote
	c.Closed = true // only closed candles are persisted
	return c, nil
}
