// Package relay mirrors EventBus topics onto Redis pub/sub for
// downstream analyzers and notifiers that live outside this process —
// an explicitly out-of-scope collaborator per the core's design, wired
// here only as an optional attachment.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fotonphotos/candlepipe/internal/candle"
	"github.com/fotonphotos/candlepipe/internal/eventbus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config mirrors config.RedisConfig's connection fields.
type Config struct {
	Host     string
	Port     int
	DB       int
	Password string
}

// RedisRelay subscribes to the EventBus's candle.* topics (all but
// candle.save-failed) and republishes
// each envelope onto a per-key Redis channel. It is itself just another
// EventBus subscriber: a wedged or unreachable Redis can only build up
// drops on its own bounded channel, never stall ingestion.
type RedisRelay struct {
	rdb    *redis.Client
	logger *zap.Logger
	unsub  []func()
}

// NewRedisRelay dials Redis and verifies connectivity before returning.
func NewRedisRelay(ctx context.Context, cfg Config, logger *zap.Logger) (*RedisRelay, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		DB:       cfg.DB,
		Password: cfg.Password,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("relay: connect to redis: %w", err)
	}

	return &RedisRelay{rdb: rdb, logger: logger}, nil
}

// Attach subscribes to every candle.* topic on bus except
// candle.save-failed and starts mirroring.
func (r *RedisRelay) Attach(bus *eventbus.Bus) {
	topics := []string{
		eventbus.TopicCandleCompleted,
		eventbus.TopicCandleSaved,
		eventbus.TopicCandleHighVolume,
		eventbus.TopicCandlePriceSpike,
		eventbus.TopicCandleGapDetected,
	}
	for _, topic := range topics {
		unsub := bus.SubscribeBuffered(topic, r.publish, 512)
		r.unsub = append(r.unsub, unsub)
	}
}

func (r *RedisRelay) publish(e eventbus.Event) {
	key, ok := keyOf(e.Payload)
	if !ok {
		return
	}

	channel := fmt.Sprintf("candles:%s:%s", key.Symbol, key.Market.String())
	data, err := json.Marshal(e)
	if err != nil {
		r.logger.Error("relay: marshal event", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.rdb.Publish(ctx, channel, data).Err(); err != nil {
		r.logger.Warn("relay: publish to redis failed", zap.String("channel", channel), zap.Error(err))
	}
}

func keyOf(payload interface{}) (candle.Key, bool) {
	switch p := payload.(type) {
	case eventbus.CandleCompletedPayload:
		return p.Key, true
	case eventbus.CandleSavedPayload:
		return p.Key, true
	case eventbus.CandleHighVolumePayload:
		return p.Key, true
	case eventbus.CandlePriceSpikePayload:
		return p.Key, true
	case eventbus.CandleGapDetectedPayload:
		return p.Key, true
	default:
		return candle.Key{}, false
	}
}

// Close unsubscribes from the bus and closes the Redis connection.
func (r *RedisRelay) Close() error {
	for _, unsub := range r.unsub {
		unsub()
	}
	return r.rdb.Close()
}
