package txnstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"accountpool/pkg/platform/sentinel"
)

var expiredDelivered = promauto.NewCounter(prometheus.CounterOpts{
	Name: "accountpool_txnstore_expirations_total",
	Help: "Transaction records removed by deadline and delivered on the feed",
})

const (
	// recordKeyPrefix holds the expiring record; its TTL is the deadline.
	recordKeyPrefix = "txn:rec:"
	// shadowKeyPrefix holds a non-expiring copy of the value so the feed can
	// still deliver lastValue after Redis has dropped the expired record.
	shadowKeyPrefix = "txn:val:"
)

// RedisStore implements Store on Redis using SET-with-TTL plus keyspace
// notifications. Timeout detection latency equals Redis's expiration
// granularity, not wall-clock precision; the watchdog accepts that trade to
// avoid running its own scheduler.
type RedisStore struct {
	client *redis.Client
	feed   chan Expiration
	logger *slog.Logger
}

type RedisOption func(*RedisStore)

func WithLogger(logger *slog.Logger) RedisOption {
	return func(s *RedisStore) { s.logger = logger }
}

func NewRedis(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		feed:   make(chan Expiration, 64),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) Put(ctx context.Context, rec Record, deadline time.Time) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	ttl := time.Until(deadline)
	if ttl <= 0 {
		return fmt.Errorf("deadline already passed: %w", sentinel.ErrInvalidState)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, recordKeyPrefix+rec.Key, raw, ttl)
	pipe.Set(ctx, shadowKeyPrefix+rec.Key, raw, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("txnstore put: %w: %v", sentinel.ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (Record, error) {
	raw, err := s.client.Get(ctx, recordKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, fmt.Errorf("record %s: %w", key, sentinel.ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("txnstore get: %w: %v", sentinel.ErrUnavailable, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("unmarshal record %s: %w", key, err)
	}
	return rec, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	// Removing the shadow key first guarantees a racing expiration finds
	// nothing to deliver: explicit deletes never reach the feed.
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, shadowKeyPrefix+key)
	pipe.Del(ctx, recordKeyPrefix+key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("txnstore delete: %w: %v", sentinel.ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Expirations() <-chan Expiration {
	return s.feed
}

// Run subscribes to keyspace expired notifications and pumps the change
// feed until ctx is done. Only records removed by TTL produce entries;
// DEL fires a different keyspace event that the subscription never sees.
func (s *RedisStore) Run(ctx context.Context) error {
	// Expired-event notifications are off by default. Best effort: managed
	// Redis deployments often disallow CONFIG SET and enable this up front.
	if err := s.client.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		s.logger.Warn("could not enable keyspace notifications", "error", err)
	}

	sub := s.client.PSubscribe(ctx, "__keyevent@*__:expired")
	defer sub.Close()
	defer close(s.feed)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("keyspace subscription closed: %w", sentinel.ErrUnavailable)
			}
			if !strings.HasPrefix(msg.Payload, recordKeyPrefix) {
				continue
			}
			key := strings.TrimPrefix(msg.Payload, recordKeyPrefix)
			s.deliver(ctx, key)
		}
	}
}

func (s *RedisStore) deliver(ctx context.Context, key string) {
	raw, err := s.client.GetDel(ctx, shadowKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		// Closed explicitly between expiry and pickup; nothing to report.
		return
	}
	if err != nil {
		s.logger.Error("fetch expired record", "key", key, "error", err)
		return
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		s.logger.Error("decode expired record", "key", key, "error", err)
		return
	}
	expiredDelivered.Inc()
	select {
	case s.feed <- Expiration{Key: key, Record: rec}:
	case <-ctx.Done():
	}
}
