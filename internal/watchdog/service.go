package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"accountpool/internal/bus"
	"accountpool/internal/directory"
	"accountpool/internal/event"
	"accountpool/internal/txnstore"
	"accountpool/pkg/platform/retry"
	"accountpool/pkg/platform/sentinel"
)

var (
	transactionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accountpool_watchdog_opened_total",
		Help: "Transactions opened by kind",
	}, []string{"kind"})
	transactionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accountpool_watchdog_closed_total",
		Help: "Transactions closed by a matching end event",
	}, []string{"kind"})
	transactionsExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accountpool_watchdog_expired_total",
		Help: "Transactions that timed out unmatched",
	}, []string{"kind"})
	transactionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "accountpool_watchdog_duration_seconds",
		Help:    "Begin-to-end duration of closed transactions",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	}, []string{"kind"})
)

// Kind is one of the two known transaction families.
type Kind string

const (
	KindOnBoarding  Kind = "OnBoarding"
	KindMaintenance Kind = "Maintenance"
)

// Key derives the correlation key for an account.
func (k Kind) Key(accountID string) string {
	return string(k) + ":" + accountID
}

var kinds = []Kind{KindOnBoarding, KindMaintenance}

// beginKinds maps begin labels to the transaction they open. ReleasedAccount
// is the end label for both kinds.
var beginKinds = map[event.Label]Kind{
	event.LabelCreatedAccount: KindOnBoarding,
	event.LabelExpiredAccount: KindMaintenance,
}

func successLabel(k Kind) event.Label {
	if k == KindOnBoarding {
		return event.LabelSuccessfulOnBoarding
	}
	return event.LabelSuccessfulMaintenance
}

func failureLabel(k Kind) event.Label {
	if k == KindOnBoarding {
		return event.LabelFailedOnBoarding
	}
	return event.LabelFailedMaintenance
}

// Config bounds each kind's deadline. Strict mode shortens both to the
// strict deadline for deployments that want minutes, not hours.
type Config struct {
	Environment    string
	OnBoarding     time.Duration
	Maintenance    time.Duration
	Strict         bool
	StrictDeadline time.Duration
}

func DefaultConfig(environment string) Config {
	return Config{
		Environment:    environment,
		OnBoarding:     4 * time.Hour,
		Maintenance:    2 * time.Hour,
		StrictDeadline: 15 * time.Minute,
	}
}

func (c Config) deadline(k Kind) time.Duration {
	if c.Strict {
		return c.StrictDeadline
	}
	if k == KindOnBoarding {
		return c.OnBoarding
	}
	return c.Maintenance
}

// Service correlates begin/end event pairs per account. It keeps no state of
// its own: an open transaction is exactly a record in the expiring store, and
// the store's deadline removal is the timeout signal. No scheduler runs here.
type Service struct {
	store     txnstore.Store
	dir       directory.Gateway
	publisher bus.Publisher
	cfg       Config
	policy    retry.Policy
	clock     event.Clock
	logger    *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithClock(clock event.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Service) { s.policy = p }
}

func New(store txnstore.Store, dir directory.Gateway, publisher bus.Publisher, cfg Config, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("transaction store is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("bus publisher is required")
	}
	s := &Service{
		store:     store,
		dir:       dir,
		publisher: publisher,
		cfg:       cfg,
		policy:    retry.Default(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// HandleEvent opens a transaction on a begin label and closes the matching
// one on an end label. Everything else passes through untouched.
func (s *Service) HandleEvent(ctx context.Context, ev event.Decoded) event.Ack {
	if kind, ok := beginKinds[ev.Label]; ok {
		return s.begin(ctx, kind, ev)
	}
	if ev.Label == event.LabelReleasedAccount {
		return s.end(ctx, ev)
	}
	return event.AckOK()
}

func (s *Service) begin(ctx context.Context, kind Kind, ev event.Decoded) event.Ack {
	now := s.clock.Now()
	rec := txnstore.Record{
		Key:        kind.Key(ev.Account),
		Account:    ev.Account,
		Kind:       string(kind),
		Token:      uuid.NewString(),
		StartedAt:  now,
		Attributes: s.snapshotAttributes(ctx, ev),
	}

	// Unconditional put: a second begin while one is open replaces it and
	// resets the deadline. The replaced record is never reported.
	deadline := now.Add(s.cfg.deadline(kind))
	err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
		return s.store.Put(ctx, rec, deadline)
	})
	if err != nil {
		s.logger.Error("open transaction", "key", rec.Key, "error", err)
		return event.AckError("StoreUnavailable")
	}
	transactionsOpened.WithLabelValues(string(kind)).Inc()
	s.logger.Info("transaction opened", "key", rec.Key, "token", rec.Token, "deadline", deadline)
	return event.AckOK()
}

func (s *Service) end(ctx context.Context, ev event.Decoded) event.Ack {
	now := s.clock.Now()
	closed := 0
	for _, kind := range kinds {
		key := kind.Key(ev.Account)
		var rec txnstore.Record
		err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
			var err error
			rec, err = s.store.Get(ctx, key)
			return err
		})
		if errors.Is(err, sentinel.ErrNotFound) {
			continue
		}
		if err != nil {
			s.logger.Error("close transaction", "key", key, "error", err)
			return event.AckError("StoreUnavailable")
		}

		duration := now.Sub(rec.StartedAt)
		attrs := s.mergeCurrentTags(ctx, rec)

		err = retry.Do(ctx, s.policy, func(ctx context.Context) error {
			return s.store.Delete(ctx, key)
		})
		if err != nil {
			s.logger.Error("delete transaction", "key", key, "error", err)
			return event.AckError("StoreUnavailable")
		}

		env := event.New(successLabel(kind), ev.Account, s.cfg.Environment)
		env.Detail.Duration = duration.Seconds()
		env.Detail.Attributes = attrs
		err = retry.Do(ctx, s.policy, func(ctx context.Context) error {
			return s.publisher.Publish(ctx, env)
		})
		if err != nil {
			s.logger.Error("publish success event", "key", key, "error", err)
			return event.AckError("PublishFailed")
		}

		transactionsClosed.WithLabelValues(string(kind)).Inc()
		transactionDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
		s.logger.Info("transaction closed", "key", key, "token", rec.Token, "duration", duration)
		closed++
	}
	if closed == 0 {
		// Nothing was pending; not an error under out-of-order delivery.
		return event.AckIgnored("NoOpenTransaction")
	}
	return event.AckOK()
}

// Run consumes the store's expiration feed until ctx is done or the feed
// closes. Every deadline removal becomes exactly one failure event.
func (s *Service) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case exp, ok := <-s.store.Expirations():
			if !ok {
				return nil
			}
			s.expired(ctx, exp)
		}
	}
}

func (s *Service) expired(ctx context.Context, exp txnstore.Expiration) {
	rec := exp.Record
	kind := Kind(rec.Kind)

	env := event.New(failureLabel(kind), rec.Account, s.cfg.Environment)
	env.Detail.Attributes = rec.Attributes
	env.Detail.Message = fmt.Sprintf(
		"%s transaction for account %s opened at %s never completed within %s",
		rec.Kind, rec.Account, rec.StartedAt.Format(time.RFC3339), s.cfg.deadline(kind))
	err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
		return s.publisher.Publish(ctx, env)
	})
	if err != nil {
		s.logger.Error("publish failure event", "key", exp.Key, "error", err)
		return
	}
	transactionsExpired.WithLabelValues(rec.Kind).Inc()
	s.logger.Warn("transaction timed out", "key", exp.Key, "token", rec.Token)
}

// snapshotAttributes captures the account's cost attribution tags at begin
// time. The directory being unreachable here is not fatal: the transaction
// still opens, just with the event's own attributes.
func (s *Service) snapshotAttributes(ctx context.Context, ev event.Decoded) map[string]string {
	attrs := make(map[string]string, len(ev.Attributes))
	for k, v := range ev.Attributes {
		attrs[k] = v
	}
	if s.dir == nil {
		return attrs
	}
	tags, err := s.dir.ListTags(ctx, ev.Account)
	if err != nil {
		s.logger.Warn("snapshot tags", "account", ev.Account, "error", err)
		return attrs
	}
	for k, v := range tags {
		attrs[k] = v
	}
	return attrs
}

// mergeCurrentTags folds the account's tags at close time over the begin
// snapshot, so cost attribution reflects the finished state.
func (s *Service) mergeCurrentTags(ctx context.Context, rec txnstore.Record) map[string]string {
	attrs := make(map[string]string, len(rec.Attributes))
	for k, v := range rec.Attributes {
		attrs[k] = v
	}
	if s.dir == nil {
		return attrs
	}
	tags, err := s.dir.ListTags(ctx, rec.Account)
	if err != nil {
		s.logger.Warn("merge tags", "account", rec.Account, "error", err)
		return attrs
	}
	for k, v := range tags {
		attrs[k] = v
	}
	return attrs
}
