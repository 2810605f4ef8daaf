package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"accountpool/internal/event"
	"accountpool/pkg/platform/sentinel"
)

var (
	eventsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accountpool_bus_events_total",
		Help: "Events consumed from the bus by acknowledgement outcome",
	}, []string{"outcome"})
	eventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "accountpool_bus_published_total",
		Help: "Events published onto the bus",
	})
)

// KafkaConfig wires the Kafka bus. Group members share the topic; records
// are keyed by account id, which is all the per-account ordering the bus
// promises (best effort, none across accounts).
type KafkaConfig struct {
	Brokers     []string
	Topic       string
	Group       string
	Environment string
}

/// Kafka is the production bus: one consumer loop feeding every subscriber,
// and a producer for outbound envelopes.
type Kafka struct {
	client      *kgo.Client
	topic       string
	environment string
	handlers    []Handler
	logger      *slog.Logger
}

type KafkaOption func(*Kafka)

func WithLogger(logger *slog.Logger) KafkaOption {
	return func(k *Kafka) { k.logger = logger }
}

func NewKafka(cfg KafkaConfig, opts ...KafkaOption) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumerGroup(cfg.Group),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	k := &Kafka{
		client:      client,
		topic:       cfg.Topic,
		environment: cfg.Environment,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k, nil
}

// EnsureTopic creates the bus topic if it does not exist yet.
func (k *Kafka) EnsureTopic(ctx context.Context, partitions int32, replicas int16) error {
	adm := kadm.NewClient(k.client)
	resp, err := adm.CreateTopic(ctx, partitions, replicas, nil, k.topic)
	if err != nil {
		return fmt.Errorf("ensure topic %s: %w", k.topic, err)
	}
	if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("ensure topic %s: %w", k.topic, resp.Err)
	}
	return nil
}

func (k *Kafka) Subscribe(handlers ...Handler) {
	k.handlers = append(k.handlers, handlers...)
}

func (k *Kafka) Publish(ctx context.Context, env event.Envelope) error {
	raw, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	key := env.Detail.Account
	if key == "" {
		key = env.Detail.ResourceID
	}
	rec := &kgo.Record{Topic: k.topic, Key: []byte(key), Value: raw}
	if err := k.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		// Broker hiccups are transient; mark them so callers can retry.
		return fmt.Errorf("produce: %w: %v", sentinel.ErrUnavailable, err)
	}
	eventsPublished.Inc()
	return nil
}

// Run consumes until ctx is done. Decode failures are acknowledged locally
// and never nack the record: the bus offers at-least-once delivery and a
// malformed event stays malformed on redelivery.
func (k *Kafka) Run(ctx context.Context) error {
	for {
		fetches := k.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			k.logger.Error("fetch error", "topic", topic, "partition", partition, "error", err)
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			k.dispatch(ctx, rec.Value)
		})
	}
}

func (k *Kafka) dispatch(ctx context.Context, raw []byte) {
	decoded, err := event.Decode(raw, event.ExpectEnvironment(k.environment))
	if err != nil {
		ack := event.AckFromDecodeError(err)
		eventsHandled.WithLabelValues(string(ack.Outcome)).Inc()
		if ack.Outcome == event.OutcomeIgnored {
			k.logger.Debug("event ignored", "ack", ack.String())
		} else {
			k.logger.Warn("event rejected", "ack", ack.String())
		}
		return
	}
	for _, h := range k.handlers {
		ack := h.HandleEvent(ctx, decoded)
		eventsHandled.WithLabelValues(string(ack.Outcome)).Inc()
		k.logger.Info("event handled",
			"label", decoded.Label, "account", decoded.Account, "ack", ack.String())
	}
}

func (k *Kafka) Close() {
	k.client.Close()
}
