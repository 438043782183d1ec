package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/spotx/exchange-engine/internal/engine"
	"github.com/spotx/exchange-engine/internal/metrics"
)

// envelope wraps every published event with identity and versioning so
// downstream consumers can deduplicate and evolve.
type envelope struct {
	EventID      string    `json:"event_id"`
	EventType    string    `json:"event_type"`
	EventVersion int       `json:"event_version"`
	Timestamp    time.Time `json:"timestamp"`
	Payload      any       `json:"payload"`
}

// KafkaNotifier publishes trade-executed events to a Kafka topic for
// downstream consumers (fills feeds, analytics). Publish failures are
// logged and dropped; settlement has already committed.
type KafkaNotifier struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
}

// NewKafkaNotifier creates a notifier with an idempotent sync producer.
func NewKafkaNotifier(brokers []string, topic string, logger *slog.Logger) (*KafkaNotifier, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return &KafkaNotifier{producer: producer, topic: topic, logger: logger}, nil
}

// NotifyTrade implements engine.TradeNotifier.
func (k *KafkaNotifier) NotifyTrade(ctx context.Context, ev engine.TradeEvent) {
	select {
	case <-ctx.Done():
		return
	default:
	}

	data, err := json.Marshal(envelope{
		EventID:      uuid.NewString(),
		EventType:    "trade.executed",
		EventVersion: 1,
		Timestamp:    time.Now().UTC(),
		Payload:      newPayload(ev),
	})
	if err != nil {
		k.logger.Error("marshal trade event", "err", err)
		return
	}

	// Key by symbol so one pair's fills stay ordered within a partition.
	_, _, err = k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(ev.Symbol),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		metrics.NotifyFailures.Inc()
		k.logger.Error("publish trade event",
			"topic", k.topic,
			"buy_order_id", ev.BuyOrderID,
			"sell_order_id", ev.SellOrderID,
			"err", err,
		)
		return
	}
	metrics.NotifyPublished.Inc()
}

// Close shuts down the underlying producer.
func (k *KafkaNotifier) Close() error {
	return k.producer.Close()
}
