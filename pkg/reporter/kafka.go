package reporter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/voipfinance/bridge-relayer/pkg/supervisor"
	"go.uber.org/zap"
)

const flushTimeoutMs = 5000

var kafkaMessages = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "relayer_kafka_messages_total",
		Help: "Total number of settlement events handed to Kafka, by result",
	}, []string{"result"})

// Producer is the part of *kafka.Producer the writer uses.
type Producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	Flush(timeoutMs int) int
	Close()
}

type KafkaConfig struct {
	Broker string
	Topic  string
}

// NewKafkaProducer connects an idempotent, fully acknowledged producer.
func NewKafkaProducer(cfg KafkaConfig) (*kafka.Producer, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Broker,
		"acks":               "all",
		"retries":            3,
		"retry.backoff.ms":   100,
		"enable.idempotence": true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return p, nil
}

// KafkaWriter returns a runnable that publishes every settlement event to topic, keyed by settlement id so that all
// events of one settlement land on the same partition.
func KafkaWriter(events *OutcomeReporter, topic string, newProducer func() (Producer, error)) supervisor.Runnable {
	return func(ctx context.Context) error {
		logger := supervisor.Logger(ctx)

		producer, err := newProducer()
		if err != nil {
			return err
		}
		defer func() {
			if n := producer.Flush(flushTimeoutMs); n > 0 {
				logger.Warn("Kafka messages left undelivered on shutdown", zap.Int("count", n))
			}
			producer.Close()
		}()

		sub := events.Subscribe()
		defer events.Unsubscribe(sub.ClientID)
		logger.Info("subscribed to settlement events", zap.String("topic", topic))

		supervisor.Signal(ctx, supervisor.SignalHealthy)

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev := <-sub.C:
				if err := produce(producer, topic, ev); err != nil {
					kafkaMessages.WithLabelValues("produce_error").Inc()
					logger.Error("failed to publish settlement event", zap.String("id", ev.ID), zap.Error(err))
				}
			case e := <-producer.Events():
				if m, ok := e.(*kafka.Message); ok {
					if m.TopicPartition.Error != nil {
						kafkaMessages.WithLabelValues("delivery_error").Inc()
						logger.Error("settlement event delivery failed", zap.ByteString("key", m.Key), zap.Error(m.TopicPartition.Error))
					} else {
						kafkaMessages.WithLabelValues("delivered").Inc()
					}
				}
			}
		}
	}
}

func produce(p Producer, topic string, ev *SettlementEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(ev.ID),
		Value:          b,
	}, nil)
}
