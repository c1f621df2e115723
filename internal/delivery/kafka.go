package delivery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

// KafkaOptions parameterise the Kafka sink.
type KafkaOptions struct {
	Brokers  []string
	Topic    string
	ClientID string
}

// KafkaSink publishes events as JSON, keyed by asset so per-asset order holds.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
	logger   zerolog.Logger
}

// NewKafkaSink connects a synchronous producer.
func NewKafkaSink(opts KafkaOptions, logger zerolog.Logger) (*KafkaSink, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = opts.ClientID
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(opts.Brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewKafkaSinkWithProducer(producer, opts.Topic, logger), nil
}

// NewKafkaSinkWithProducer wraps an existing producer.
func NewKafkaSinkWithProducer(producer sarama.SyncProducer, topic string, logger zerolog.Logger) *KafkaSink {
	return &KafkaSink{
		producer: producer,
		topic:    topic,
		logger:   logger.With().Str("component", "delivery_kafka").Logger(),
	}
}

// Deliver publishes ev.
func (k *KafkaSink) Deliver(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(ev.AssetID),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_id"), Value: []byte(ev.ID)},
		},
	}
	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("publish event %s: %w", ev.ID, err)
	}
	k.logger.Debug().Str("event_id", ev.ID).Int32("partition", partition).Int64("offset", offset).Msg("event published")
	return nil
}

// Close flushes and closes the producer.
func (k *KafkaSink) Close() error {
	return k.producer.Close()
}

var _ Sink = (*KafkaSink)(nil)
