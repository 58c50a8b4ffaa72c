package bus

import (
	"context"
	"fmt"

	kafka "github.com/segmentio/kafka-go"
)

// KafkaProducer publishes partition-keyed messages via a shared
// kafka.Writer (one per process, topic selected per-publish).
type KafkaProducer struct {
	w *kafka.Writer
}

// NewKafkaProducer builds a producer over brokers. RequireOne acks give a
// reasonable latency/durability balance for delta events that the
// rebuild path can always recompute from the bitmap if lost.
func NewKafkaProducer(brokers []string) *KafkaProducer {
	return &KafkaProducer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		},
	}
}

func (p *KafkaProducer) Publish(ctx context.Context, topic string, msg Message) error {
	err := p.w.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   msg.Key,
		Value: msg.Value,
	})
	if err != nil {
		return fmt.Errorf("bus: publish to %s: %w", topic, err)
	}
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.w.Close()
}

// KafkaConsumer wraps a kafka.Reader configured for a consumer group with
// manual commit (CommitInterval: 0 disables auto-commit).
type KafkaConsumer struct {
	r *kafka.Reader
}

// NewKafkaConsumer builds a consumer reading topic under groupID. When
// startFromEarliest is true (used by the opt-in replay consumer), the
// group starts at the earliest offset on first join.
func NewKafkaConsumer(brokers []string, topic, groupID string, startFromEarliest bool) *KafkaConsumer {
	startOffset := kafka.LastOffset
	if startFromEarliest {
		startOffset = kafka.FirstOffset
	}
	return &KafkaConsumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			Topic:          topic,
			GroupID:        groupID,
			StartOffset:    startOffset,
			CommitInterval: 0,
		}),
	}
}

func (c *KafkaConsumer) Fetch(ctx context.Context) (ConsumedMessage, error) {
	m, err := c.r.FetchMessage(ctx)
	if err != nil {
		return ConsumedMessage{}, fmt.Errorf("bus: fetch: %w", err)
	}
	return ConsumedMessage{
		Message:   Message{Key: m.Key, Value: m.Value},
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
	}, nil
}

func (c *KafkaConsumer) Commit(ctx context.Context, msg ConsumedMessage) error {
	err := c.r.CommitMessages(ctx, kafka.Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
	})
	if err != nil {
		return fmt.Errorf("bus: commit offset %d: %w", msg.Offset, err)
	}
	return nil
}

func (c *KafkaConsumer) Close() error {
	return c.r.Close()
}
