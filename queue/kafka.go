package queue

import (
	"context"

	"github.com/segmentio/kafka-go"
)

// KafkaProducer implements Producer against a Kafka (or Kafka-compatible)
// cluster via segmentio/kafka-go, the message-queue collaborator named in
// SPEC_FULL.md §6.
type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string) *KafkaProducer {
	return &KafkaProducer{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}}
}

func (p *KafkaProducer) Publish(ctx context.Context, topic string, msg []byte) error {
	return p.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Value: msg})
}

func (p *KafkaProducer) Close() error { return p.writer.Close() }
