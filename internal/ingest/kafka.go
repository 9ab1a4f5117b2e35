// Package ingest moves driver position samples through Kafka. The HTTP
// layer produces, cmd/consumer applies the stream to the location store.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: positionBalancer()})
	return &KafkaProducer{writer: w}
}

// positionBalancer routes by message key, keeping every sample for one
// driver on one partition.
func positionBalancer() kafka.Balancer {
	return &kafka.Hash{}
}

// PublishPosition keys messages by driver id so one driver's samples stay
// on one partition and arrive in order.
func (k *KafkaProducer) PublishPosition(pos models.DriverPosition) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(pos)
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(pos.DriverID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// NewReader builds the consumer-group reader for the location topic.
func NewReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  group,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
}
