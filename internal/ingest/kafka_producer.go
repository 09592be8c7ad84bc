package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/campus-ride-matching/internal/models"
)

// KafkaProducer journals driver locations and ride lifecycle events. Both
// streams are keyed so one driver's or one request's records stay ordered.
type KafkaProducer struct {
	writer        *kafka.Writer
	locationTopic string
	rideTopic     string
	timeout       time.Duration
}

func NewKafkaProducer(brokers []string, locationTopic, rideTopic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
	return &KafkaProducer{writer: w, locationTopic: locationTopic, rideTopic: rideTopic, timeout: 2 * time.Second}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, d models.DriverLocation) error {
	return k.publish(ctx, k.locationTopic, d.DriverID, d)
}

func (k *KafkaProducer) PublishRideEvent(ctx context.Context, ev models.RideEvent) error {
	return k.publish(ctx, k.rideTopic, ev.RequestID, ev)
}

func (k *KafkaProducer) publish(ctx context.Context, topic, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", topic, err)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.timeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: []byte(key), Value: b}); err != nil {
		return fmt.Errorf("write %s: %w", topic, err)
	}
	return nil
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
