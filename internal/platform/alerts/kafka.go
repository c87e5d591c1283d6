package alerts

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Producer is the subset of *kgo.Client used by KafkaSink.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// KafkaSink publishes alerts as JSON records keyed by user id so that one
// user's alerts stay ordered within a partition.
type KafkaSink struct {
	producer Producer
	topic    string
}

func NewKafkaSink(producer Producer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

// NewKafkaClient builds a franz-go client for the alert topic.
func NewKafkaClient(brokers []string, topic string) (*kgo.Client, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ClientID("phicore-alerts"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating kafka client: %w", err)
	}
	return client, nil
}

func (s *KafkaSink) Publish(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding alert: %w", err)
	}
	rec := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(a.UserID),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "alert_type", Value: []byte(a.Type)},
		},
	}
	if err := s.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("producing alert to %s: %w", s.topic, err)
	}
	return nil
}
