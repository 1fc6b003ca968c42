package feed

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/strata-dev/strata/core/logger"
	"github.com/strata-dev/strata/core/store"
)

// kafkaMessage is the wire format of one change event on the stream
type kafkaMessage struct {
	Class  string      `json:"class"`
	Kind   string      `json:"kind"`
	Before interface{} `json:"before,omitempty"`
	After  interface{} `json:"after,omitempty"`
}

// KafkaPublisher publishes the change stream to a Kafka topic for external
// consumers. Publish failures are logged and never affect the write path;
// retries are the writer's own concern.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a publisher for the given brokers and topic.
// Subscribe it to the feed.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Notify publishes one change event, keyed by class name so all changes of
// one class land on the same partition in commit order.
func (p *KafkaPublisher) Notify(ctx context.Context, event store.ChangeEvent) {
	message := kafkaMessage{Class: event.Class, Kind: string(event.Kind)}
	if event.Before != nil {
		message.Before = event.Before
	}
	if event.After != nil {
		message.After = event.After
	}
	value, err := json.Marshal(message)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("cannot marshal change event")
		return
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Class),
		Value: value,
	})
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("cannot publish change event for class %s", event.Class)
	}
}

// Close closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
