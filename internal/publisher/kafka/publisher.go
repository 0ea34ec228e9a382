// Package kafka publishes price alerts to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/JakeFAU/transparent-crawler/internal/crawler"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher wraps a Kafka writer for publishing alerts.
type Publisher struct {
	writer messageWriter
}

// New creates a Kafka publisher for the given broker and topic.
func New(broker, topic string) *Publisher {
	return &Publisher{
		writer: &kafkago.Writer{
			Addr:                   kafkago.TCP(broker),
			Topic:                  topic,
			Balancer:               &kafkago.Hash{},
			AllowAutoTopicCreation: false,
		},
	}
}

// NewWithWriter builds a publisher using a custom writer (tests).
func NewWithWriter(writer messageWriter) *Publisher {
	return &Publisher{writer: writer}
}

// Close shuts down the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// PublishAlert writes the alert keyed by group id so alerts for one product
// land on one partition in order.
func (p *Publisher) PublishAlert(ctx context.Context, alert crawler.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	msg := kafkago.Message{
		Key:   []byte(alert.GroupID.String()),
		Value: payload,
		Time:  time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write alert: %w", err)
	}
	return nil
}

var _ crawler.AlertPublisher = (*Publisher)(nil)
