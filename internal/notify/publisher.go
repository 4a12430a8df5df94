package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/pitabwire/onboarding/internal/config"
	"github.com/pitabwire/onboarding/internal/observability"
)

// Publisher delivers a notification to an outbound channel.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// --- LogPublisher ---

// LogPublisher writes notifications to the log instead of delivering them.
// It backs local runs and deployments without a broker.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a log-only publisher.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish logs msg at info level.
func (p *LogPublisher) Publish(_ context.Context, msg Message) error {
	p.logger.Info("notification",
		zap.String("notification_id", msg.ID),
		zap.String("kind", string(msg.Kind)),
		zap.Int64(observability.FieldApplicationID, msg.ApplicationID),
		zap.Strings("recipients", msg.Recipients),
		zap.String("subject", msg.Subject),
	)
	return nil
}

// Close is a no-op.
func (p *LogPublisher) Close() error { return nil }

// --- KafkaPublisher ---

// MessageWriter is the subset of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes notifications as JSON to a Kafka topic, keyed by
// application id so events for one application stay ordered.
type KafkaPublisher struct {
	writer MessageWriter
}

// NewKafkaWriter builds a writer for the configured brokers and topic.
func NewKafkaWriter(cfg config.NotificationsConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: true,
	}
}

// NewKafkaPublisher creates a publisher over w.
func NewKafkaPublisher(w MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

// Publish writes msg with the notification kind and the current trace
// context as headers.
func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	headers := []kafka.Header{{Key: "kind", Value: []byte(msg.Kind)}}
	for k, v := range observability.TraceCarrier(ctx) {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(strconv.FormatInt(msg.ApplicationID, 10)),
		Value:   value,
		Headers: headers,
		Time:    msg.OccurredAt,
	})
	if err != nil {
		return fmt.Errorf("kafka write notification %s: %w", msg.ID, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
