package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/meridianfs/riskwatch/pkg/models"
)

// KafkaChannel publishes alerts to a Kafka topic for downstream consumers.
// Messages are keyed by entity so alerts for one entity stay in partition
// order.
type KafkaChannel struct {
	brokers []string
	topic   string
	writer  *kafka.Writer
	logger  *zap.Logger
}

// NewKafkaChannel creates a Kafka channel. The default topic is
// "risk.alerts".
func NewKafkaChannel(brokers []string, topic string, logger *zap.Logger) *KafkaChannel {
	if topic == "" {
		topic = "risk.alerts"
	}
	return &KafkaChannel{
		brokers: brokers,
		topic:   topic,
		logger:  logger,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.CRC32Balancer{},
			BatchSize:    100,
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
			MaxAttempts:  3,
		},
	}
}

// Send publishes one alert.
func (kc *KafkaChannel) Send(ctx context.Context, alert *models.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return errors.Wrap(err, "failed to marshal alert event")
	}

	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%s-%s", alert.EntityType, alert.EntityID)),
		Value: data,
		Time:  alert.Timestamp,
		Headers: []kafka.Header{
			{Key: "alert-type", Value: []byte(alert.AlertType)},
			{Key: "severity", Value: []byte(alert.Severity)},
		},
	}
	if err := kc.writer.WriteMessages(ctx, msg); err != nil {
		return errors.Wrap(err, "failed to publish alert to kafka")
	}
	return nil
}

// Close releases the underlying writer.
func (kc *KafkaChannel) Close() error {
	if kc.writer == nil {
		return nil
	}
	return kc.writer.Close()
}

// Type returns the channel type.
func (kc *KafkaChannel) Type() string {
	return "kafka"
}

// Enabled reports whether brokers are configured.
func (kc *KafkaChannel) Enabled() bool {
	return len(kc.brokers) > 0
}
