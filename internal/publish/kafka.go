package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/kjstillabower/station-forecast-service/internal/models"
	"github.com/kjstillabower/station-forecast-service/internal/observability"
)

// KafkaConfig configures the alert topic producer.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	Timeout time.Duration
}

// messageWriter is the subset of *kafkago.Writer used here.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// KafkaPublisher produces alert events keyed by location so every event for
// one station lands on the same partition.
type KafkaPublisher struct {
	writer  messageWriter
	timeout time.Duration
	logger  *zap.Logger
}

// NewKafkaPublisher creates a producer for cfg.Topic.
func NewKafkaPublisher(cfg KafkaConfig, logger *zap.Logger) *KafkaPublisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireOne,
		WriteTimeout: cfg.Timeout,
	}
	return newKafkaPublisher(w, cfg.Timeout, logger)
}

func newKafkaPublisher(w messageWriter, timeout time.Duration, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{writer: w, timeout: timeout, logger: logger}
}

// PublishAlerts writes one message for result. Results without alerts are skipped.
func (p *KafkaPublisher) PublishAlerts(ctx context.Context, result models.ForecastResult) error {
	if !result.HasAlerts() {
		return nil
	}
	msg, err := serializeToMessage(EventFromForecast(result), correlationID(ctx))
	if err != nil {
		observability.AlertEventsPublishedTotal.WithLabelValues("error").Inc()
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		observability.AlertEventsPublishedTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("publish alert event for %s: %w", result.Location, err)
	}
	observability.AlertEventsPublishedTotal.WithLabelValues("success").Inc()
	p.logger.Debug("alert event published", zap.String("location", result.Location))
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func serializeToMessage(ev AlertEvent, corrID string) (kafkago.Message, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize alert event: %w", err)
	}
	headers := []kafkago.Header{
		{Key: "event_type", Value: []byte("forecast_alert")},
		{Key: "generated_at", Value: []byte(ev.GeneratedAt.Format(time.RFC3339))},
	}
	if corrID != "" {
		headers = append(headers, kafkago.Header{Key: "correlation_id", Value: []byte(corrID)})
	}
	return kafkago.Message{
		Key:     []byte(ev.Location),
		Value:   data,
		Headers: headers,
	}, nil
}

func correlationID(ctx context.Context) string {
	if v, ok := ctx.Value("correlation_id").(string); ok {
		return v
	}
	return ""
}
