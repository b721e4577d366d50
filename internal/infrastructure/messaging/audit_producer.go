package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/paramcache/backend/internal/domain/parameter"
	"github.com/paramcache/backend/internal/infrastructure/config"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// AuditProducer publishes audit events, keyed by correlation id
type AuditProducer struct {
	writer messageWriter
	logger *zap.Logger
}

// AuditProducerOption configures an AuditProducer
type AuditProducerOption func(*AuditProducer)

// WithProducerLogger sets the logger
func WithProducerLogger(l *zap.Logger) AuditProducerOption {
	return func(p *AuditProducer) { p.logger = l }
}

func withWriter(w messageWriter) AuditProducerOption {
	return func(p *AuditProducer) { p.writer = w }
}

// NewAuditProducer creates a producer on cfg.AuditTopic
func NewAuditProducer(cfg config.KafkaConfig, opts ...AuditProducerOption) (*AuditProducer, error) {
	p := &AuditProducer{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	if p.writer == nil {
		if len(cfg.Brokers) == 0 || cfg.AuditTopic == "" {
			return nil, errors.New("messaging: brokers and audit topic are required")
		}
		p.writer = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.AuditTopic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		}
	}
	return p, nil
}

// PublishAudit writes one audit event
func (p *AuditProducer) PublishAudit(ctx context.Context, event parameter.AuditEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(event.CorrelationID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "eventName", Value: []byte(event.EventName)},
		},
		Time: event.Timestamp,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write audit event %s: %w", event.EventName, err)
	}
	p.logger.Debug("audit event published", zap.String("event_name", event.EventName))
	return nil
}

// Close flushes and closes the writer
func (p *AuditProducer) Close() error {
	return p.writer.Close()
}
