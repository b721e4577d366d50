// Package messaging connects the cache to the parameter service's Kafka
// topics: change events in, audit events out.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/paramcache/backend/internal/domain/parameter"
	"github.com/paramcache/backend/internal/infrastructure/config"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventHandler applies one decoded parameter event
type EventHandler interface {
	Handle(ctx context.Context, messageID string, event parameter.ParamEvent) error
}

// EventDecoder turns a message value into a parameter event
type EventDecoder func(value []byte) (parameter.ParamEvent, error)

// messageReader is the part of *kafka.Reader the consumer uses
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerConfig holds the consumer tuning knobs
type ConsumerConfig struct {
	MinBytes       int
	MaxBytes       int
	MaxWait        time.Duration
	StartOffset    int64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	DialTimeout    time.Duration
}

// DefaultConsumerConfig returns the default consumer configuration
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		MinBytes:       1,
		MaxBytes:       1e6, // 1MB
		MaxWait:        500 * time.Millisecond,
		StartOffset:    kafka.LastOffset,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		DialTimeout:    10 * time.Second,
	}
}

// Consumer reads parameter events one at a time and commits each offset once
// its event is applied. A failing event is retried with backoff and never
// skipped, so the partition order is kept.
type Consumer struct {
	reader  messageReader
	handler EventHandler
	decode  EventDecoder
	config  ConsumerConfig
	logger  *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ConsumerOption configures a Consumer
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger
func WithConsumerLogger(l *zap.Logger) ConsumerOption {
	return func(c *Consumer) { c.logger = l }
}

// WithConsumerConfig replaces the default tuning
func WithConsumerConfig(cfg ConsumerConfig) ConsumerOption {
	return func(c *Consumer) { c.config = cfg }
}

// withReader swaps the Kafka reader, for tests
func withReader(r messageReader) ConsumerOption {
	return func(c *Consumer) { c.reader = r }
}

// NewConsumer creates a consumer group reader on cfg.Topic
func NewConsumer(cfg config.KafkaConfig, handler EventHandler, decode EventDecoder, opts ...ConsumerOption) (*Consumer, error) {
	if handler == nil || decode == nil {
		return nil, errors.New("messaging: handler and decoder are required")
	}
	c := &Consumer{
		handler: handler,
		decode:  decode,
		config:  DefaultConsumerConfig(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.reader == nil {
		if len(cfg.Brokers) == 0 || cfg.Topic == "" || cfg.GroupID == "" {
			return nil, errors.New("messaging: brokers, topic and group id are required")
		}
		c.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			Topic:          cfg.Topic,
			GroupID:        cfg.GroupID,
			MinBytes:       c.config.MinBytes,
			MaxBytes:       c.config.MaxBytes,
			MaxWait:        c.config.MaxWait,
			StartOffset:    c.config.StartOffset,
			Dialer:         &kafka.Dialer{Timeout: c.config.DialTimeout},
			CommitInterval: 0,
		})
	}
	return c, nil
}

// MessageID identifies a delivery by topic, partition and offset
func MessageID(msg kafka.Message) string {
	return fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
}

// Start runs the consume loop in the background until Stop
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("parameter event consumer stopped", zap.Error(err))
		}
	}()
	c.logger.Info("parameter event consumer started")
}

// Stop cancels the loop, waits for it and closes the reader
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.reader.Close()
}

// Run consumes until ctx is done or the reader fails
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		if err := c.process(ctx, msg); err != nil {
			return err
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("commit %s: %w", MessageID(msg), err)
		}
	}
}

// process applies msg, retrying with exponential backoff until it succeeds
// or ctx ends. Undecodable messages are logged and skipped.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	id := MessageID(msg)
	event, err := c.decode(msg.Value)
	if err != nil {
		c.logger.Warn("skipping undecodable parameter event",
			zap.String("message_id", id), zap.Error(err))
		return nil
	}

	backoff := c.config.InitialBackoff
	for attempt := 1; ; attempt++ {
		err := c.handler.Handle(ctx, id, event)
		if err == nil {
			return nil
		}
		c.logger.Warn("parameter event failed, retrying",
			zap.String("message_id", id),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.config.MaxBackoff)
	}
}
