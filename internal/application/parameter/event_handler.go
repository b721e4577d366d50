package parameter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/paramcache/backend/internal/domain/parameter"
	"github.com/paramcache/backend/internal/domain/shared"
	"github.com/paramcache/backend/internal/infrastructure/logger"
	"github.com/paramcache/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

// Event outcomes
const (
	EventHandled   = "handled"
	EventDuplicate = "duplicate"
	EventIgnored   = "ignored"
	EventInvalid   = "invalid"
	EventFailed    = "failed"
)

// AuditPublisher records handled invalidations on the audit stream
type AuditPublisher interface {
	PublishAudit(ctx context.Context, event parameter.AuditEvent) error
}

// EventHandler applies the parameter service's change events to the cache
type EventHandler struct {
	cache       *CacheService
	idempotency shared.IdempotencyStore
	idemConfig  shared.IdempotencyConfig
	audit       AuditPublisher
	metrics     Metrics
	logger      *zap.Logger
}

// EventHandlerOption configures an EventHandler
type EventHandlerOption func(*EventHandler)

// WithIdempotency skips messages whose id was already handled
func WithIdempotency(store shared.IdempotencyStore, cfg shared.IdempotencyConfig) EventHandlerOption {
	return func(h *EventHandler) {
		h.idempotency = store
		h.idemConfig = cfg
	}
}

// WithAuditPublisher publishes an audit event after every handled change
func WithAuditPublisher(p AuditPublisher) EventHandlerOption {
	return func(h *EventHandler) { h.audit = p }
}

// NewEventHandler creates an EventHandler over cache
func NewEventHandler(cache *CacheService, opts ...EventHandlerOption) *EventHandler {
	h := &EventHandler{
		cache:      cache,
		idemConfig: shared.IdempotencyConfig{Enabled: false},
		metrics:    cache.metrics,
		logger:     cache.logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle applies one event. messageID must identify the delivery uniquely
// (topic, partition and offset for Kafka). A SYSTEM_RATE event upserts the
// rate it carries; SYSTEM_DATE and DOCUMENT_TYPE events invalidate their
// kind. Undecodable and unrelated events are dropped with a log line; only
// store failures are returned, so the caller can retry the delivery.
func (h *EventHandler) Handle(ctx context.Context, messageID string, event parameter.ParamEvent) error {
	ctx, span := telemetry.StartServiceSpan(ctx, "EventHandler", "Handle",
		telemetry.WithAttribute(telemetry.SpanAttrEventID, messageID))
	defer span.End()

	if event.CorrelationID != "" {
		ctx = logger.WithCorrelationID(ctx, event.CorrelationID)
	}
	log := logger.L(ctx, h.logger).With(
		zap.String("message_id", messageID),
		zap.String("event_name", event.EventName),
	)

	kind, ok := event.TargetKind()
	if !ok {
		h.metrics.RecordEvent(ctx, "", EventIgnored)
		log.Debug("Ignoring event")
		return nil
	}
	telemetry.SetAttributes(span, telemetry.SpanAttrKind, string(kind))

	if h.idemConfig.Enabled && h.idempotency != nil {
		done, err := h.idempotency.IsProcessed(ctx, messageID)
		if err != nil {
			log.Warn("Idempotency check failed, handling anyway", zap.Error(err))
		} else if done {
			h.metrics.RecordEvent(ctx, kind, EventDuplicate)
			log.Debug("Skipping already handled event")
			return nil
		}
	}

	datos, err := h.apply(ctx, kind, event)
	if err != nil {
		if errors.Is(err, shared.ErrValidation) {
			h.metrics.RecordEvent(ctx, kind, EventInvalid)
			log.Warn("Dropping invalid event", zap.Error(err))
			return nil
		}
		h.metrics.RecordEvent(ctx, kind, EventFailed)
		telemetry.RecordError(span, err)
		log.Error("Could not apply event", zap.Error(err))
		return err
	}
	h.metrics.RecordEvent(ctx, kind, EventHandled)
	log.Info("Applied parameter event", zap.String("kind", string(kind)))

	if h.idemConfig.Enabled && h.idempotency != nil {
		if _, err := h.idempotency.MarkProcessed(ctx, messageID, h.idemConfig.TTL); err != nil {
			log.Warn("Could not mark event as handled", zap.Error(err))
		}
	}

	h.publishAudit(ctx, kind, event, datos)
	return nil
}

// apply returns the datos to audit
func (h *EventHandler) apply(ctx context.Context, kind parameter.Kind, event parameter.ParamEvent) (json.RawMessage, error) {
	switch kind {
	case parameter.KindSystemRates:
		payload, err := event.DecodeRate()
		if err != nil {
			return nil, shared.NewDomainError(shared.CodeValidation, err.Error())
		}
		if _, err := h.cache.CacheSystemRate(ctx, parameter.NewSystemRate(payload.Name, payload.Rate)); err != nil {
			return nil, err
		}
		return json.Marshal(payload)
	default:
		scope := parameter.ScopeKind(kind)
		if err := h.cache.InvalidateFrom(ctx, scope, OriginEvent); err != nil {
			return nil, err
		}
		return json.Marshal(scope)
	}
}

func (h *EventHandler) publishAudit(ctx context.Context, kind parameter.Kind, event parameter.ParamEvent, datos json.RawMessage) {
	if h.audit == nil {
		return
	}
	audit := parameter.AuditEvent{
		CorrelationID:   event.CorrelationID,
		EventType:       parameter.AuditEventType,
		Username:        event.Username,
		EventName:       parameter.AuditEventName(kind),
		ApplicationName: event.ApplicationName,
		CoreName:        parameter.AuditCoreName,
		EventBody: parameter.EventBody{
			Notify: parameter.AuditNotifyScope,
			Data:   datos,
		},
		Timestamp: time.Now().UTC(),
	}
	if err := h.audit.PublishAudit(ctx, audit); err != nil {
		logger.L(ctx, h.logger).Warn("Could not publish audit event",
			zap.String("event_name", audit.EventName), zap.Error(err))
	}
}

// DecodeEvent parses a raw message value into a ParamEvent
func DecodeEvent(value []byte) (parameter.ParamEvent, error) {
	var event parameter.ParamEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return event, fmt.Errorf("decode parameter event: %w", err)
	}
	return event, nil
}
