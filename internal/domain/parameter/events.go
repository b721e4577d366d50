package parameter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ParamEvent is the change notification the parameter service publishes
type ParamEvent struct {
	CorrelationID   string          `json:"correlationId,omitempty"`
	EventType       string          `json:"eventType,omitempty"`
	Username        string          `json:"username,omitempty"`
	EventName       string          `json:"eventName"`
	ApplicationName string          `json:"applicationName,omitempty"`
	EventBody       json.RawMessage `json:"eventBody,omitempty"`
}

// EventBody wraps the changed values under "datos"
type EventBody struct {
	Notify string          `json:"notificaFacultad,omitempty"`
	Data   json.RawMessage `json:"datos,omitempty"`
}

// RatePayload is the datos body of a SYSTEM_RATE event. The rate arrives as a
// JSON number or a quoted decimal.
type RatePayload struct {
	Name string          `json:"name"`
	Rate decimal.Decimal `json:"rate"`
}

// DecodeRate decodes eventBody.datos as a rate change
func (e ParamEvent) DecodeRate() (RatePayload, error) {
	var body EventBody
	if err := json.Unmarshal(e.EventBody, &body); err != nil {
		return RatePayload{}, fmt.Errorf("decode event body: %w", err)
	}
	if len(body.Data) == 0 {
		return RatePayload{}, fmt.Errorf("event %s carries no datos", e.EventName)
	}
	var p RatePayload
	if err := json.Unmarshal(body.Data, &p); err != nil {
		return RatePayload{}, fmt.Errorf("decode rate payload: %w", err)
	}
	return p, nil
}

// Event name fragments that select a handler
const (
	EventFragmentSystemRate   = "SYSTEM_RATE"
	EventFragmentSystemDate   = "SYSTEM_DATE"
	EventFragmentDocumentType = "DOCUMENT_TYPE"
)

// TargetKind maps an event name onto the kind it touches. ok is false for
// events the cache does not care about.
func (e ParamEvent) TargetKind() (Kind, bool) {
	name := strings.ToUpper(e.EventName)
	switch {
	case strings.Contains(name, EventFragmentSystemRate):
		return KindSystemRates, true
	case strings.Contains(name, EventFragmentSystemDate):
		return KindSystemDates, true
	case strings.Contains(name, EventFragmentDocumentType):
		return KindDocumentTypes, true
	}
	return "", false
}

// Audit event constants
const (
	AuditEventType   = "DB_STORE"
	AuditCoreName    = "cache"
	AuditNotifyScope = "NOTIFY_CACHE"
)

// AuditEvent records a cache invalidation on the audit topic
type AuditEvent struct {
	CorrelationID   string    `json:"correlationId"`
	EventType       string    `json:"eventType"`
	Username        string    `json:"username"`
	EventName       string    `json:"eventName"`
	ApplicationName string    `json:"applicationName"`
	CoreName        string    `json:"coreName"`
	EventBody       EventBody `json:"eventBody"`
	Timestamp       time.Time `json:"timestamp"`
}

// AuditEventName returns CACHE_INVALIDATED_<KIND>
func AuditEventName(k Kind) string {
	return "CACHE_INVALIDATED_" + strings.ToUpper(string(k))
}

// InvalidationMessage tells peer instances to drop their local tier
type InvalidationMessage struct {
	Scope     Scope  `json:"scope"`
	Origin    string `json:"origin"`
	Timestamp int64  `json:"timestamp"`
}

// InvalidationBroadcaster fans invalidations out to the other instances
// sharing the store.
type InvalidationBroadcaster interface {
	// Publish sends an invalidation notification to all subscribers.
	Publish(ctx context.Context, msg InvalidationMessage) error

	// Subscribe blocks, invoking callback for each received notification,
	// until ctx is cancelled or Close is called.
	Subscribe(ctx context.Context, callback func(msg InvalidationMessage)) error

	// Close releases any resources held by the broadcaster.
	Close() error
}
