package parameter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/paramcache/backend/internal/domain/parameter"
	"github.com/paramcache/backend/internal/domain/shared"
	"github.com/paramcache/backend/internal/infrastructure/cache"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockAuditPublisher is a mock implementation of AuditPublisher
type MockAuditPublisher struct {
	mock.Mock
}

func (m *MockAuditPublisher) PublishAudit(ctx context.Context, event parameter.AuditEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func rateEvent(t *testing.T, name, rate string) parameter.ParamEvent {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"datos": map[string]any{"name": name, "rate": json.Number(rate)},
	})
	require.NoError(t, err)
	return parameter.ParamEvent{
		CorrelationID:   "corr-1",
		Username:        "adminTEST",
		EventName:       "UPDATE_SYSTEM_RATE",
		ApplicationName: "param",
		EventBody:       body,
	}
}

func newEventFixture(t *testing.T) (*fixture, *EventHandler, *MockAuditPublisher) {
	t.Helper()
	f := newFixture(t)
	audit := new(MockAuditPublisher)
	h := NewEventHandler(f.svc,
		WithIdempotency(cache.NewInMemoryIdempotencyStore(), shared.DefaultIdempotencyConfig()),
		WithAuditPublisher(audit),
	)
	return f, h, audit
}

func TestEventHandler_SystemRateUpsert(t *testing.T) {
	f, h, audit := newEventFixture(t)
	ctx := context.Background()

	var published parameter.AuditEvent
	audit.On("PublishAudit", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { published = args.Get(1).(parameter.AuditEvent) }).
		Return(nil)

	require.NoError(t, h.Handle(ctx, "param-service/0/1", rateEvent(t, "TIIE", "11.25")))
	require.NoError(t, h.Handle(ctx, "param-service/0/2", rateEvent(t, "TIIE", "11.50")))

	rate, err := f.repos.SystemRates.FindByName(ctx, "TIIE")
	require.NoError(t, err)
	require.NotNil(t, rate)
	assert.True(t, decimal.RequireFromString("11.5").Equal(rate.Rate))
	assert.Equal(t, 1, rate.Version)

	assert.Equal(t, "CACHE_INVALIDATED_SYSTEM_RATES", published.EventName)
	assert.Equal(t, parameter.AuditEventType, published.EventType)
	assert.Equal(t, parameter.AuditNotifyScope, published.EventBody.Notify)
	assert.Equal(t, "corr-1", published.CorrelationID)
	assert.Equal(t, "adminTEST", published.Username)
	audit.AssertNumberOfCalls(t, "PublishAudit", 2)
	f.upstream.AssertNotCalled(t, "FetchSystemRate", mock.Anything, mock.Anything)
}

func TestEventHandler_SkipsRedelivery(t *testing.T) {
	f, h, audit := newEventFixture(t)
	ctx := context.Background()
	audit.On("PublishAudit", mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, h.Handle(ctx, "param-service/0/7", rateEvent(t, "UDI", "8.1")))
	require.NoError(t, h.Handle(ctx, "param-service/0/7", rateEvent(t, "UDI", "9.9")))

	rate, err := f.repos.SystemRates.FindByName(ctx, "UDI")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("8.1").Equal(rate.Rate))
	audit.AssertNumberOfCalls(t, "PublishAudit", 1)
	assert.Contains(t, f.metrics.events, "system_rates/"+EventDuplicate)
}

func TestEventHandler_InvalidatesKinds(t *testing.T) {
	f, h, audit := newEventFixture(t)
	ctx := context.Background()
	audit.On("PublishAudit", mock.Anything, mock.Anything).Return(nil)

	f.upstream.On("FetchAllDocumentTypes", mock.Anything).Return(sampleDocumentTypes(), nil).Once()
	f.upstream.On("FetchAllSystemDates", mock.Anything).Return([]parameter.SystemDate{
		parameter.NewSystemDate(parameter.DayTypeToday, parameter.DateOf(2024, time.March, 15)),
	}, nil).Once()
	_, err := f.svc.GetDocumentTypes(ctx)
	require.NoError(t, err)
	_, err = f.svc.GetSystemDates(ctx)
	require.NoError(t, err)

	require.NoError(t, h.Handle(ctx, "param-service/1/1", parameter.ParamEvent{EventName: "NEW_SYSTEM_DATE"}))
	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.SystemDates)
	assert.Zero(t, stats.LocalDates)
	assert.Equal(t, int64(3), stats.DocumentTypes)

	require.NoError(t, h.Handle(ctx, "param-service/1/2", parameter.ParamEvent{EventName: "DELETE_DOCUMENT_TYPE"}))
	stats, err = f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.DocumentTypes)
	assert.Contains(t, f.metrics.invalidations, "document_types/"+OriginEvent)
}

func TestEventHandler_DropsUnrelatedAndInvalid(t *testing.T) {
	f, h, audit := newEventFixture(t)
	ctx := context.Background()

	require.NoError(t, h.Handle(ctx, "m1", parameter.ParamEvent{EventName: "USER_LOGGED_IN"}))
	require.NoError(t, h.Handle(ctx, "m2", parameter.ParamEvent{
		EventName: "UPDATE_SYSTEM_RATE",
		EventBody: json.RawMessage(`{"notificaFacultad":"x"}`),
	}))
	require.NoError(t, h.Handle(ctx, "m3", rateEvent(t, "TIIE", "0")))

	audit.AssertNotCalled(t, "PublishAudit", mock.Anything, mock.Anything)
	assert.Equal(t, []string{"/" + EventIgnored, "system_rates/" + EventInvalid, "system_rates/" + EventInvalid}, f.metrics.events)
}

func TestEventHandler_AuditFailureIsNotFatal(t *testing.T) {
	_, h, audit := newEventFixture(t)
	audit.On("PublishAudit", mock.Anything, mock.Anything).Return(errors.New("broker down"))

	assert.NoError(t, h.Handle(context.Background(), "m1", rateEvent(t, "TIIE", "10")))
}

func TestDecodeEvent(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"eventName":"UPDATE_SYSTEM_RATE","correlationId":"c-1","eventBody":{"datos":{"name":"TIIE","rate":11}}}`))
	require.NoError(t, err)
	assert.Equal(t, "c-1", ev.CorrelationID)

	p, err := ev.DecodeRate()
	require.NoError(t, err)
	assert.Equal(t, "TIIE", p.Name)

	_, err = DecodeEvent([]byte(`not json`))
	assert.Error(t, err)
}
