package telemetry

import (
	"context"
	"time"

	"github.com/paramcache/backend/internal/domain/parameter"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Lookup results
const (
	ResultHit  = "hit"
	ResultMiss = "miss"
	// ResultLocal is a hit served from the in-process tier
	ResultLocal = "local"
)

// Upstream fetch outcomes
const (
	FetchOK       = "ok"
	FetchNotFound = "not_found"
	FetchError    = "error"
)

// CacheMetrics records cache-aside activity.
type CacheMetrics struct {
	logger *zap.Logger

	lookupsTotal       *Counter
	upstreamFetchTotal *Counter
	upstreamDuration   *Histogram
	invalidationsTotal *Counter
	saveTotal          *Counter
	eventsTotal        *Counter
}

// NewCacheMetrics creates the cache instruments on meter.
func NewCacheMetrics(meter metric.Meter, logger *zap.Logger) (*CacheMetrics, error) {
	if meter == nil {
		return nil, ErrMeterNil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &CacheMetrics{logger: logger}
	var err error

	if m.lookupsTotal, err = NewCounter(meter,
		"cache_lookups_total",
		"Cache reads by kind and result",
		"{lookup}"); err != nil {
		return nil, err
	}
	if m.upstreamFetchTotal, err = NewCounter(meter,
		"cache_upstream_fetch_total",
		"Upstream parameter service fetches by kind and outcome",
		"{fetch}"); err != nil {
		return nil, err
	}
	if m.upstreamDuration, err = NewHistogram(meter, HistogramOpts{
		Name:        "cache_upstream_fetch_duration_seconds",
		Description: "Upstream parameter service latency in seconds",
		Unit:        "s",
		Boundaries:  UpstreamDurationBuckets,
	}); err != nil {
		return nil, err
	}
	if m.invalidationsTotal, err = NewCounter(meter,
		"cache_invalidations_total",
		"Cache invalidations by scope and origin",
		"{invalidation}"); err != nil {
		return nil, err
	}
	if m.saveTotal, err = NewCounter(meter,
		"cache_repository_save_total",
		"Repository saves by kind and outcome",
		"{save}"); err != nil {
		return nil, err
	}
	if m.eventsTotal, err = NewCounter(meter,
		"cache_events_total",
		"Parameter change events by kind and outcome",
		"{event}"); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordLookup counts a read of kind
func (m *CacheMetrics) RecordLookup(ctx context.Context, kind parameter.Kind, result string) {
	m.lookupsTotal.Inc(ctx, AttrKind.String(string(kind)), AttrResult.String(result))
}

// RecordUpstreamFetch counts an upstream call and its latency
func (m *CacheMetrics) RecordUpstreamFetch(ctx context.Context, kind parameter.Kind, outcome string, d time.Duration) {
	m.upstreamFetchTotal.Inc(ctx, AttrKind.String(string(kind)), AttrOutcome.String(outcome))
	m.upstreamDuration.RecordDuration(ctx, d, AttrKind.String(string(kind)))
}

// RecordInvalidation counts an invalidation; origin is "local" or "peer"
func (m *CacheMetrics) RecordInvalidation(ctx context.Context, scope parameter.Scope, origin string) {
	m.invalidationsTotal.Inc(ctx, AttrScope.String(string(scope.Kind)), AttrOrigin.String(origin))
}

// RecordSave counts a repository save
func (m *CacheMetrics) RecordSave(ctx context.Context, kind parameter.Kind, outcome string) {
	m.saveTotal.Inc(ctx, AttrKind.String(string(kind)), AttrOutcome.String(outcome))
}

// RecordEvent counts a consumed parameter change event
func (m *CacheMetrics) RecordEvent(ctx context.Context, kind parameter.Kind, outcome string) {
	m.eventsTotal.Inc(ctx, AttrKind.String(string(kind)), AttrOutcome.String(outcome))
}
