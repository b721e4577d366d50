// Package parameter orchestrates the cache-aside reads, invalidations and
// calendar queries over the cached parameter repositories.
package parameter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/paramcache/backend/internal/domain/parameter"
	"github.com/paramcache/backend/internal/domain/shared"
	"github.com/paramcache/backend/internal/infrastructure/logger"
	"github.com/paramcache/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const serviceName = "CacheService"

// localDatesKey is the single entry of the in-process system date tier
const localDatesKey = "system_dates"

// Metrics receives the service's lookup, fetch, invalidation and event
// outcomes. telemetry.CacheMetrics implements it.
type Metrics interface {
	RecordLookup(ctx context.Context, kind parameter.Kind, result string)
	RecordUpstreamFetch(ctx context.Context, kind parameter.Kind, outcome string, d time.Duration)
	RecordInvalidation(ctx context.Context, scope parameter.Scope, origin string)
	RecordEvent(ctx context.Context, kind parameter.Kind, outcome string)
}

type noopMetrics struct{}

func (noopMetrics) RecordLookup(context.Context, parameter.Kind, string)                       {}
func (noopMetrics) RecordUpstreamFetch(context.Context, parameter.Kind, string, time.Duration) {}
func (noopMetrics) RecordInvalidation(context.Context, parameter.Scope, string)                {}
func (noopMetrics) RecordEvent(context.Context, parameter.Kind, string)                        {}

// PopulateFailure is one item the store refused during a populate
type PopulateFailure struct {
	Name string `json:"name"`
	Err  error  `json:"-"`
}

// PopulateReport summarises a populate from the upstream service
type PopulateReport struct {
	Kind    parameter.Kind    `json:"kind"`
	Fetched int               `json:"fetched"`
	Saved   int               `json:"saved"`
	Failed  []PopulateFailure `json:"failed,omitempty"`
}

// Stats is a snapshot of what the cache currently holds
type Stats struct {
	DocumentTypes int64 `json:"document_types"`
	SystemDates   int64 `json:"system_dates"`
	SystemRates   int64 `json:"system_rates"`
	LocalDates    int   `json:"local_dates"`
}

// Option configures a CacheService
type Option func(*CacheService)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *CacheService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m Metrics) Option {
	return func(s *CacheService) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithBroadcaster fans invalidations out to peer instances
func WithBroadcaster(b parameter.InvalidationBroadcaster) Option {
	return func(s *CacheService) { s.broadcaster = b }
}

// WithLocalTTL sets the lifetime of the in-process system date tier
func WithLocalTTL(ttl time.Duration) Option {
	return func(s *CacheService) {
		if ttl > 0 {
			s.localTTL = ttl
		}
	}
}

// WithClock replaces the machine clock used when no TODAY date is cached
func WithClock(now func() time.Time) Option {
	return func(s *CacheService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithInstanceID sets the origin stamped on broadcast invalidations
func WithInstanceID(id string) Option {
	return func(s *CacheService) {
		if id != "" {
			s.instanceID = id
		}
	}
}

// CacheService reads parameters cache-aside: the store first, the upstream
// parameter service on a miss. System dates additionally live in a short
// in-process tier since every calendar query reads all of them.
type CacheService struct {
	documentTypes parameter.DocumentTypeRepository
	systemRates   parameter.SystemRateRepository
	systemDates   parameter.SystemDateRepository
	upstream      parameter.ParamClient

	broadcaster parameter.InvalidationBroadcaster
	local       *ttlcache.Cache[string, []parameter.SystemDate]
	localTTL    time.Duration
	group       singleflight.Group

	// localMu guards localGen and every write to the local tier. localGen
	// moves on each eviction so a load started before it cannot refill the tier.
	localMu  sync.Mutex
	localGen uint64

	// populateMu serialises bulk writes of document types and system dates
	populateMu sync.Mutex

	metrics    Metrics
	logger     *zap.Logger
	now        func() time.Time
	instanceID string
}

// NewCacheService creates a CacheService
func NewCacheService(
	documentTypes parameter.DocumentTypeRepository,
	systemRates parameter.SystemRateRepository,
	systemDates parameter.SystemDateRepository,
	upstream parameter.ParamClient,
	opts ...Option,
) *CacheService {
	s := &CacheService{
		documentTypes: documentTypes,
		systemRates:   systemRates,
		systemDates:   systemDates,
		upstream:      upstream,
		localTTL:      5 * time.Minute,
		metrics:       noopMetrics{},
		logger:        zap.NewNop(),
		now:           time.Now,
		instanceID:    "local",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.local = ttlcache.New(
		ttlcache.WithTTL[string, []parameter.SystemDate](s.localTTL),
		ttlcache.WithDisableTouchOnHit[string, []parameter.SystemDate](),
	)
	return s
}

// InstanceID identifies this instance on the invalidation channel
func (s *CacheService) InstanceID() string {
	return s.instanceID
}

// GetSystemRate returns the named rate from the store, fetching and caching it
// from the parameter service on a miss. A rate the parameter service does not
// know is reported as shared.ErrNotFound.
func (s *CacheService) GetSystemRate(ctx context.Context, name string) (*parameter.SystemRate, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, serviceName, "GetSystemRate",
		telemetry.WithAttribute(telemetry.SpanAttrName, name))
	defer span.End()

	if name == "" {
		return nil, shared.NewDomainError(shared.CodeInvalidInput, "rate name is required")
	}

	rate, err := s.systemRates.FindByName(ctx, name)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("find system rate %s: %w", name, err)
	}
	if rate != nil {
		s.metrics.RecordLookup(ctx, parameter.KindSystemRates, telemetry.ResultHit)
		telemetry.SetAttributes(span, telemetry.SpanAttrResult, telemetry.ResultHit)
		return rate, nil
	}
	s.metrics.RecordLookup(ctx, parameter.KindSystemRates, telemetry.ResultMiss)
	telemetry.SetAttributes(span, telemetry.SpanAttrResult, telemetry.ResultMiss)

	// the shared fetch must outlive the caller that started it
	detached := context.WithoutCancel(ctx)
	v, err, _ := s.group.Do("rate:"+name, func() (any, error) {
		return s.fetchSystemRate(detached, name)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	return v.(*parameter.SystemRate), nil
}

func (s *CacheService) fetchSystemRate(ctx context.Context, name string) (rate *parameter.SystemRate, err error) {
	profiled(ctx, "fetch_system_rate", parameter.KindSystemRates, func(ctx context.Context) {
		start := time.Now()
		fetched, fetchErr := s.upstream.FetchSystemRate(ctx, name)
		switch {
		case fetchErr != nil:
			s.metrics.RecordUpstreamFetch(ctx, parameter.KindSystemRates, telemetry.FetchError, time.Since(start))
			err = fmt.Errorf("fetch system rate %s: %w", name, fetchErr)
			return
		case fetched == nil:
			s.metrics.RecordUpstreamFetch(ctx, parameter.KindSystemRates, telemetry.FetchNotFound, time.Since(start))
			err = shared.NewDomainError(shared.CodeNotFound, fmt.Sprintf("No variable %s found in SystemRate", name))
			return
		}
		s.metrics.RecordUpstreamFetch(ctx, parameter.KindSystemRates, telemetry.FetchOK, time.Since(start))

		logger.L(ctx, s.logger).Debug("Caching system rate from parameter service",
			zap.String("name", name), zap.String("rate", fetched.Rate.String()))
		rate, err = s.CacheSystemRate(ctx, *fetched)
	})
	return rate, err
}

// CacheSystemRate upserts a rate by name: an existing entry keeps its id and
// moves to the next version, otherwise a new entry is created. A concurrent
// writer is retried against the fresh entry.
func (s *CacheService) CacheSystemRate(ctx context.Context, rate parameter.SystemRate) (*parameter.SystemRate, error) {
	const attempts = 3
	var lastErr error
	for range attempts {
		current, err := s.systemRates.FindByName(ctx, rate.Name)
		if err != nil {
			return nil, fmt.Errorf("find system rate %s: %w", rate.Name, err)
		}
		candidate := parameter.NewSystemRate(rate.Name, rate.Rate)
		if current != nil {
			if current.Rate.Equal(rate.Rate) {
				return current, nil
			}
			candidate.ID = current.ID
			candidate.Version = current.Version
		}

		saved, err := s.systemRates.Save(ctx, candidate)
		if err == nil {
			return &saved, nil
		}
		if !errors.Is(err, shared.ErrVersionConflict) && !errors.Is(err, shared.ErrDuplicateName) {
			return nil, fmt.Errorf("save system rate %s: %w", rate.Name, err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("save system rate %s: %w", rate.Name, lastErr)
}

// GetDocumentTypes returns every cached document type, populating the store
// from the parameter service when it is empty.
func (s *CacheService) GetDocumentTypes(ctx context.Context) ([]parameter.DocumentType, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, serviceName, "GetDocumentTypes")
	defer span.End()

	docs, err := s.documentTypes.FindAll(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("find document types: %w", err)
	}
	if len(docs) > 0 {
		s.metrics.RecordLookup(ctx, parameter.KindDocumentTypes, telemetry.ResultHit)
		telemetry.SetAttributes(span, telemetry.SpanAttrResult, telemetry.ResultHit, telemetry.SpanAttrCount, len(docs))
		return docs, nil
	}
	s.metrics.RecordLookup(ctx, parameter.KindDocumentTypes, telemetry.ResultMiss)
	telemetry.SetAttributes(span, telemetry.SpanAttrResult, telemetry.ResultMiss)

	detached := context.WithoutCancel(ctx)
	v, err, _ := s.group.Do(string(parameter.KindDocumentTypes), func() (any, error) {
		if _, err := s.populateDocumentTypes(detached, false); err != nil {
			return nil, err
		}
		docs, err := s.documentTypes.FindAll(detached)
		if err != nil {
			return nil, fmt.Errorf("find document types: %w", err)
		}
		return docs, nil
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	return v.([]parameter.DocumentType), nil
}

// populateDocumentTypes loads the document types from the parameter service.
// With replace the table is cleared before saving; without it a table that
// another caller filled in the meantime is left alone.
func (s *CacheService) populateDocumentTypes(ctx context.Context, replace bool) (report PopulateReport, err error) {
	report.Kind = parameter.KindDocumentTypes

	s.populateMu.Lock()
	defer s.populateMu.Unlock()

	if !replace {
		n, err := s.documentTypes.Count(ctx)
		if err != nil {
			return report, fmt.Errorf("count document types: %w", err)
		}
		if n > 0 {
			return report, nil
		}
	}

	profiled(ctx, "populate", report.Kind, func(ctx context.Context) {
		start := time.Now()
		fetched, fetchErr := s.upstream.FetchAllDocumentTypes(ctx)
		if fetchErr != nil {
			s.metrics.RecordUpstreamFetch(ctx, report.Kind, telemetry.FetchError, time.Since(start))
			err = fmt.Errorf("fetch document types: %w", fetchErr)
			return
		}
		s.metrics.RecordUpstreamFetch(ctx, report.Kind, telemetry.FetchOK, time.Since(start))
		report.Fetched = len(fetched)

		if replace {
			if delErr := s.documentTypes.DeleteAll(ctx); delErr != nil {
				err = fmt.Errorf("delete document types: %w", delErr)
				return
			}
		}
		saved, failed := shared.SplitResults(s.documentTypes.SaveAll(ctx, fetched))
		report.Saved = len(saved)
		for _, f := range failed {
			report.Failed = append(report.Failed, PopulateFailure{Name: f.Entity.Name, Err: f.Err})
		}
	})
	if err != nil {
		return report, err
	}
	s.logReport(ctx, report)
	return report, nil
}

// GetSystemDates returns every system date, holidays included. They are served
// from the in-process tier, then the store, then the parameter service.
func (s *CacheService) GetSystemDates(ctx context.Context) ([]parameter.SystemDate, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, serviceName, "GetSystemDates")
	defer span.End()

	if item := s.local.Get(localDatesKey); item != nil {
		s.metrics.RecordLookup(ctx, parameter.KindSystemDates, telemetry.ResultLocal)
		telemetry.SetAttributes(span, telemetry.SpanAttrResult, telemetry.ResultLocal)
		return item.Value(), nil
	}

	detached := context.WithoutCancel(ctx)
	v, err, _ := s.group.Do(string(parameter.KindSystemDates), func() (any, error) {
		return s.loadSystemDates(detached)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	return v.([]parameter.SystemDate), nil
}

func (s *CacheService) loadSystemDates(ctx context.Context) ([]parameter.SystemDate, error) {
	gen := s.localGeneration()

	dates, err := s.systemDates.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("find system dates: %w", err)
	}
	if len(dates) > 0 {
		s.metrics.RecordLookup(ctx, parameter.KindSystemDates, telemetry.ResultHit)
		s.setLocalDates(gen, dates)
		return dates, nil
	}
	s.metrics.RecordLookup(ctx, parameter.KindSystemDates, telemetry.ResultMiss)

	if _, err := s.populateSystemDates(ctx, false); err != nil {
		return nil, err
	}
	if dates, err = s.systemDates.FindAll(ctx); err != nil {
		return nil, fmt.Errorf("find system dates: %w", err)
	}
	s.setLocalDates(gen, dates)
	return dates, nil
}

// populateSystemDates is populateDocumentTypes for system dates
func (s *CacheService) populateSystemDates(ctx context.Context, replace bool) (report PopulateReport, err error) {
	report.Kind = parameter.KindSystemDates

	s.populateMu.Lock()
	defer s.populateMu.Unlock()

	if !replace {
		n, err := s.systemDates.Count(ctx)
		if err != nil {
			return report, fmt.Errorf("count system dates: %w", err)
		}
		if n > 0 {
			return report, nil
		}
	}

	profiled(ctx, "populate", report.Kind, func(ctx context.Context) {
		start := time.Now()
		fetched, fetchErr := s.upstream.FetchAllSystemDates(ctx)
		if fetchErr != nil {
			s.metrics.RecordUpstreamFetch(ctx, report.Kind, telemetry.FetchError, time.Since(start))
			err = fmt.Errorf("fetch system dates: %w", fetchErr)
			return
		}
		s.metrics.RecordUpstreamFetch(ctx, report.Kind, telemetry.FetchOK, time.Since(start))
		report.Fetched = len(fetched)

		if replace {
			if delErr := s.systemDates.DeleteAll(ctx); delErr != nil {
				err = fmt.Errorf("delete system dates: %w", delErr)
				return
			}
		}
		saved, failed := shared.SplitResults(s.systemDates.SaveAll(ctx, fetched))
		report.Saved = len(saved)
		for _, f := range failed {
			report.Failed = append(report.Failed, PopulateFailure{Name: string(f.Entity.Name), Err: f.Err})
		}
	})
	if err != nil {
		return report, err
	}
	s.logReport(ctx, report)
	return report, nil
}

// Populate replaces one kind in the store with what the parameter service
// holds now. The store is left untouched when the fetch fails. System rates
// are read one by one and cannot be populated in bulk.
func (s *CacheService) Populate(ctx context.Context, kind parameter.Kind) (PopulateReport, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, serviceName, "Populate",
		telemetry.WithAttribute(telemetry.SpanAttrKind, string(kind)))
	defer span.End()

	var (
		report PopulateReport
		err    error
	)
	switch kind {
	case parameter.KindDocumentTypes:
		report, err = s.populateDocumentTypes(ctx, true)
	case parameter.KindSystemDates:
		report, err = s.populateSystemDates(ctx, true)
		if err == nil {
			err = s.reloadLocalDates(ctx)
		}
	default:
		err = shared.NewDomainError(shared.CodeUnsupportedOperation,
			fmt.Sprintf("kind %s cannot be populated in bulk", kind))
	}
	if err != nil {
		telemetry.RecordError(span, err)
	}
	return report, err
}

// reloadLocalDates drops the local tier, and any load still in flight, then
// refills it from the store
func (s *CacheService) reloadLocalDates(ctx context.Context) error {
	s.evictLocal(parameter.ScopeKind(parameter.KindSystemDates))
	gen := s.localGeneration()
	dates, err := s.systemDates.FindAll(ctx)
	if err != nil {
		return fmt.Errorf("find system dates: %w", err)
	}
	s.setLocalDates(gen, dates)
	return nil
}

func (s *CacheService) localGeneration() uint64 {
	s.localMu.Lock()
	defer s.localMu.Unlock()
	return s.localGen
}

// setLocalDates fills the local tier unless it was evicted after gen was read
func (s *CacheService) setLocalDates(gen uint64, dates []parameter.SystemDate) {
	if len(dates) == 0 {
		return
	}
	s.localMu.Lock()
	defer s.localMu.Unlock()
	if s.localGen != gen {
		return
	}
	s.local.Set(localDatesKey, dates, ttlcache.DefaultTTL)
}

func profiled(ctx context.Context, operation string, kind parameter.Kind, fn func(context.Context)) {
	telemetry.WithProfilingLabels(ctx, telemetry.OperationLabels(operation, map[string]string{
		telemetry.ProfilingLabelKind: string(kind),
	}), fn)
}

func (s *CacheService) logReport(ctx context.Context, report PopulateReport) {
	log := logger.L(ctx, s.logger)
	for _, f := range report.Failed {
		log.Warn("Could not cache item from parameter service",
			zap.String("kind", string(report.Kind)),
			zap.String("name", f.Name),
			zap.Error(f.Err))
	}
	log.Debug("Populated cache from parameter service",
		zap.String("kind", string(report.Kind)),
		zap.Int("fetched", report.Fetched),
		zap.Int("saved", report.Saved),
		zap.Int("failed", len(report.Failed)))
}

// ReadOrFetch is the kind-generic read used by the CLI and the HTTP layer. key
// names the rate for KindSystemRates and is ignored otherwise.
func (s *CacheService) ReadOrFetch(ctx context.Context, kind parameter.Kind, key string) (any, error) {
	switch kind {
	case parameter.KindSystemRates:
		return s.GetSystemRate(ctx, key)
	case parameter.KindSystemDates:
		return s.GetSystemDates(ctx)
	case parameter.KindDocumentTypes:
		return s.GetDocumentTypes(ctx)
	}
	return nil, shared.NewDomainError(shared.CodeInvalidInput, fmt.Sprintf("cannot read kind %q", kind))
}

// Stats counts the cached entities per kind
func (s *CacheService) Stats(ctx context.Context) (Stats, error) {
	var (
		st  Stats
		err error
	)
	if st.DocumentTypes, err = s.documentTypes.Count(ctx); err != nil {
		return st, fmt.Errorf("count document types: %w", err)
	}
	if st.SystemDates, err = s.systemDates.Count(ctx); err != nil {
		return st, fmt.Errorf("count system dates: %w", err)
	}
	if st.SystemRates, err = s.systemRates.Count(ctx); err != nil {
		return st, fmt.Errorf("count system rates: %w", err)
	}
	if item := s.local.Get(localDatesKey); item != nil {
		st.LocalDates = len(item.Value())
	}
	return st, nil
}

// Close drops the in-process tier
func (s *CacheService) Close() {
	s.local.DeleteAll()
}
