package parameter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/paramcache/backend/internal/domain/parameter"
	"github.com/paramcache/backend/internal/domain/shared"
	"github.com/paramcache/backend/internal/infrastructure/cache"
	"github.com/paramcache/backend/internal/infrastructure/persistence"
	"github.com/paramcache/backend/internal/infrastructure/telemetry"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockParamClient is a mock implementation of parameter.ParamClient
type MockParamClient struct {
	mock.Mock
}

func (m *MockParamClient) FetchSystemRate(ctx context.Context, name string) (*parameter.SystemRate, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*parameter.SystemRate), args.Error(1)
}

func (m *MockParamClient) FetchAllSystemDates(ctx context.Context) ([]parameter.SystemDate, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]parameter.SystemDate), args.Error(1)
}

func (m *MockParamClient) FetchAllDocumentTypes(ctx context.Context) ([]parameter.DocumentType, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]parameter.DocumentType), args.Error(1)
}

type lookup struct {
	kind   parameter.Kind
	result string
}

// recordingMetrics keeps every lookup and invalidation it is told about
type recordingMetrics struct {
	mu            sync.Mutex
	lookups       []lookup
	invalidations []string
	events        []string
}

func (r *recordingMetrics) RecordLookup(_ context.Context, kind parameter.Kind, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups = append(r.lookups, lookup{kind, result})
}

func (r *recordingMetrics) RecordUpstreamFetch(context.Context, parameter.Kind, string, time.Duration) {
}

func (r *recordingMetrics) RecordInvalidation(_ context.Context, scope parameter.Scope, origin string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidations = append(r.invalidations, scope.String()+"/"+origin)
}

func (r *recordingMetrics) RecordEvent(_ context.Context, kind parameter.Kind, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, string(kind)+"/"+outcome)
}

func (r *recordingMetrics) lastLookup() lookup {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookups[len(r.lookups)-1]
}

type fixture struct {
	svc      *CacheService
	upstream *MockParamClient
	repos    *persistence.Repositories
	metrics  *recordingMetrics
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	return newFixtureOn(t, cache.NewInMemoryHashStore(), opts...)
}

func newFixtureOn(t *testing.T, store cache.HashStore, opts ...Option) *fixture {
	t.Helper()
	repos, err := persistence.NewRepositories(store)
	require.NoError(t, err)

	f := &fixture{
		upstream: new(MockParamClient),
		repos:    repos,
		metrics:  &recordingMetrics{},
	}
	opts = append([]Option{WithMetrics(f.metrics)}, opts...)
	f.svc = NewCacheService(repos.DocumentTypes, repos.SystemRates, repos.SystemDates, f.upstream, opts...)
	t.Cleanup(f.svc.Close)
	return f
}

func sampleDocumentTypes() []parameter.DocumentType {
	return []parameter.DocumentType{
		parameter.NewDocumentType("INE", "10Y"),
		parameter.NewDocumentType("Comprobante domicilio", "3m"),
		parameter.NewDocumentType("Estado de cuenta", "1m"),
	}
}

func TestGetSystemRate_CacheAside(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.upstream.On("FetchSystemRate", mock.Anything, "TIIE").
		Return(&parameter.SystemRate{ID: "upstream-7", Name: "TIIE", Rate: decimal.RequireFromString("11.25")}, nil).
		Once()

	first, err := f.svc.GetSystemRate(ctx, "TIIE")
	require.NoError(t, err)
	assert.Equal(t, lookup{parameter.KindSystemRates, telemetry.ResultMiss}, f.metrics.lastLookup())
	assert.True(t, persistence.IsInternalID(first.ID), "upstream ids are replaced, got %s", first.ID)
	assert.Equal(t, 0, first.Version)

	second, err := f.svc.GetSystemRate(ctx, "TIIE")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, decimal.RequireFromString("11.25").Equal(second.Rate))
	assert.Equal(t, lookup{parameter.KindSystemRates, telemetry.ResultHit}, f.metrics.lastLookup())

	f.upstream.AssertExpectations(t)
}

func TestGetSystemRate_UnknownRate(t *testing.T) {
	f := newFixture(t)
	f.upstream.On("FetchSystemRate", mock.Anything, "NOPE").Return(nil, nil)

	_, err := f.svc.GetSystemRate(context.Background(), "NOPE")
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrNotFound)

	n, err := f.repos.SystemRates.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGetSystemRate_UpstreamDown(t *testing.T) {
	f := newFixture(t)
	f.upstream.On("FetchSystemRate", mock.Anything, "TIIE").
		Return(nil, errors.Join(shared.ErrUpstreamUnavailable, errors.New("connection refused")))

	_, err := f.svc.GetSystemRate(context.Background(), "TIIE")
	assert.ErrorIs(t, err, shared.ErrUpstreamUnavailable)
}

func TestGetSystemRate_EmptyName(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetSystemRate(context.Background(), "")
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
	f.upstream.AssertNotCalled(t, "FetchSystemRate", mock.Anything, mock.Anything)
}

func TestCacheSystemRate_Upserts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.svc.CacheSystemRate(ctx, parameter.NewSystemRate("UDI", decimal.RequireFromString("8.1")))
	require.NoError(t, err)

	updated, err := f.svc.CacheSystemRate(ctx, parameter.NewSystemRate("UDI", decimal.RequireFromString("8.2")))
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, created.Version+1, updated.Version)

	same, err := f.svc.CacheSystemRate(ctx, parameter.NewSystemRate("UDI", decimal.RequireFromString("8.20")))
	require.NoError(t, err)
	assert.Equal(t, updated.Version, same.Version, "an unchanged rate is not rewritten")

	n, err := f.repos.SystemRates.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = f.svc.CacheSystemRate(ctx, parameter.NewSystemRate("UDI", decimal.Zero))
	assert.ErrorIs(t, err, shared.ErrValidation)
}

func TestGetDocumentTypes_PopulatesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upstream.On("FetchAllDocumentTypes", mock.Anything).Return(sampleDocumentTypes(), nil).Once()

	docs, err := f.svc.GetDocumentTypes(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 3)

	docs, err = f.svc.GetDocumentTypes(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 3)
	assert.Equal(t, lookup{parameter.KindDocumentTypes, telemetry.ResultHit}, f.metrics.lastLookup())

	f.upstream.AssertExpectations(t)
}

func TestGetDocumentTypes_ReportsFailedItems(t *testing.T) {
	f := newFixture(t)
	fetched := append(sampleDocumentTypes(),
		parameter.NewDocumentType("INE", "5Y"),
		parameter.NewDocumentType("", "1Y"),
	)
	f.upstream.On("FetchAllDocumentTypes", mock.Anything).Return(fetched, nil).Once()

	report, err := f.svc.Populate(context.Background(), parameter.KindDocumentTypes)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Fetched)
	assert.Equal(t, 3, report.Saved)
	require.Len(t, report.Failed, 2)
	assert.ErrorIs(t, report.Failed[0].Err, shared.ErrDuplicateName)
	assert.ErrorIs(t, report.Failed[1].Err, shared.ErrValidation)
}

func TestGetDocumentTypes_CoalescesConcurrentMisses(t *testing.T) {
	f := newFixture(t)
	f.upstream.On("FetchAllDocumentTypes", mock.Anything).
		Run(func(mock.Arguments) { time.Sleep(100 * time.Millisecond) }).
		Return(sampleDocumentTypes(), nil)

	const callers = 8
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make(chan error, callers)
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			docs, err := f.svc.GetDocumentTypes(context.Background())
			if err == nil && len(docs) != 3 {
				err = errors.New("unexpected document count")
			}
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	f.upstream.AssertNumberOfCalls(t, "FetchAllDocumentTypes", 1)
}

func TestInvalidate_AllThenRefetch(t *testing.T) {
	// Scenario D
	f := newFixture(t)
	ctx := context.Background()
	f.upstream.On("FetchAllDocumentTypes", mock.Anything).Return(sampleDocumentTypes(), nil).Twice()
	f.upstream.On("FetchAllSystemDates", mock.Anything).Return([]parameter.SystemDate{
		parameter.NewSystemDate(parameter.DayTypeToday, parameter.DateOf(2024, time.March, 15)),
	}, nil).Once()

	_, err := f.svc.GetDocumentTypes(ctx)
	require.NoError(t, err)
	_, err = f.svc.GetSystemDates(ctx)
	require.NoError(t, err)
	_, err = f.svc.CacheSystemRate(ctx, parameter.NewSystemRate("TIIE", decimal.NewFromInt(11)))
	require.NoError(t, err)

	require.NoError(t, f.svc.Invalidate(ctx, parameter.ScopeAll()))

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)

	docs, err := f.svc.GetDocumentTypes(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 3)
	f.upstream.AssertExpectations(t)
	assert.Contains(t, f.metrics.invalidations, "all/"+OriginAPI)
}

func TestInvalidate_SingleRate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CacheSystemRate(ctx, parameter.NewSystemRate("TIIE", decimal.NewFromInt(11)))
	require.NoError(t, err)
	_, err = f.svc.CacheSystemRate(ctx, parameter.NewSystemRate("UDI", decimal.NewFromInt(8)))
	require.NoError(t, err)

	require.NoError(t, f.svc.Invalidate(ctx, parameter.ScopeRate("TIIE")))
	require.NoError(t, f.svc.Invalidate(ctx, parameter.ScopeRate("UNKNOWN")))

	exists, err := f.repos.SystemRates.ExistsByName(ctx, "TIIE")
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = f.repos.SystemRates.ExistsByName(ctx, "UDI")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestInvalidate_UnknownKind(t *testing.T) {
	f := newFixture(t)
	err := f.svc.Invalidate(context.Background(), parameter.Scope{Kind: "rates"})
	assert.Error(t, err)
}

func TestGetSystemDates_LocalTier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upstream.On("FetchAllSystemDates", mock.Anything).Return([]parameter.SystemDate{
		parameter.NewSystemDate(parameter.DayTypeToday, parameter.DateOf(2024, time.March, 15)),
		parameter.NewSystemDate(parameter.DayTypeHoliday, parameter.DateOf(2024, time.March, 18)),
		parameter.NewSystemDate(parameter.DayTypeHoliday, parameter.DateOf(2024, time.May, 1)),
	}, nil).Once()

	dates, err := f.svc.GetSystemDates(ctx)
	require.NoError(t, err)
	assert.Len(t, dates, 3)

	_, err = f.svc.GetSystemDates(ctx)
	require.NoError(t, err)
	assert.Equal(t, lookup{parameter.KindSystemDates, telemetry.ResultLocal}, f.metrics.lastLookup())

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.SystemDates)
	assert.Equal(t, 3, stats.LocalDates)

	// the store still answers once the local tier is gone
	f.svc.evictLocal(parameter.ScopeKind(parameter.KindSystemDates))
	_, err = f.svc.GetSystemDates(ctx)
	require.NoError(t, err)
	assert.Equal(t, lookup{parameter.KindSystemDates, telemetry.ResultHit}, f.metrics.lastLookup())

	f.upstream.AssertExpectations(t)
}

func TestGetSystemDates_LocalTierExpires(t *testing.T) {
	f := newFixture(t, WithLocalTTL(20*time.Millisecond))
	ctx := context.Background()
	f.upstream.On("FetchAllSystemDates", mock.Anything).Return([]parameter.SystemDate{
		parameter.NewSystemDate(parameter.DayTypeToday, parameter.DateOf(2024, time.March, 15)),
	}, nil).Once()

	_, err := f.svc.GetSystemDates(ctx)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	_, err = f.svc.GetSystemDates(ctx)
	require.NoError(t, err)
	assert.Equal(t, lookup{parameter.KindSystemDates, telemetry.ResultHit}, f.metrics.lastLookup())
}

func TestListenForPeers_EvictsLocalTier(t *testing.T) {
	store := cache.NewInMemoryHashStore()
	broadcaster := cache.NewLocalInvalidationBroadcaster()
	defer broadcaster.Close()

	a := newFixtureOn(t, store, WithBroadcaster(broadcaster), WithInstanceID("a"))
	b := newFixtureOn(t, store, WithBroadcaster(broadcaster), WithInstanceID("b"))
	ctx := context.Background()

	dates := []parameter.SystemDate{
		parameter.NewSystemDate(parameter.DayTypeToday, parameter.DateOf(2024, time.March, 15)),
	}
	b.upstream.On("FetchAllSystemDates", mock.Anything).Return(dates, nil).Once()

	listenCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = b.svc.ListenForPeers(listenCtx) }()
	require.Eventually(t, func() bool { return broadcaster.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	_, err := b.svc.GetSystemDates(ctx)
	require.NoError(t, err)
	stats, err := b.svc.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.LocalDates)

	require.NoError(t, a.svc.Invalidate(ctx, parameter.ScopeKind(parameter.KindSystemDates)))

	stats, err = b.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.LocalDates)
	assert.Zero(t, stats.SystemDates)
	assert.Contains(t, b.metrics.invalidations, "system_dates/"+OriginPeer)
}

func TestReadOrFetch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upstream.On("FetchAllDocumentTypes", mock.Anything).Return(sampleDocumentTypes(), nil).Once()

	v, err := f.svc.ReadOrFetch(ctx, parameter.KindDocumentTypes, "")
	require.NoError(t, err)
	assert.Len(t, v, 3)

	_, err = f.svc.ReadOrFetch(ctx, parameter.KindAll, "")
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestPopulate_SystemRatesUnsupported(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Populate(context.Background(), parameter.KindSystemRates)
	assert.ErrorIs(t, err, shared.ErrUnsupportedOperation)
}
