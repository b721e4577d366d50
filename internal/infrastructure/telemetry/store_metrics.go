package telemetry

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// StoreMetricsConfig holds configuration for Redis store instrumentation.
type StoreMetricsConfig struct {
	// SlowCommandThreshold marks commands as slow (default: 50ms).
	SlowCommandThreshold time.Duration
	// PoolStatsInterval defines how often pool stats are collected (default: 15s).
	PoolStatsInterval time.Duration
	// Tracing starts a client span per command.
	Tracing bool
}

// StoreMetrics instruments a go-redis client: a span and a latency sample per
// command, plus periodic connection pool stats. It implements redis.Hook.
type StoreMetrics struct {
	commandTotal    *Counter
	commandDuration *Histogram
	slowTotal       *Counter
	poolConnections *Gauge

	config   StoreMetricsConfig
	logger   *zap.Logger
	client   *redis.Client
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewStoreMetrics creates the store instruments on meter.
func NewStoreMetrics(meter metric.Meter, cfg StoreMetricsConfig, logger *zap.Logger) (*StoreMetrics, error) {
	if meter == nil {
		return nil, ErrMeterNil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SlowCommandThreshold == 0 {
		cfg.SlowCommandThreshold = 50 * time.Millisecond
	}
	if cfg.PoolStatsInterval == 0 {
		cfg.PoolStatsInterval = 15 * time.Second
	}

	m := &StoreMetrics{config: cfg, logger: logger, stopCh: make(chan struct{})}
	var err error

	if m.commandTotal, err = NewCounter(meter,
		"store_command_total",
		"Redis commands by name and status",
		"{command}"); err != nil {
		return nil, err
	}
	if m.commandDuration, err = NewHistogram(meter, HistogramOpts{
		Name:        "store_command_duration_seconds",
		Description: "Redis command latency in seconds",
		Unit:        "s",
		Boundaries:  StoreDurationBuckets,
	}); err != nil {
		return nil, err
	}
	if m.slowTotal, err = NewCounter(meter,
		"store_slow_command_total",
		"Redis commands slower than the configured threshold",
		"{command}"); err != nil {
		return nil, err
	}
	if m.poolConnections, err = NewGauge(meter,
		"store_pool_connections",
		"Redis pool connections by state",
		"{connection}"); err != nil {
		return nil, err
	}
	return m, nil
}

// Instrument registers the hook on client and starts pool stats collection.
// Call Stop on shutdown.
func (m *StoreMetrics) Instrument(ctx context.Context, client *redis.Client) {
	m.client = client
	client.AddHook(m)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.config.PoolStatsInterval)
		defer ticker.Stop()

		m.collectPoolStats(ctx)
		for {
			select {
			case <-ticker.C:
				m.collectPoolStats(ctx)
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	m.logger.Info("Redis store instrumentation enabled",
		zap.Duration("slow_command_threshold", m.config.SlowCommandThreshold),
		zap.Bool("tracing", m.config.Tracing),
	)
}

func (m *StoreMetrics) collectPoolStats(ctx context.Context) {
	stats := m.client.PoolStats()
	m.poolConnections.Record(ctx, int64(stats.TotalConns), AttrStorePool.String("total"))
	m.poolConnections.Record(ctx, int64(stats.IdleConns), AttrStorePool.String("idle"))
	m.poolConnections.Record(ctx, int64(stats.StaleConns), AttrStorePool.String("stale"))
}

// Stop stops pool stats collection. Safe to call multiple times.
func (m *StoreMetrics) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
	})
}

// RecordCommand records one completed command.
func (m *StoreMetrics) RecordCommand(ctx context.Context, name string, d time.Duration, err error) {
	name = strings.ToLower(name)
	status := "ok"
	if err != nil && !errors.Is(err, redis.Nil) {
		status = "error"
	}
	m.commandTotal.Inc(ctx, AttrStoreCommand.String(name), AttrStoreStatus.String(status))
	m.commandDuration.RecordDuration(ctx, d, AttrStoreCommand.String(name))
	if d > m.config.SlowCommandThreshold {
		m.slowTotal.Inc(ctx, AttrStoreCommand.String(name))
	}
}

func (m *StoreMetrics) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return next(ctx, network, addr)
	}
}

func (m *StoreMetrics) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		var span trace.Span
		if m.config.Tracing {
			ctx, span = StartSpan(ctx, "redis."+strings.ToLower(cmd.Name()),
				WithSpanKind(trace.SpanKindClient),
				WithAttribute("db.system", "redis"),
			)
			defer span.End()
		}

		start := time.Now()
		err := next(ctx, cmd)
		m.RecordCommand(ctx, cmd.Name(), time.Since(start), err)

		if span != nil && err != nil && !errors.Is(err, redis.Nil) {
			RecordError(span, err)
		}
		return err
	}
}

func (m *StoreMetrics) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmds)
		m.commandDuration.RecordDuration(ctx, time.Since(start), attribute.String(string(AttrStoreCommand), "pipeline"))
		return err
	}
}

var _ redis.Hook = (*StoreMetrics)(nil)
