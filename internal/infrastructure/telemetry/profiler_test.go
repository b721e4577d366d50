package telemetry

import (
	"context"
	"runtime/pprof"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewProfiler_Disabled(t *testing.T) {
	p, err := NewProfiler(ProfilerConfig{Enabled: false}, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.False(t, p.IsEnabled())
	assert.NoError(t, p.Stop())
	assert.NoError(t, p.Stop(), "second stop is a no-op")
}

func TestNewProfiler_RequiresAddressAndName(t *testing.T) {
	_, err := NewProfiler(ProfilerConfig{Enabled: true, ApplicationName: "paramcache"}, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "server address is required")

	_, err = NewProfiler(ProfilerConfig{Enabled: true, ServerAddress: "http://localhost:4040"}, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "application name is required")
}

func TestProfileTypes(t *testing.T) {
	base := profileTypes(ProfilerConfig{})
	withContention := profileTypes(ProfilerConfig{Contention: true})

	assert.Len(t, base, 6)
	assert.Len(t, withContention, 10)
}

func TestWithProfilingLabels(t *testing.T) {
	labels := OperationLabels("populate", map[string]string{
		ProfilingLabelKind: "system_dates",
		"name":             "TODAY",
		"Request-ID":       "abc",
	})

	seen := map[string]string{}
	WithProfilingLabels(context.Background(), labels, func(ctx context.Context) {
		pprof.ForLabels(ctx, func(key, value string) bool {
			seen[key] = value
			return true
		})
	})

	assert.Equal(t, map[string]string{
		ProfilingLabelOperation: "populate",
		ProfilingLabelKind:      "system_dates",
	}, seen)
}

func TestWithProfilingLabels_EmptyRunsInline(t *testing.T) {
	ran := false
	WithProfilingLabels(context.Background(), nil, func(ctx context.Context) {
		ran = true
		_, ok := pprof.Label(ctx, ProfilingLabelRoute)
		assert.False(t, ok)
	})
	assert.True(t, ran)
}

func TestSanitizeLabels(t *testing.T) {
	long := strings.Repeat("x", MaxLabelValueLength+10)

	pairs := sanitizeLabels(map[string]string{
		"route":     "/api/v1/cache/day",
		"method":    "GET",
		"empty":     "",
		"trace_id":  "0af7651916cd43dd8448eb211c80319c",
		"big value": long,
	})

	assert.Equal(t, []string{
		"big_value", long[:MaxLabelValueLength],
		"method", "GET",
		"route", "/api/v1/cache/day",
	}, pairs)
}

func TestHTTPRequestLabels(t *testing.T) {
	labels := HTTPRequestLabels("/api/v1/cache/sysvar", "GET")
	assert.Equal(t, "/api/v1/cache/sysvar", labels[ProfilingLabelRoute])
	assert.Equal(t, "GET", labels[ProfilingLabelMethod])
}
