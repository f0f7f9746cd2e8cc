package apiclient

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := newMetrics(provider.Meter("test"))
	require.NoError(t, err)
	return m, reader
}

func collectMetric(t *testing.T, reader *sdkmetric.ManualReader, name string) metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name == name {
				return m
			}
		}
	}
	t.Fatalf("metric %q not collected", name)
	return metricdata.Metrics{}
}

func TestMetrics_RecordsCounters(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.recordRequest(ctx, "chembl", http.MethodGet, 200)
	m.recordRequest(ctx, "chembl", http.MethodGet, 200)
	m.recordCacheHit(ctx, "chembl")
	m.recordPage(ctx, "chembl", "cursor")

	requests := collectMetric(t, reader, "apiclient.requests")
	sum, ok := requests.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	dp := sum.DataPoints[0]
	assert.Equal(t, int64(2), dp.Value)

	source, found := dp.Attributes.Value(attribute.Key("source"))
	require.True(t, found)
	assert.Equal(t, "chembl", source.AsString())

	hits := collectMetric(t, reader, "apiclient.cache.hits")
	hitsSum := hits.Data.(metricdata.Sum[int64])
	assert.Equal(t, int64(1), hitsSum.DataPoints[0].Value)

	pages := collectMetric(t, reader, "apiclient.pages")
	pagesSum := pages.Data.(metricdata.Sum[int64])
	strategy, found := pagesSum.DataPoints[0].Attributes.Value(attribute.Key("page.strategy"))
	require.True(t, found)
	assert.Equal(t, "cursor", strategy.AsString())
}

func TestMetrics_RecordsDurations(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	m.recordRequestDuration(context.Background(), "chembl", 250*time.Millisecond)

	duration := collectMetric(t, reader, "apiclient.request.duration")
	hist, ok := duration.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
	assert.InDelta(t, 0.25, hist.DataPoints[0].Sum, 0.001)
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	var m *metrics

	m.recordRequest(ctx, "src", http.MethodGet, 200)
	m.recordRequestDuration(ctx, "src", time.Second)
	m.recordResponseSize(ctx, "src", 100)
	m.recordRateLimitWait(ctx, "src", time.Second)
	m.recordBreakerState(ctx, "src", 0)
	m.recordBreakerRejection(ctx, "src")
	m.recordRetry(ctx, "src", 1)
	m.recordRetryExhausted(ctx, "src")
	m.recordFallback(ctx, "src", "network")
	m.recordCacheHit(ctx, "src")
	m.recordCacheMiss(ctx, "src")
	m.recordPage(ctx, "src", "page")
	m.recordPartialFailure(ctx, "src")

	// Zero-value instruments are equally inert.
	empty := &metrics{}
	empty.recordRequest(ctx, "src", http.MethodGet, 200)
	empty.recordPage(ctx, "src", "page")
}

func TestClient_RecordsMetricsThroughProvider(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	mock := NewMockTransport()
	mock.StubPath("/widgets", http.StatusOK, `{"ok":true}`)

	client, err := New(newTestConfig(), WithMockTransport(mock), WithMeterProvider(provider))
	require.NoError(t, err)

	_, err = client.Get(context.Background(), "/widgets", nil)
	require.NoError(t, err)

	requests := collectMetric(t, reader, "apiclient.requests")
	sum := requests.Data.(metricdata.Sum[int64])
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(1), sum.DataPoints[0].Value)

	status, found := sum.DataPoints[0].Attributes.Value(attribute.Key("http.status"))
	require.True(t, found)
	assert.Equal(t, int64(200), status.AsInt64())
}
