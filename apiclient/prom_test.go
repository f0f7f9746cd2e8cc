package apiclient

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsCollector_ExposesCounters(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	mock.StubPath("/widgets", http.StatusOK, `{"ok":true}`)
	client := newTestClient(t, newTestConfig(), mock)

	for i := 0; i < 3; i++ {
		_, err := client.Get(context.Background(), "/widgets", nil)
		require.NoError(t, err)
	}

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewStatsCollector(client)))

	expected := `# HELP harvest_apiclient_requests_total HTTP attempts completed, all statuses.
# TYPE harvest_apiclient_requests_total counter
harvest_apiclient_requests_total{source="testsource"} 3
# HELP harvest_apiclient_breaker_state Breaker state: 0 closed, 1 half-open, 2 open.
# TYPE harvest_apiclient_breaker_state gauge
harvest_apiclient_breaker_state{source="testsource"} 0
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"harvest_apiclient_requests_total",
		"harvest_apiclient_breaker_state",
	))
}

func TestStatsCollector_MultipleClients(t *testing.T) {
	t.Parallel()

	mockA := NewMockTransport().StubResponse(http.StatusOK, `{}`)
	mockB := NewMockTransport().StubResponse(http.StatusOK, `{}`)

	cfgA := newTestConfig()
	cfgA.Name = "alpha"
	cfgB := newTestConfig()
	cfgB.Name = "beta"

	clientA := newTestClient(t, cfgA, mockA)
	clientB := newTestClient(t, cfgB, mockB)

	_, err := clientA.Get(context.Background(), "/x", nil)
	require.NoError(t, err)

	collector := NewStatsCollector(clientA)
	collector.Add(clientB)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(collector))

	expected := `# HELP harvest_apiclient_requests_total HTTP attempts completed, all statuses.
# TYPE harvest_apiclient_requests_total counter
harvest_apiclient_requests_total{source="alpha"} 1
harvest_apiclient_requests_total{source="beta"} 0
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"harvest_apiclient_requests_total",
	))
}

func TestStatsCollector_CollectCount(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, newTestConfig(), NewMockTransport())
	collector := NewStatsCollector(client)

	// 9 counters plus 2 gauges per client.
	assert.Equal(t, 11, testutil.CollectAndCount(collector))
}

func TestBreakerStateValue(t *testing.T) {
	t.Parallel()

	assert.Equal(t, float64(0), breakerStateValue("closed"))
	assert.Equal(t, float64(1), breakerStateValue("half-open"))
	assert.Equal(t, float64(2), breakerStateValue("open"))
	assert.Equal(t, float64(0), breakerStateValue("anything else"))
}
