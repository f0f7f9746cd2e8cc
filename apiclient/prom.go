package apiclient

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	promNamespace = "harvest"
	promSubsystem = "apiclient"
)

// StatsCollector bridges client Stats snapshots to Prometheus. It reads a
// fresh snapshot from every registered client on each scrape, so the
// clients never touch a registry themselves.
//
// Example:
//
//	collector := apiclient.NewStatsCollector(chembl, pubchem)
//	prometheus.MustRegister(collector)
type StatsCollector struct {
	mu      sync.RWMutex
	clients []*Client

	requests          *prometheus.Desc
	retries           *prometheus.Desc
	retriesExhausted  *prometheus.Desc
	rateLimited       *prometheus.Desc
	breakerRejections *prometheus.Desc
	cacheHits         *prometheus.Desc
	cacheMisses       *prometheus.Desc
	fallbacks         *prometheus.Desc
	partialFailures   *prometheus.Desc
	breakerState      *prometheus.Desc
	tokensAvailable   *prometheus.Desc
}

var _ prometheus.Collector = (*StatsCollector)(nil)

func promDesc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc(
		prometheus.BuildFQName(promNamespace, promSubsystem, name),
		help,
		[]string{"source"},
		nil,
	)
}

// NewStatsCollector builds a collector over the given clients. More can
// join later through Add.
func NewStatsCollector(clients ...*Client) *StatsCollector {
	return &StatsCollector{
		clients:           clients,
		requests:          promDesc("requests_total", "HTTP attempts completed, all statuses."),
		retries:           promDesc("retries_total", "Attempts beyond a request's first."),
		retriesExhausted:  promDesc("retries_exhausted_total", "Requests that consumed every attempt."),
		rateLimited:       promDesc("rate_limited_total", "429 responses received."),
		breakerRejections: promDesc("breaker_rejections_total", "Calls refused while the breaker was open."),
		cacheHits:         promDesc("cache_hits_total", "Cacheable lookups served from the cache."),
		cacheMisses:       promDesc("cache_misses_total", "Cacheable lookups that went to the network."),
		fallbacks:         promDesc("fallbacks_total", "Degraded responses served in place of errors."),
		partialFailures:   promDesc("partial_failures_total", "Short pages queued for re-fetch."),
		breakerState:      promDesc("breaker_state", "Breaker state: 0 closed, 1 half-open, 2 open."),
		tokensAvailable:   promDesc("rate_limit_tokens", "Rate-limit tokens currently available."),
	}
}

// Add registers another client with the collector.
func (sc *StatsCollector) Add(c *Client) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.clients = append(sc.clients, c)
}

// Describe implements prometheus.Collector.
func (sc *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- sc.requests
	ch <- sc.retries
	ch <- sc.retriesExhausted
	ch <- sc.rateLimited
	ch <- sc.breakerRejections
	ch <- sc.cacheHits
	ch <- sc.cacheMisses
	ch <- sc.fallbacks
	ch <- sc.partialFailures
	ch <- sc.breakerState
	ch <- sc.tokensAvailable
}

// Collect implements prometheus.Collector.
func (sc *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	sc.mu.RLock()
	clients := make([]*Client, len(sc.clients))
	copy(clients, sc.clients)
	sc.mu.RUnlock()

	for _, c := range clients {
		s := c.Stats()

		counter := func(desc *prometheus.Desc, v uint64) {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), s.Source)
		}
		counter(sc.requests, s.Requests)
		counter(sc.retries, s.Retries)
		counter(sc.retriesExhausted, s.RetriesExhausted)
		counter(sc.rateLimited, s.RateLimited)
		counter(sc.breakerRejections, s.BreakerRejections)
		counter(sc.cacheHits, s.CacheHits)
		counter(sc.cacheMisses, s.CacheMisses)
		counter(sc.fallbacks, s.Fallbacks)
		counter(sc.partialFailures, s.PartialFailures)

		ch <- prometheus.MustNewConstMetric(
			sc.breakerState, prometheus.GaugeValue, breakerStateValue(s.BreakerState), s.Source)
		ch <- prometheus.MustNewConstMetric(
			sc.tokensAvailable, prometheus.GaugeValue, float64(s.TokensAvailable), s.Source)
	}
}

func breakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half-open":
		return 1
	default:
		return 0
	}
}
