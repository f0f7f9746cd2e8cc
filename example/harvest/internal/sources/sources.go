package sources

import (
	"context"
	"fmt"

	"github.com/kroma-labs/harvest-go/apiclient"
	"github.com/kroma-labs/harvest-go/example/harvest/internal/config"
	"github.com/rs/zerolog"

	"go.opentelemetry.io/otel"
)

// hotMolecules are the documents the sweeps read most; the warmer fills
// their cache entries before the first sweep runs.
var hotMolecules = []string{"CHEM001", "CHEM002", "CHEM003"}

// Registry holds one resilient client per upstream source. Both point at
// the local demo catalog: the catalog client uses the default profile with
// fallbacks enabled, the archive client uses the bulk profile for batched
// property lookups.
type Registry struct {
	Catalog *apiclient.Client
	Archive *apiclient.Client
}

// New builds the example's source clients with shared logging and
// telemetry providers.
func New(logger zerolog.Logger) (*Registry, error) {
	catalogCfg := apiclient.DefaultSourceConfig("catalog", config.CatalogURL)
	catalogCfg.FallbackEnabled = true
	catalogCfg.FallbackStrategies = []apiclient.FallbackStrategy{
		apiclient.FallbackNetwork,
		apiclient.FallbackTimeout,
		apiclient.FallbackServerError,
	}

	archiveCfg := apiclient.BulkSourceConfig("archive", config.CatalogURL)
	archiveCfg.BatchSize = 3

	opts := []apiclient.Option{
		apiclient.WithLogger(logger),
		apiclient.WithTracerProvider(otel.GetTracerProvider()),
		apiclient.WithMeterProvider(otel.GetMeterProvider()),
	}

	catalog, err := apiclient.New(catalogCfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("catalog client: %w", err)
	}
	archive, err := apiclient.New(archiveCfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive client: %w", err)
	}
	return &Registry{Catalog: catalog, Archive: archive}, nil
}

// Clients lists every client, for metrics registration.
func (r *Registry) Clients() []*apiclient.Client {
	return []*apiclient.Client{r.Catalog, r.Archive}
}

// Close releases pooled connections.
func (r *Registry) Close() {
	for _, c := range r.Clients() {
		c.CloseIdleConnections()
	}
}

// WarmCatalog pre-fetches the hot molecule documents so the first sweep
// lands on a warm cache.
func (r *Registry) WarmCatalog(ctx context.Context) (int, error) {
	targets := make([]apiclient.WarmTarget, 0, len(hotMolecules))
	for _, id := range hotMolecules {
		targets = append(targets, apiclient.WarmTarget{Endpoint: "/molecules/" + id})
	}
	return apiclient.NewWarmer(r.Catalog, config.WarmPerSecond).Warm(ctx, targets)
}

// FetchMolecule reads one molecule document, typically served from the
// warmed cache.
func (r *Registry) FetchMolecule(ctx context.Context, id string) (any, error) {
	return r.Catalog.Get(ctx, "/molecules/"+id, nil)
}

// SweepMolecules walks the whole catalog with offset pagination and
// returns the number of records seen.
func (r *Registry) SweepMolecules(ctx context.Context) (int, error) {
	pager, err := r.Catalog.Paginate(ctx, "/molecules", apiclient.PageConfig{
		Strategy: apiclient.StrategyOffset,
		PageSize: 4,
	})
	if err != nil {
		return 0, err
	}
	return drain(pager)
}

// TailChanges follows the change feed cursor to its end.
func (r *Registry) TailChanges(ctx context.Context) (int, error) {
	pager, err := r.Catalog.Paginate(ctx, "/changes", apiclient.PageConfig{
		Strategy: apiclient.StrategyCursor,
	})
	if err != nil {
		return 0, err
	}
	return drain(pager)
}

// LookupProperties fetches molecule properties in identifier batches
// through the archive client.
func (r *Registry) LookupProperties(ctx context.Context, ids []string) (int, error) {
	pager, err := r.Archive.Paginate(ctx, "/properties", apiclient.PageConfig{
		Strategy: apiclient.StrategyBatchIDs,
		IDs:      ids,
	})
	if err != nil {
		return 0, err
	}
	return drain(pager)
}

// RotateRelease re-keys both caches under a new upstream release marker.
func (r *Registry) RotateRelease(marker string) {
	for _, c := range r.Clients() {
		c.SetRelease(marker)
	}
}

// ClearCaches drops every cached response across the registry.
func (r *Registry) ClearCaches(ctx context.Context) (int, error) {
	total := 0
	for _, c := range r.Clients() {
		n, err := c.ClearCache(ctx)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Stats snapshots every client's counters.
func (r *Registry) Stats() []apiclient.Stats {
	clients := r.Clients()
	stats := make([]apiclient.Stats, 0, len(clients))
	for _, c := range clients {
		stats = append(stats, c.Stats())
	}
	return stats
}

func drain(pager *apiclient.Pager) (int, error) {
	count := 0
	for pager.Next() {
		count += len(pager.Page().Items)
	}
	return count, pager.Err()
}
