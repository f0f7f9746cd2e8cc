package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kroma-labs/harvest-go/apiclient"
	"github.com/kroma-labs/harvest-go/example/harvest/internal/config"
	"github.com/kroma-labs/harvest-go/example/harvest/internal/sources"
	"github.com/kroma-labs/harvest-go/example/harvest/internal/telemetry"
	"github.com/kroma-labs/harvest-go/example/harvest/internal/upstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"go.opentelemetry.io/otel"
)

func main() {
	ctx := context.Background()

	// 1. Setup OpenTelemetry (Tracing + Metrics)
	tp, mp, err := telemetry.Setup(ctx)
	if err != nil {
		log.Fatalf("Failed to setup OTel: %v", err)
	}
	defer func() {
		tp.Shutdown(ctx)
		mp.Shutdown(ctx)
	}()

	// 2. Start Prometheus Metrics Server
	metricsServer := &http.Server{Addr: config.MetricsPort}
	go func() {
		log.Printf("Starting Prometheus metrics server on %s", config.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Metrics server failed: %v", err)
		}
	}()

	// 3. Start the demo catalog this example harvests from
	up := upstream.Start(config.UpstreamAddr)
	defer up.Close()

	// 4. Build the source clients
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	reg, err := sources.New(logger)
	if err != nil {
		log.Fatalf("Failed to build clients: %v", err)
	}
	defer reg.Close()

	// Expose per-source counters next to the OTel metrics
	prometheus.MustRegister(apiclient.NewStatsCollector(reg.Clients()...))

	// 5. Warm the hot endpoints before the first sweep
	if n, err := reg.WarmCatalog(ctx); err != nil {
		log.Printf("Failed to warm catalog: %v", err)
	} else {
		log.Printf("🔥 Warmed %d catalog endpoints", n)
	}

	// 6. Run harvest sweeps in a loop
	// This generates continuous metrics for demonstration

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(time.Duration(config.SweepInterval) * time.Second)
	defer ticker.Stop()

	fmt.Println("✅ Harvest example app started!")
	fmt.Println("📊 Prometheus metrics: http://localhost:2112/metrics")
	fmt.Println("🧪 Demo catalog API: http://localhost:8089/api/molecules")
	fmt.Println("Press Ctrl+C to stop...")

	sweep := 0
	for {
		select {
		case <-ticker.C:
			sweep++
			runSweep(ctx, reg, sweep)

		case <-sigChan:
			fmt.Println("\n🛑 Shutting down gracefully...")
			if n, err := reg.ClearCaches(ctx); err != nil {
				log.Printf("Cache clear error: %v", err)
			} else {
				log.Printf("🧹 Cleared %d cached entries", n)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(ctx); err != nil {
				log.Printf("Metrics server shutdown error: %v", err)
			}
			return
		}
	}
}

// runSweep performs one full harvest pass: a release rotation when due,
// the paginated sweeps, a warmed single-document read, and a stats line
// per source.
func runSweep(ctx context.Context, reg *sources.Registry, sweep int) {
	ctx, span := otel.Tracer("harvest-example").Start(ctx, "harvest-sweep")
	defer span.End()

	// Rotate the release marker now and then so cache keys roll over the
	// way they would on a real upstream data release
	if sweep%config.SweepsPerRelease == 0 {
		marker := fmt.Sprintf("release-%d", sweep/config.SweepsPerRelease)
		reg.RotateRelease(marker)
		log.Printf("🔁 Rotated release marker to %s", marker)
	}

	if n, err := reg.SweepMolecules(ctx); err != nil {
		log.Printf("Failed molecule sweep: %v", err)
	} else {
		log.Printf("✓ Swept %d molecules via offset pages", n)
	}

	if n, err := reg.TailChanges(ctx); err != nil {
		log.Printf("Failed change tail: %v", err)
	} else {
		log.Printf("✓ Tailed %d change records via cursor", n)
	}

	ids := []string{"CHEM001", "CHEM002", "CHEM003", "CHEM004", "CHEM005"}
	if n, err := reg.LookupProperties(ctx, ids); err != nil {
		log.Printf("Failed property lookup: %v", err)
	} else {
		log.Printf("✓ Looked up %d property records via id batches", n)
	}

	if doc, err := reg.FetchMolecule(ctx, "CHEM001"); err != nil {
		log.Printf("Failed to fetch molecule: %v", err)
	} else if m, ok := doc.(map[string]any); ok {
		log.Printf("📖 Fetched %v (%v g/mol)", m["name"], m["weight"])
	}

	for _, st := range reg.Stats() {
		log.Printf("📈 %s: requests=%d retries=%d rate_limited=%d cache=%d/%d partials=%d fallbacks=%d breaker=%s tokens=%d",
			st.Source, st.Requests, st.Retries, st.RateLimited,
			st.CacheHits, st.CacheMisses, st.PartialFailures, st.Fallbacks,
			st.BreakerState, st.TokensAvailable)
	}
}
