package config

const (
	// Demo upstream configuration
	UpstreamAddr = ":8089"
	CatalogURL   = "http://localhost:8089/api"

	// Server configuration
	MetricsPort = ":2112"

	// OpenTelemetry configuration
	OTLPEndpoint   = "localhost:4317"
	ServiceName    = "harvest-example"
	ServiceVersion = "0.1.0"

	// Sweep configuration
	SweepInterval    = 10 // seconds
	SweepsPerRelease = 5  // rotate the release marker every N sweeps
	WarmPerSecond    = 4  // warmer pace, fetches per second
)
