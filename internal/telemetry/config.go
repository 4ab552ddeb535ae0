package telemetry

// Config holds OpenTelemetry tracing configuration for the tracker.
type Config struct {
	// Enabled indicates whether tracing is enabled at all.
	Enabled bool

	// ServiceName is reported to the trace backend.
	ServiceName string

	// ServiceVersion is reported to the trace backend.
	ServiceVersion string

	// Endpoint is the OTLP gRPC endpoint (e.g. "localhost:4317").
	Endpoint string

	// Insecure disables TLS on the OTLP connection.
	Insecure bool

	// SampleRate is the trace sampling rate, 0.0 to 1.0.
	SampleRate float64
}

// DefaultConfig returns tracing disabled by default: the tracker has no
// mandate to phone home unless an operator opts in via CLD_OTEL_ENDPOINT.
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		ServiceName:    "nfsdcld",
		ServiceVersion: "dev",
		Endpoint:       "localhost:4317",
		Insecure:       true,
		SampleRate:     1.0,
	}
}
