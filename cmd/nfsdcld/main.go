package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/openunix/nfsdcld/internal/daemon"
	"github.com/openunix/nfsdcld/internal/dispatcher"
	"github.com/openunix/nfsdcld/internal/logger"
	"github.com/openunix/nfsdcld/internal/telemetry"
	"github.com/openunix/nfsdcld/internal/upcall"
)

// Build-time variables injected via ldflags.
var (
	version = "dev"
	commit  = "none"
)

const usage = `nfsdcld - NFSv4 client recovery tracker daemon

Usage:
  nfsdcld [options]

Options:
  -f, --foreground     run in the foreground (the daemon never detaches itself, with or without this flag)
  -d, --debug KIND      enable debug logging (KIND is informational, e.g. "all")
      --version         show version information
  -h, --help            show this help text

Environment Variables:
  CLD_TOPDIR            recovery database directory (default %s)
  CLD_CHANNEL            upcall channel path (default %s)
  CLD_METRICS_ADDR       bind address for the Prometheus /metrics endpoint (unset disables it)
  CLD_OTEL_ENDPOINT      OTLP gRPC endpoint; presence enables tracing
  CLD_OTEL_INSECURE      "1" to disable TLS on the OTLP connection (default "1")
`

func main() {
	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet("nfsdcld", pflag.ContinueOnError)
	foreground := flags.BoolP("foreground", "f", false, "run in the foreground")
	debugKind := flags.StringP("debug", "d", "", "enable debug logging")
	showVersion := flags.Bool("version", false, "show version information")
	help := flags.BoolP("help", "h", false, "show this help text")

	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if *help {
		fmt.Printf(usage, daemon.DefaultTopDir, upcall.DefaultChannelPath)
		return 0
	}
	if *showVersion {
		fmt.Printf("nfsdcld %s (commit: %s)\n", version, commit)
		return 0
	}

	opts := daemon.Options{
		Foreground:  *foreground,
		DebugKind:   *debugKind,
		TopDir:      envOr("CLD_TOPDIR", daemon.DefaultTopDir),
		ChannelPath: envOr("CLD_CHANNEL", upcall.DefaultChannelPath),
		MetricsAddr: os.Getenv("CLD_METRICS_ADDR"),
		OTELConfig:  otelConfigFromEnv(),
	}

	ctx, stop := dispatcher.InstallSignalHandlers(context.Background())
	defer stop()

	if err := daemon.Run(ctx, opts); err != nil {
		logger.Error("nfsdcld exited with error", "error", err)
		return 1
	}
	return 0
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func otelConfigFromEnv() telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	if endpoint := os.Getenv("CLD_OTEL_ENDPOINT"); endpoint != "" {
		cfg.Enabled = true
		cfg.Endpoint = endpoint
	}
	if v := os.Getenv("CLD_OTEL_INSECURE"); v != "" {
		cfg.Insecure = v == "1"
	}
	return cfg
}
