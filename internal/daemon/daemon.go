// Package daemon wires together the tracker's components: it opens the
// store, builds the epoch manager, opens the upcall transport, and runs
// the dispatcher until shutdown.
package daemon

import (
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/openunix/nfsdcld/internal/dispatcher"
	"github.com/openunix/nfsdcld/internal/epoch"
	"github.com/openunix/nfsdcld/internal/logger"
	"github.com/openunix/nfsdcld/internal/metrics"
	"github.com/openunix/nfsdcld/internal/store"
	"github.com/openunix/nfsdcld/internal/telemetry"
	"github.com/openunix/nfsdcld/internal/upcall"
	"github.com/openunix/nfsdcld/internal/watch"
)

// DefaultTopDir is where the recovery database lives, matching the
// directory the real nfsdcld has always used.
const DefaultTopDir = "/var/lib/nfs/cld"

// Options configures a single run of the daemon.
type Options struct {
	Foreground  bool
	DebugKind   string
	TopDir      string
	ChannelPath string
	MetricsAddr string
	OTELConfig  telemetry.Config
}

// Run opens the store and transport, drives the dispatcher to completion,
// and releases every resource it opened. A non-nil error distinguishes
// setup failures (open/migrate/transport) from dispatch failures; callers
// map both to exit code 1 per SPEC_FULL.md §6.
func Run(ctx context.Context, opts Options) error {
	if opts.DebugKind != "" {
		logger.SetLevel("DEBUG")
		logger.Info("debug logging enabled", "kind", opts.DebugKind)
	}

	if !opts.Foreground {
		logger.Debug("daemonization is managed externally; running in foreground")
	}

	shutdownTracing, err := telemetry.Init(ctx, opts.OTELConfig)
	if err != nil {
		return fmt.Errorf("daemon: init telemetry: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	var m *metrics.Metrics
	if opts.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		m = metrics.New(reg)
		srv, err := metrics.Serve(opts.MetricsAddr, reg)
		if err != nil {
			return fmt.Errorf("daemon: start metrics server: %w", err)
		}
		defer func() { _ = srv.Close() }()
	}

	st, initial, err := store.Open(ctx, opts.TopDir)
	if err != nil {
		return fmt.Errorf("daemon: open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}()

	m.SetEpochs(initial)
	mgr := epoch.NewManager(st, initial)

	transport, err := upcall.Open(opts.ChannelPath)
	if err != nil {
		return fmt.Errorf("daemon: open upcall channel: %w", err)
	}
	defer func() {
		if err := transport.Close(); err != nil {
			logger.Error("failed to close upcall channel", "error", err)
		}
	}()

	var watchEvents <-chan fsnotify.Event
	w, err := watch.New(opts.TopDir)
	if err != nil {
		logger.Warn("could not start database directory watcher, continuing without it", "error", err)
	} else {
		defer w.Close()
		watchEvents = w.Events()
	}

	d := dispatcher.New(st, mgr, transport, m, watchEvents)

	logger.Info("tracker starting", "top_dir", opts.TopDir, "channel", opts.ChannelPath,
		"current_epoch", uint64(initial.Current), "recovery_epoch", uint64(initial.Recovery))

	return d.Run(ctx)
}
