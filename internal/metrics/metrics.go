// Package metrics exposes optional Prometheus counters and gauges for the
// tracker. A nil *Metrics is valid and every method on it is a no-op, so
// callers can wire it through unconditionally and pay zero overhead when
// metrics are disabled.
package metrics

import (
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openunix/nfsdcld/internal/epoch"
	"github.com/openunix/nfsdcld/internal/logger"
)

// Metrics holds the tracker's Prometheus instrumentation.
type Metrics struct {
	inserts       prometheus.Counter
	removes       prometheus.Counter
	checksAllowed prometheus.Counter
	checksDenied  prometheus.Counter
	graceStarts   prometheus.Counter
	graceDones    prometheus.Counter
	currentEpoch  prometheus.Gauge
	recoveryEpoch prometheus.Gauge
}

// New registers the tracker's metrics against reg and returns a handle.
// Pass a nil Metrics around (rather than calling New) when metrics are
// disabled; every method below tolerates a nil receiver.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		inserts: f.NewCounter(prometheus.CounterOpts{
			Name: "nfsdcld_client_inserts_total",
			Help: "Total number of client identities recorded into the current epoch.",
		}),
		removes: f.NewCounter(prometheus.CounterOpts{
			Name: "nfsdcld_client_removes_total",
			Help: "Total number of client identities removed from the current epoch.",
		}),
		checksAllowed: f.NewCounter(prometheus.CounterOpts{
			Name: "nfsdcld_client_checks_allowed_total",
			Help: "Total number of reclaim checks that were allowed.",
		}),
		checksDenied: f.NewCounter(prometheus.CounterOpts{
			Name: "nfsdcld_client_checks_denied_total",
			Help: "Total number of reclaim checks that were denied.",
		}),
		graceStarts: f.NewCounter(prometheus.CounterOpts{
			Name: "nfsdcld_grace_starts_total",
			Help: "Total number of grace_start invocations.",
		}),
		graceDones: f.NewCounter(prometheus.CounterOpts{
			Name: "nfsdcld_grace_dones_total",
			Help: "Total number of grace_done invocations.",
		}),
		currentEpoch: f.NewGauge(prometheus.GaugeOpts{
			Name: "nfsdcld_current_epoch",
			Help: "The epoch new client identities are currently recorded into.",
		}),
		recoveryEpoch: f.NewGauge(prometheus.GaugeOpts{
			Name: "nfsdcld_recovery_epoch",
			Help: "The epoch clients may currently reclaim from, or 0 if no grace period is active.",
		}),
	}
}

// IsEnabled reports whether m is a usable, non-nil instance.
func (m *Metrics) IsEnabled() bool { return m != nil }

func (m *Metrics) RecordInsert() {
	if m == nil {
		return
	}
	m.inserts.Inc()
}

func (m *Metrics) RecordRemove() {
	if m == nil {
		return
	}
	m.removes.Inc()
}

func (m *Metrics) RecordCheck(allowed bool) {
	if m == nil {
		return
	}
	if allowed {
		m.checksAllowed.Inc()
	} else {
		m.checksDenied.Inc()
	}
}

func (m *Metrics) RecordGraceStart() {
	if m == nil {
		return
	}
	m.graceStarts.Inc()
}

func (m *Metrics) RecordGraceDone() {
	if m == nil {
		return
	}
	m.graceDones.Inc()
}

// SetEpochs updates the epoch gauges to reflect state.
func (m *Metrics) SetEpochs(state epoch.State) {
	if m == nil {
		return
	}
	m.currentEpoch.Set(float64(state.Current))
	m.recoveryEpoch.Set(float64(state.Recovery))
}

// Serve starts a background HTTP server exposing reg's metrics at addr on
// "/metrics", returning once the listener is bound so callers can report a
// setup failure instead of discovering it asynchronously.
func Serve(addr string, reg *prometheus.Registry) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
	return srv, nil
}
