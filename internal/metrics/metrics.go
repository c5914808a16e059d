package metrics

/*
rxtls — fast tool in Go for working with Certificate Transparency logs
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	registry           = prometheus.NewRegistry()
	defaultRegisterer  = promauto.With(registry)
	metricsInitialized sync.Once
	metricsEnabled     atomic.Bool
	metricsServer      *http.Server
)

// Metrics contains all the Prometheus metrics for the application
type Metrics struct {
	AttemptsTotal       *prometheus.CounterVec
	AttemptDuration     *prometheus.HistogramVec
	FailoversTotal      *prometheus.CounterVec
	RecordsFetchedTotal *prometheus.CounterVec
	HostnamesDiscovered prometheus.Gauge
}

// Global instance of metrics
var globalMetrics *Metrics
var metricsOnce sync.Once

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = newMetrics()
	})
	return globalMetrics
}

// EnableMetrics enables metrics collection
func EnableMetrics() {
	metricsEnabled.Store(true)
}

// IsMetricsEnabled returns whether metrics collection is enabled
func IsMetricsEnabled() bool {
	return metricsEnabled.Load()
}

// Registry exposes the private registry, mainly for tests and textfile export.
func Registry() *prometheus.Registry {
	return registry
}

// newMetrics creates and registers all metrics
func newMetrics() *Metrics {
	// crt.sh answers anywhere between a second and several minutes.
	buckets := []float64{.25, .5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300}

	return &Metrics{
		AttemptsTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crtrecon_attempts_total",
				Help: "Total number of query attempts by backend and outcome",
			},
			[]string{"backend", "outcome"},
		),
		AttemptDuration: defaultRegisterer.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crtrecon_attempt_duration_seconds",
				Help:    "Wall-clock time of a single isolated query attempt",
				Buckets: buckets,
			},
			[]string{"backend"},
		),
		FailoversTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crtrecon_failovers_total",
				Help: "Number of backend failovers",
			},
			[]string{"from", "to"},
		),
		RecordsFetchedTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crtrecon_records_fetched_total",
				Help: "Certificate records returned by successful attempts",
			},
			[]string{"backend"},
		),
		HostnamesDiscovered: defaultRegisterer.NewGauge(
			prometheus.GaugeOpts{
				Name: "crtrecon_hostnames_discovered",
				Help: "Unique hostnames in the last result set",
			},
		),
	}
}

// StartMetricsServer starts an HTTP server to expose Prometheus metrics
func StartMetricsServer(addr string) error {
	if !IsMetricsEnabled() {
		return nil
	}

	metricsInitialized.Do(func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

		metricsServer = &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			log.Debug().Str("addr", addr).Msg("starting metrics server")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server error")
			}
		}()
	})
	return nil
}

// ShutdownMetricsServer gracefully shuts down the metrics server
func ShutdownMetricsServer(ctx context.Context) error {
	if metricsServer != nil {
		return metricsServer.Shutdown(ctx)
	}
	return nil
}

// WriteTextfile writes the current metric values in the text exposition
// format, for node_exporter's textfile collector.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, registry)
}

// MeasureDuration is a helper to measure the duration of a function
func MeasureDuration(histogram *prometheus.HistogramVec, labels prometheus.Labels) func() {
	if !IsMetricsEnabled() {
		return func() {}
	}

	start := time.Now()
	return func() {
		histogram.With(labels).Observe(time.Since(start).Seconds())
	}
}

// RecordAttempt counts one finished attempt.
func (m *Metrics) RecordAttempt(backend, outcome string) {
	if !IsMetricsEnabled() {
		return
	}
	m.AttemptsTotal.WithLabelValues(backend, outcome).Inc()
}

// RecordFailover counts a switch between backends.
func (m *Metrics) RecordFailover(from, to string) {
	if !IsMetricsEnabled() {
		return
	}
	m.FailoversTotal.WithLabelValues(from, to).Inc()
}

// RecordResults tracks what a successful run produced.
func (m *Metrics) RecordResults(backend string, records, hostnames int) {
	if !IsMetricsEnabled() {
		return
	}
	m.RecordsFetchedTotal.WithLabelValues(backend).Add(float64(records))
	m.HostnamesDiscovered.Set(float64(hostnames))
}
