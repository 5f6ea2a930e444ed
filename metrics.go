package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "synqbox"

// Telemetry mirrors the simulated device and the HTTP surface into a
// Prometheus registry.
type Telemetry struct {
	registry *prometheus.Registry

	syncLevel       prometheus.Gauge
	syncSpeed       prometheus.Gauge
	networkStrength prometheus.Gauge
	online          prometheus.Gauge
	syncing         prometheus.Gauge
	lastSyncMinutes prometheus.Gauge

	snapshotsPublished prometheus.Counter
	syncEvents         *prometheus.CounterVec

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func newTelemetry() *Telemetry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{Namespace: metricsNamespace, Name: name, Help: help})
	}

	return &Telemetry{
		registry:        reg,
		syncLevel:       gauge("sync_level_percent", "Current simulated sync level"),
		syncSpeed:       gauge("sync_speed_mbps", "Current simulated sync speed in MB/s"),
		networkStrength: gauge("network_strength_dbm", "Current simulated network strength"),
		online:          gauge("online", "1 when the device reports online"),
		syncing:         gauge("syncing", "1 while the device reports syncing"),
		lastSyncMinutes: gauge("last_sync_minutes", "Minutes since the last completed sync"),

		snapshotsPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "snapshots_published_total",
			Help:      "Total number of published device snapshots",
		}),
		syncEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sync_events_total",
			Help:      "Sync lifecycle events by phase",
		}, []string{"phase"}),

		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

func (t *Telemetry) Observe(sim *Simulator) {
	t.record(sim.Snapshot())
	sim.Subscribe(func(m DeviceMetrics) {
		t.record(m)
		t.snapshotsPublished.Inc()
	})
	sim.SubscribeSync(func(ev SyncEvent) {
		t.syncEvents.WithLabelValues(string(ev.Phase)).Inc()
	})
}

func (t *Telemetry) record(m DeviceMetrics) {
	t.syncLevel.Set(m.SyncLevel)
	t.syncSpeed.Set(m.SyncSpeedMBps)
	t.networkStrength.Set(float64(m.NetworkStrengthDbm))
	t.online.Set(boolGauge(m.Online))
	t.syncing.Set(boolGauge(m.Syncing))
	t.lastSyncMinutes.Set(float64(m.LastSyncMinutes))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument counts and times requests under a fixed endpoint label.
func (t *Telemetry) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		t.requestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
		t.requestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	}
}
