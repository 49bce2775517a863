// Package metrics holds the Prometheus instruments for chargewatch.
//
// All methods are safe on a nil *Metrics so components can run without a
// registry (tests, disabled ops server).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chargewatch"

type Metrics struct {
	Registry *prometheus.Registry

	pollCycles      prometheus.Counter
	pollDuration    prometheus.Histogram
	stationQueries  *prometheus.CounterVec
	stationLatency  prometheus.Histogram
	notifications   *prometheus.CounterVec
	commands        *prometheus.CounterVec
	subscriptions   *prometheus.GaugeVec
	watchedStations prometheus.Gauge
}

// New registers every instrument plus the Go and process collectors on a
// fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		pollCycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Completed poll cycles.",
		}),
		pollDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_cycle_duration_seconds",
			Help:      "Wall time of a poll cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		stationQueries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "station_queries_total",
			Help:      "Vendor slot queries by result.",
		}, []string{"result"}),
		stationLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "station_query_duration_seconds",
			Help:      "Vendor slot query latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Threshold notifications by delivery result.",
		}, []string{"result"}),
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Chat commands handled, by command and result.",
		}, []string{"command", "result"}),
		subscriptions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions",
			Help:      "Current subscriptions by state.",
		}, []string{"state"}),
		watchedStations: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watched_stations",
			Help:      "Distinct stations with at least one active subscription.",
		}),
	}
}

func (m *Metrics) ObservePollCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.pollCycles.Inc()
	m.pollDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveStationQuery(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.stationQueries.WithLabelValues(result(err)).Inc()
	m.stationLatency.Observe(d.Seconds())
}

func (m *Metrics) IncNotification(err error) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) IncCommand(command string, err error) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, result(err)).Inc()
}

func (m *Metrics) SetSubscriptions(active, fired, stations int) {
	if m == nil {
		return
	}
	m.subscriptions.WithLabelValues("active").Set(float64(active))
	m.subscriptions.WithLabelValues("fired").Set(float64(fired))
	m.watchedStations.Set(float64(stations))
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
