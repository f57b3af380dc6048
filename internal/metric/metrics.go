// Package metric defines the Prometheus collectors for the drone gateway.
// A nil *Metrics disables instrumentation, so components can be built
// without a registry in tests.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all gateway-level collectors.
type Metrics struct {
	ReadingsIngested  *prometheus.CounterVec
	MalformedMessages prometheus.Counter
	AnomaliesDetected *prometheus.CounterVec
	ActiveLinks       prometheus.Gauge
	BatteryLevel      prometheus.Gauge
	ReturnToBase      prometheus.Gauge
	UplinkConnected   prometheus.Gauge
	UplinkReconnects  prometheus.Counter
	SummariesSent     *prometheus.CounterVec
	SummaryFailures   prometheus.Counter

	registry *prometheus.Registry
}

// New creates the collector set and registers it on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		ReadingsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "skymesh",
				Subsystem: "sensornet",
				Name:      "readings_ingested_total",
				Help:      "Total sensor readings accepted into rolling windows",
			},
			[]string{"metric"},
		),
		MalformedMessages: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "skymesh",
				Subsystem: "sensornet",
				Name:      "malformed_messages_total",
				Help:      "Total frames dropped because they failed to decode",
			},
		),
		AnomaliesDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "skymesh",
				Subsystem: "aggregate",
				Name:      "anomalies_total",
				Help:      "Total readings flagged as out of range",
			},
			[]string{"metric"},
		),
		ActiveLinks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "skymesh",
				Subsystem: "sensornet",
				Name:      "active_links",
				Help:      "Number of currently connected sensor links",
			},
		),
		BatteryLevel: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "skymesh",
				Subsystem: "battery",
				Name:      "level_percent",
				Help:      "Current battery level",
			},
		),
		ReturnToBase: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "skymesh",
				Subsystem: "battery",
				Name:      "return_to_base",
				Help:      "1 while the drone is in RETURN_TO_BASE mode",
			},
		),
		UplinkConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "skymesh",
				Subsystem: "uplink",
				Name:      "connected",
				Help:      "1 while the uplink session to central is established",
			},
		),
		UplinkReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "skymesh",
				Subsystem: "uplink",
				Name:      "reconnects_total",
				Help:      "Total uplink connection attempts after the first",
			},
		),
		SummariesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "skymesh",
				Subsystem: "uplink",
				Name:      "summaries_sent_total",
				Help:      "Total summaries written to central, by payload shape",
			},
			[]string{"shape"},
		),
		SummaryFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "skymesh",
				Subsystem: "uplink",
				Name:      "summary_failures_total",
				Help:      "Total summary writes that failed and triggered reconnect",
			},
		),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.ReadingsIngested,
		m.MalformedMessages,
		m.AnomaliesDetected,
		m.ActiveLinks,
		m.BatteryLevel,
		m.ReturnToBase,
		m.UplinkConnected,
		m.UplinkReconnects,
		m.SummariesSent,
		m.SummaryFailures,
	)
	return m
}

// Handler exposes the registry for the admin HTTP endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Nil-safe helpers, called from hot paths.

func (m *Metrics) ObserveReading(metric string) {
	if m == nil {
		return
	}
	m.ReadingsIngested.WithLabelValues(metric).Inc()
}

func (m *Metrics) ObserveMalformed() {
	if m == nil {
		return
	}
	m.MalformedMessages.Inc()
}

func (m *Metrics) ObserveAnomaly(metric string) {
	if m == nil {
		return
	}
	m.AnomaliesDetected.WithLabelValues(metric).Inc()
}

func (m *Metrics) SetActiveLinks(n int) {
	if m == nil {
		return
	}
	m.ActiveLinks.Set(float64(n))
}

func (m *Metrics) SetBattery(level int, returning bool) {
	if m == nil {
		return
	}
	m.BatteryLevel.Set(float64(level))
	if returning {
		m.ReturnToBase.Set(1)
	} else {
		m.ReturnToBase.Set(0)
	}
}

func (m *Metrics) SetUplinkConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.UplinkConnected.Set(1)
	} else {
		m.UplinkConnected.Set(0)
	}
}

func (m *Metrics) ObserveReconnect() {
	if m == nil {
		return
	}
	m.UplinkReconnects.Inc()
}

func (m *Metrics) ObserveSummary(shape string) {
	if m == nil {
		return
	}
	m.SummariesSent.WithLabelValues(shape).Inc()
}

func (m *Metrics) ObserveSummaryFailure() {
	if m == nil {
		return
	}
	m.SummaryFailures.Inc()
}
