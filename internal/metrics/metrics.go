package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all the Prometheus metrics of the detector. Each instance owns
// a private registry so several pipelines can coexist in one process.
type Metrics struct {
	Registry *prometheus.Registry

	WindowsTotal        prometheus.Counter
	WindowPackets       prometheus.Histogram
	CaptureErrors       prometheus.Counter
	NotifyDropped       prometheus.Counter
	BufferLength        prometheus.Gauge
	Cycles              *prometheus.CounterVec
	Verdicts            *prometheus.CounterVec
	ClassifyLatency     *prometheus.HistogramVec
	ClassifierFailures  *prometheus.CounterVec
	ConfirmationsTotal  *prometheus.CounterVec
	TriggersSuppressed  prometheus.Counter
	ConfirmInFlight     prometheus.Gauge
	ModeSwitches        *prometheus.CounterVec
	CommandsRejected    *prometheus.CounterVec
	EventsDelivered     *prometheus.CounterVec
	EventsDropped       *prometheus.CounterVec
	AlerterQueueLength  prometheus.Gauge
}

// New creates and registers every detector metric on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		WindowsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "linkguard_windows_total",
			Help: "Total number of closed capture windows.",
		}),
		WindowPackets: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "linkguard_window_packets",
			Help:    "Matching packets per capture window.",
			Buckets: []float64{0, 5, 10, 15, 20, 25, 30, 40, 60, 100, 200},
		}),
		CaptureErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "linkguard_capture_errors_total",
			Help: "Windows recorded as zero because the packet source failed.",
		}),
		NotifyDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "linkguard_window_notifications_dropped_total",
			Help: "Window notifications dropped because the orchestrator was busy.",
		}),
		BufferLength: f.NewGauge(prometheus.GaugeOpts{
			Name: "linkguard_buffer_length",
			Help: "Samples currently held by the sliding window buffer.",
		}),
		Cycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "linkguard_cycles_total",
			Help: "Detection cycles by resulting state.",
		}, []string{"state"}),
		Verdicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "linkguard_verdicts_total",
			Help: "Verdicts by classifier and kind.",
		}, []string{"classifier", "kind"}),
		ClassifyLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "linkguard_classify_duration_seconds",
			Help:    "Classifier invocation latency.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, []string{"classifier"}),
		ClassifierFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "linkguard_classifier_failures_total",
			Help: "Classifier invocations that errored or panicked.",
		}, []string{"classifier"}),
		ConfirmationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "linkguard_confirmations_total",
			Help: "Completed confirmation jobs by outcome.",
		}, []string{"outcome"}),
		TriggersSuppressed: f.NewCounter(prometheus.CounterOpts{
			Name: "linkguard_confirm_triggers_suppressed_total",
			Help: "Confirmer triggers suppressed because a job was in flight.",
		}),
		ConfirmInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "linkguard_confirm_in_flight",
			Help: "1 while a confirmation job is running.",
		}),
		ModeSwitches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "linkguard_mode_switches_total",
			Help: "Accepted mode switches by target mode.",
		}, []string{"mode"}),
		CommandsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "linkguard_commands_rejected_total",
			Help: "Rejected commands by reason.",
		}, []string{"reason"}),
		EventsDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "linkguard_events_delivered_total",
			Help: "Threat events delivered by sink.",
		}, []string{"sink"}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "linkguard_events_dropped_total",
			Help: "Threat events dropped after exhausting retries, by sink.",
		}, []string{"sink"}),
		AlerterQueueLength: f.NewGauge(prometheus.GaugeOpts{
			Name: "linkguard_alerter_queue_length",
			Help: "Events waiting for delivery.",
		}),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// Value reads the current value of a counter or gauge. It returns 0 for other
// metric types.
func Value(m prometheus.Metric) float64 {
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		return 0
	}
	switch {
	case pb.Counter != nil:
		return pb.Counter.GetValue()
	case pb.Gauge != nil:
		return pb.Gauge.GetValue()
	default:
		return 0
	}
}
