package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records reconciliation and power activity.
type Metrics struct {
	passes         *prometheus.CounterVec
	passDuration   *prometheus.HistogramVec
	powerActions   *prometheus.CounterVec
	rechecks       prometheus.Counter
	trackedMessage prometheus.Gauge
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &Metrics{
		passes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "powerbot_reconcile_passes_total",
				Help: "Reconciliation passes by mode and result",
			},
			[]string{"mode", "result"},
		),
		passDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "powerbot_reconcile_duration_seconds",
				Help:    "Duration of reconciliation passes in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"mode"},
		),
		powerActions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "powerbot_power_actions_total",
				Help: "Start and stop calls issued to the cloud provider",
			},
			[]string{"action", "result"},
		),
		rechecks: factory.NewCounter(prometheus.CounterOpts{
			Name: "powerbot_rechecks_scheduled_total",
			Help: "Deferred re-checks scheduled for transitioning instances",
		}),
		trackedMessage: factory.NewGauge(prometheus.GaugeOpts{
			Name: "powerbot_tracked_messages",
			Help: "Messages currently held in the registry",
		}),
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// ObservePass is nil-safe so components can run without metrics.
func (m *Metrics) ObservePass(mode string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(mode, result(err)).Inc()
	m.passDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

func (m *Metrics) ObservePowerAction(action string, err error) {
	if m == nil {
		return
	}
	m.powerActions.WithLabelValues(action, result(err)).Inc()
}

func (m *Metrics) ObserveRecheck() {
	if m == nil {
		return
	}
	m.rechecks.Inc()
}

func (m *Metrics) SetTrackedMessages(n int) {
	if m == nil {
		return
	}
	m.trackedMessage.Set(float64(n))
}
