// Package metrics exposes Prometheus collectors for the sleep/wake engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sleepwake"

// Metrics holds the collectors and the registry they are registered with
type Metrics struct {
	reg *prometheus.Registry

	EventFires   *prometheus.CounterVec
	Ramps        *prometheus.CounterVec
	RampSteps    *prometheus.CounterVec
	PlayerErrors *prometheus.CounterVec
	SleepDropped prometheus.Counter
	State        *prometheus.GaugeVec
	Volume       prometheus.Gauge
	NextFire     *prometheus.GaugeVec
	SettingsSave *prometheus.CounterVec
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		EventFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_fires_total",
			Help:      "Scheduled or manual event fires.",
		}, []string{"event"}),
		Ramps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ramps_total",
			Help:      "Finished ramps by activity and terminal status.",
		}, []string{"activity", "status"}),
		RampSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ramp_steps_total",
			Help:      "Volume writes issued by ramps.",
		}, []string{"activity"}),
		PlayerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "player_errors_total",
			Help:      "Failed player requests by kind.",
		}, []string{"kind"}),
		SleepDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sleep_dropped_total",
			Help:      "Sleep fires dropped because a wake sequence was active.",
		}),
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "1 for the current activity state, 0 otherwise.",
		}, []string{"state"}),
		Volume: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "volume",
			Help:      "Last volume written by a ramp.",
		}),
		NextFire: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "next_fire_timestamp_seconds",
			Help:      "Unix time of the next armed fire, 0 when unarmed.",
		}, []string{"event"}),
		SettingsSave: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settings_saves_total",
			Help:      "Settings save attempts by result.",
		}, []string{"result"}),
	}

	m.reg.MustRegister(
		m.EventFires,
		m.Ramps,
		m.RampSteps,
		m.PlayerErrors,
		m.SleepDropped,
		m.State,
		m.Volume,
		m.NextFire,
		m.SettingsSave,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Gatherer returns the registry as a prometheus.Gatherer
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// SetState marks state as the only active state
func (m *Metrics) SetState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.State.WithLabelValues(s).Set(v)
	}
}

// SetNextFire records the next fire time of event; a zero time clears it
func (m *Metrics) SetNextFire(event string, at time.Time) {
	if at.IsZero() {
		m.NextFire.WithLabelValues(event).Set(0)
		return
	}
	m.NextFire.WithLabelValues(event).Set(float64(at.Unix()))
}
