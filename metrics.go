package detour

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts installer activity. A nil *Metrics records nothing.
type Metrics struct {
	installs   prometheus.Counter
	uninstalls prometheus.Counter
	failures   *prometheus.CounterVec
	active     prometheus.Gauge
}

// NewMetrics creates the installer metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		installs: f.NewCounter(prometheus.CounterOpts{
			Namespace: "detour",
			Name:      "hooks_installed_total",
			Help:      "Number of hooks installed.",
		}),
		uninstalls: f.NewCounter(prometheus.CounterOpts{
			Namespace: "detour",
			Name:      "hooks_uninstalled_total",
			Help:      "Number of hooks removed.",
		}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "detour",
			Name:      "hook_failures_total",
			Help:      "Number of failed installer operations.",
		}, []string{"op"}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "detour",
			Name:      "hooks_active",
			Help:      "Number of hooks currently installed.",
		}),
	}
}

func (m *Metrics) installed(active int) {
	if m == nil {
		return
	}
	m.installs.Inc()
	m.active.Set(float64(active))
}

func (m *Metrics) uninstalled(active int) {
	if m == nil {
		return
	}
	m.uninstalls.Inc()
	m.active.Set(float64(active))
}

func (m *Metrics) failed(op string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(op).Inc()
}
