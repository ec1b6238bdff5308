package supervisor

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// svcMetrics holds the Prometheus collectors of the serve path.
type svcMetrics struct {
	engineUp       prometheus.GaugeFunc
	engineRestarts prometheus.CounterFunc
	probeFailures  prometheus.Counter
	stageDuration  *prometheus.HistogramVec
	stageOutcomes  *prometheus.CounterVec
}

func registerMetrics(reg prometheus.Registerer, eng dEngine) (*svcMetrics, error) {
	m := &svcMetrics{
		engineUp: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "compassd_engine_up",
			Help: "Whether the engine process is currently running.",
		}, func() float64 {
			if eng.Running() {
				return 1
			}
			return 0
		}),
		engineRestarts: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "compassd_engine_restarts_total",
			Help: "Number of engine restarts after an unexpected exit.",
		}, func() float64 {
			return float64(eng.Restarts())
		}),
		probeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "compassd_probe_failures_total",
			Help: "Number of failed engine liveness probes.",
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "compassd_stage_duration_seconds",
			Help: "Duration of executed build pipeline stages.",
			// Installs and grammar builds routinely take tens of seconds.
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"stage"}),
		stageOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compassd_stage_outcomes_total",
			Help: "Outcomes of build pipeline stages per run.",
		}, []string{"stage", "outcome"}),
	}

	collectors := []prometheus.Collector{
		m.engineUp, m.engineRestarts, m.probeFailures, m.stageDuration, m.stageOutcomes,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register supervision metrics: %v", err)
		}
	}
	return m, nil
}
