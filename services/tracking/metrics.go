package tracking

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the tracking schedulers
type Metrics struct {
	cyclesTotal       *prometheus.CounterVec
	cycleDuration     *prometheus.HistogramVec
	workingSetSize    *prometheus.GaugeVec
	failedAssets      *prometheus.GaugeVec
	coalescedTriggers *prometheus.CounterVec
	fetchErrors       *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		cyclesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tracker",
				Subsystem: "scheduler",
				Name:      "cycles_total",
				Help:      "Completed tracking cycles",
			},
			[]string{"asset_type", "trigger"},
		),
		cycleDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "tracker",
				Subsystem: "scheduler",
				Name:      "cycle_duration_seconds",
				Help:      "Duration of tracking cycles",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"asset_type"},
		),
		workingSetSize: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "tracker",
				Subsystem: "scheduler",
				Name:      "working_set_size",
				Help:      "Assets in the last computed working set",
			},
			[]string{"asset_type"},
		),
		failedAssets: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "tracker",
				Subsystem: "scheduler",
				Name:      "failed_assets",
				Help:      "Assets that failed to fetch in the last cycle",
			},
			[]string{"asset_type"},
		),
		coalescedTriggers: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tracker",
				Subsystem: "scheduler",
				Name:      "coalesced_triggers_total",
				Help:      "Triggers merged into an already pending cycle",
			},
			[]string{"asset_type"},
		),
		fetchErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tracker",
				Subsystem: "fetcher",
				Name:      "errors_total",
				Help:      "Per-asset fetch failures by kind",
			},
			[]string{"asset_type", "kind"},
		),
	}
}

func (m *Metrics) observeCycle(c Cycle) {
	if m == nil {
		return
	}
	t := string(c.AssetType)
	m.cyclesTotal.WithLabelValues(t, string(c.TriggeredBy)).Inc()
	m.cycleDuration.WithLabelValues(t).Observe(c.Duration().Seconds())
	m.workingSetSize.WithLabelValues(t).Set(float64(c.WorkingSetSize))
	m.failedAssets.WithLabelValues(t).Set(float64(len(c.FailedAssetIDs)))
}

func (m *Metrics) coalesced(t string) {
	if m == nil {
		return
	}
	m.coalescedTriggers.WithLabelValues(t).Inc()
}

func (m *Metrics) fetchError(t, kind string) {
	if m == nil {
		return
	}
	m.fetchErrors.WithLabelValues(t, kind).Inc()
}
