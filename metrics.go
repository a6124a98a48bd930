package ovstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// sorterMetrics are the gauges and counters a slice sort reports. A nil
// registerer creates them unregistered.
type sorterMetrics struct {
	OverlapsLoaded  prometheus.Gauge
	OverlapsWritten prometheus.Gauge
	SegmentBytes    prometheus.Gauge
	WorkingSetBytes prometheus.Gauge
	PhaseDuration   *prometheus.GaugeVec
	Runs            *prometheus.CounterVec
}

func newSorterMetrics(reg prometheus.Registerer) *sorterMetrics {
	f := promauto.With(reg)
	return &sorterMetrics{
		OverlapsLoaded: f.NewGauge(prometheus.GaugeOpts{
			Name: "ovstore_slice_overlaps_loaded",
			Help: "Overlaps loaded from buckets into the working set",
		}),
		OverlapsWritten: f.NewGauge(prometheus.GaugeOpts{
			Name: "ovstore_slice_overlaps_written",
			Help: "Overlaps written to the slice segment",
		}),
		SegmentBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "ovstore_slice_segment_bytes",
			Help: "Size of the written slice segment in bytes",
		}),
		WorkingSetBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "ovstore_slice_working_set_bytes",
			Help: "Memory accounted for the in-memory working set",
		}),
		PhaseDuration: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ovstore_slice_phase_duration_seconds",
			Help: "Wall time spent in each phase of the last slice sort",
		}, []string{"phase"}), // size, load, sort, write, cleanup
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ovstore_slice_runs_total",
			Help: "Slice sort runs by result",
		}, []string{"result"}), // success or the failure class
	}
}

// observePhase records the time since start for phase.
func (m *sorterMetrics) observePhase(phase string, start time.Time) {
	m.PhaseDuration.WithLabelValues(phase).Set(time.Since(start).Seconds())
}
