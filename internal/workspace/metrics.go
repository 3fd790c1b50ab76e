package workspace

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rollbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rewind_rollbacks_total",
		Help: "Workspace rollbacks by result.",
	}, []string{"result"})

	rollbackDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rewind_rollback_duration_seconds",
		Help:    "Time spent rolling a workspace back.",
		Buckets: prometheus.DefBuckets,
	})

	replayEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rewind_replay_events_total",
		Help: "File-edit events applied during replay, by kind.",
	}, []string{"kind"})

	replaySkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rewind_replay_skipped_parts_total",
		Help: "File-edit parts skipped during replay because their payload was malformed.",
	})

	rebuiltFileWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rewind_rebuilt_file_writes_total",
		Help: "Single-file writes of rebuilt content, by result.",
	}, []string{"result"})
)

func observeReplay(stats ReplayStats) {
	for kind, n := range stats.Events {
		replayEventsTotal.WithLabelValues(string(kind)).Add(float64(n))
	}
	if stats.Skipped > 0 {
		replaySkippedTotal.Add(float64(stats.Skipped))
	}
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
