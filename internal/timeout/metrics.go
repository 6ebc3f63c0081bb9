package timeout

import "github.com/prometheus/client_golang/prometheus"

var (
	sweeps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "als",
		Subsystem: "timeout",
		Name:      "sweeps_total",
		Help:      "Timeout sweep runs by outcome.",
	}, []string{"outcome"})

	expiredCallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "als",
		Subsystem: "timeout",
		Name:      "expired_callbacks_total",
		Help:      "Expiry error callbacks by key variant and outcome.",
	}, []string{"variant", "outcome"})

	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "als",
		Subsystem: "timeout",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of sweeps that held the lock.",
		Buckets:   prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(sweeps, expiredCallbacks, sweepDuration)
}
