package challenge

import "github.com/prometheus/client_golang/prometheus"

var (
	submissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "suraksha",
		Subsystem: "challenge",
		Name:      "submissions_total",
		Help:      "Submitted challenges by kind and outcome.",
	}, []string{"kind", "outcome"})

	fallbacksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "suraksha",
		Subsystem: "challenge",
		Name:      "backend_fallbacks_total",
		Help:      "Operations that proceeded without a backend answer.",
	}, []string{"operation"})

	openChallenges = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "suraksha",
		Subsystem: "challenge",
		Name:      "open",
		Help:      "Challenges opened and not yet submitted or expired.",
	})
)

func init() {
	prometheus.MustRegister(submissionsTotal, fallbacksTotal, openChallenges)
}
