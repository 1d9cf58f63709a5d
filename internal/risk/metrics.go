package risk

import "github.com/prometheus/client_golang/prometheus"

var (
	staleSignalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "suraksha",
		Subsystem: "risk",
		Name:      "stale_signals_total",
		Help:      "Security signals dropped because they belong to an earlier session epoch.",
	}, []string{"check"})

	signalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "suraksha",
		Subsystem: "risk",
		Name:      "signals_total",
		Help:      "Security signals applied by check and result.",
	}, []string{"check", "result"})

	decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "suraksha",
		Subsystem: "risk",
		Name:      "decisions_total",
		Help:      "Escalation decisions by outcome.",
	}, []string{"decision"})

	activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "suraksha",
		Subsystem: "risk",
		Name:      "active_sessions",
		Help:      "Login sessions currently tracked.",
	})
)

func init() {
	prometheus.MustRegister(staleSignalsTotal, signalsTotal, decisionsTotal, activeSessions)
}
