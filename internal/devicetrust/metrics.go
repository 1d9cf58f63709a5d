package devicetrust

import "github.com/prometheus/client_golang/prometheus"

var (
	verdictsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "suraksha",
		Subsystem: "trust",
		Name:      "verdicts_total",
		Help:      "Device trust verdicts by decision method and emulator outcome.",
	}, []string{"method", "emulator"})

	environmentThreats = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "suraksha",
		Subsystem: "trust",
		Name:      "environment_threats_total",
		Help:      "Runtime environment threats detected by type.",
	}, []string{"threat"})
)

func init() {
	prometheus.MustRegister(verdictsTotal, environmentThreats)
}
