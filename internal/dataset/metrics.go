package dataset

import "github.com/prometheus/client_golang/prometheus"

var (
	entriesAdded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "suraksha",
		Subsystem: "dataset",
		Name:      "entries_added_total",
		Help:      "Telemetry records added to the dataset by challenge kind.",
	}, []string{"kind"})

	exportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "suraksha",
		Subsystem: "dataset",
		Name:      "exports_total",
		Help:      "Dataset exports by challenge kind.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(entriesAdded, exportsTotal)
}
