package authclient

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	backendRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "suraksha",
		Name:      "backend_requests_total",
		Help:      "Requests to the authentication backend by endpoint and result.",
	}, []string{"endpoint", "result"})

	backendRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "suraksha",
		Name:      "backend_request_duration_seconds",
		Help:      "Authentication backend request latency.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"endpoint"})
)

func init() {
	prometheus.MustRegister(backendRequestsTotal, backendRequestDuration)
}

func observe(endpoint string, err error, d time.Duration) {
	backendRequestsTotal.WithLabelValues(endpoint, resultLabel(err)).Inc()
	backendRequestDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNetworkUnreachable):
		return "unreachable"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	default:
		return "error"
	}
}
