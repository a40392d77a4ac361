package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "upshield",
			Name:      "requests_total",
			Help:      "Total number of resolved requests by cache disposition",
		},
		[]string{"disposition"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "upshield",
			Name:      "request_duration_seconds",
			Help:      "Duration of request resolution by cache disposition",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"disposition"},
	)

	gatewayFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "upshield",
			Name:      "gateway_failures_total",
			Help:      "Total requests that could be served neither from upstream nor from cache",
		},
	)

	upstreamFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "upshield",
			Name:      "upstream_fetches_total",
			Help:      "Total logical upstream fetches by outcome",
		},
		[]string{"outcome"},
	)
)

func Init() {
	prometheus.MustRegister(requestTotal, requestDuration, gatewayFailures, upstreamFetches)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveRequest(disposition string, d time.Duration) {
	requestTotal.WithLabelValues(disposition).Inc()
	requestDuration.WithLabelValues(disposition).Observe(d.Seconds())
}

func IncGatewayFailure() {
	gatewayFailures.Inc()
}

func IncUpstreamFetch(outcome string) {
	upstreamFetches.WithLabelValues(outcome).Inc()
}
