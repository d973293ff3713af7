package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Domain counters.
var (
	GrantsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitlement_grants_total",
			Help: "Subscription grants recorded, by funding source.",
		},
		[]string{"source"},
	)

	RedemptionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promo_redemptions_total",
			Help: "Promo redemption attempts, by result.",
		},
		[]string{"result"},
	)

	SweepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "expiry_sweeps_total",
		Help: "Completed expiry sweep cycles.",
	})

	ExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "periods_expired_total",
		Help: "Subscription periods transitioned to expired by the sweeper.",
	})

	DeprovisionFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "deprovision_failures_total",
		Help: "Failed deprovisioning attempts left for the next sweep.",
	})

	ProvisionFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "provision_failures_total",
		Help: "Grants recorded whose provisioning call failed.",
	})
)

// HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Init registers every collector with the default registry.
func Init() {
	prometheus.MustRegister(
		GrantsTotal, RedemptionsTotal, SweepsTotal, ExpiredTotal,
		DeprovisionFailures, ProvisionFailures,
		httpInFlight, httpRequestsTotal, httpRequestDuration,
	)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument measures request counts, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpInFlight.Dec()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
