// Package metrics provides Prometheus instrumentation for the passkey
// backend. All metrics live on a private registry owned by the Recorder so
// that tests and embedding programs never collide on global collector state.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// Namespace is the Prometheus namespace for all passkey backend metrics.
	Namespace = "passkey"

	// Outcome values for ceremony counters.
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Recorder receives instrumentation events from the services and the HTTP
// layer. Implementations must be safe for concurrent use.
type Recorder interface {
	// RegistrationStarted counts a registration ceremony begin.
	RegistrationStarted()
	// RegistrationFinished counts a registration ceremony completion with
	// the given outcome (OutcomeSuccess or OutcomeFailure).
	RegistrationFinished(outcome string)
	// AuthenticationStarted counts an authentication ceremony begin.
	AuthenticationStarted()
	// AuthenticationFinished counts an authentication ceremony completion.
	AuthenticationFinished(outcome string)
	// SessionIssued counts a newly minted session token.
	SessionIssued()
	// HTTPRequest records a served HTTP request.
	HTTPRequest(method, path string, status int, elapsed time.Duration)
	// Handler returns the scrape endpoint handler, or nil when the
	// recorder exposes nothing.
	Handler() http.Handler
}

// PrometheusRecorder is a Recorder backed by a private prometheus.Registry.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	registrationsStarted    prometheus.Counter
	registrationsFinished   *prometheus.CounterVec
	authenticationsStarted  prometheus.Counter
	authenticationsFinished *prometheus.CounterVec
	sessionsIssued          prometheus.Counter
	httpRequestsTotal       *prometheus.CounterVec
	httpRequestDuration     *prometheus.HistogramVec
}

// NewPrometheusRecorder builds a recorder with its own registry and
// registers the standard Go runtime and process collectors alongside the
// application metrics.
func NewPrometheusRecorder() *PrometheusRecorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := &PrometheusRecorder{
		registry: registry,
		registrationsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "registrations_started_total",
			Help:      "Total number of registration ceremonies started",
		}),
		registrationsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "registrations_finished_total",
			Help:      "Total number of registration ceremonies finished by outcome",
		}, []string{"outcome"}),
		authenticationsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "authentications_started_total",
			Help:      "Total number of authentication ceremonies started",
		}),
		authenticationsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "authentications_finished_total",
			Help:      "Total number of authentication ceremonies finished by outcome",
		}, []string{"outcome"}),
		sessionsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "sessions_issued_total",
			Help:      "Total number of session tokens issued",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, path, and status code",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	registry.MustRegister(
		r.registrationsStarted,
		r.registrationsFinished,
		r.authenticationsStarted,
		r.authenticationsFinished,
		r.sessionsIssued,
		r.httpRequestsTotal,
		r.httpRequestDuration,
	)
	return r
}

func (r *PrometheusRecorder) RegistrationStarted() {
	r.registrationsStarted.Inc()
}

func (r *PrometheusRecorder) RegistrationFinished(outcome string) {
	r.registrationsFinished.WithLabelValues(outcome).Inc()
}

func (r *PrometheusRecorder) AuthenticationStarted() {
	r.authenticationsStarted.Inc()
}

func (r *PrometheusRecorder) AuthenticationFinished(outcome string) {
	r.authenticationsFinished.WithLabelValues(outcome).Inc()
}

func (r *PrometheusRecorder) SessionIssued() {
	r.sessionsIssued.Inc()
}

func (r *PrometheusRecorder) HTTPRequest(method, path string, status int, elapsed time.Duration) {
	code := strconv.Itoa(status)
	r.httpRequestsTotal.WithLabelValues(method, path, code).Inc()
	r.httpRequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

// Handler returns the scrape handler for the private registry.
func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// NopRecorder discards all events. Used in tests and when metrics are
// disabled in the configuration.
type NopRecorder struct{}

// NewNop returns a Recorder that records nothing.
func NewNop() *NopRecorder { return &NopRecorder{} }

func (*NopRecorder) RegistrationStarted()                                {}
func (*NopRecorder) RegistrationFinished(string)                         {}
func (*NopRecorder) AuthenticationStarted()                              {}
func (*NopRecorder) AuthenticationFinished(string)                       {}
func (*NopRecorder) SessionIssued()                                      {}
func (*NopRecorder) HTTPRequest(string, string, int, time.Duration)      {}
func (*NopRecorder) Handler() http.Handler                               { return nil }
