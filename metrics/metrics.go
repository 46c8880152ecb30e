package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	stepOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "enrollment",
		Name:      "step_outcomes_total",
		Help:      "Greeter and claimer step calls by outcome",
	}, []string{"role", "step", "outcome"})

	admissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "enrollment",
		Name:      "admissions_total",
		Help:      "Claimers admitted after a completed handshake",
	}, []string{"type"})

	parkedWaiters = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "enrollment",
		Name:      "parked_waiters",
		Help:      "Step calls currently blocked waiting for their peer",
	})
)

// RecordStep counts a finished step call. outcome is "ok" or the error code.
func RecordStep(role, step, outcome string) {
	stepOutcomes.WithLabelValues(role, step, outcome).Inc()
}

// RecordAdmission counts a finalized invitation.
func RecordAdmission(invitationType string) {
	admissions.WithLabelValues(invitationType).Inc()
}

// WaiterParked and WaiterReleased track blocked step calls.
func WaiterParked()   { parkedWaiters.Inc() }
func WaiterReleased() { parkedWaiters.Dec() }

// MetricsServer exposes the enrollment collectors together with the runtime ones.
type MetricsServer struct {
	registry *prometheus.Registry
	srv      *http.Server
}

func New(namespace, addr string) (*MetricsServer, error) {
	registry := prometheus.NewRegistry()
	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: sanitize(namespace)}),
		stepOutcomes,
		admissions,
		parkedWaiters,
	} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	return &MetricsServer{
		registry: registry,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

func (m *MetricsServer) Registry() *prometheus.Registry {
	return m.registry
}

func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}

// sanitize maps a package name like "enrollment-gateway" to a valid metric namespace.
func sanitize(namespace string) string {
	out := []byte(namespace)
	for i, c := range out {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_') {
			out[i] = '_'
		}
	}
	return string(out)
}
