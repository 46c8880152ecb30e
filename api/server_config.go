package api

import (
	"log/slog"
	"time"
)

// HTTPServerConfig contains all configuration parameters for the HTTP server.
type HTTPServerConfig struct {
	// ListenAddr is the address and port the HTTP server will listen on.
	ListenAddr string

	// MetricsAddr is the address and port for the metrics server.
	// If empty, metrics server will not be started.
	MetricsAddr string

	// EnablePprof enables the pprof debugging API when true.
	EnablePprof bool

	// Log is the structured logger for server operations.
	Log *slog.Logger

	// DrainDuration is the time to wait after marking server not ready
	// before shutting down, allowing load balancers to detect the change.
	DrainDuration time.Duration

	// GracefulShutdownDuration is the maximum time to wait for in-flight
	// requests to complete during shutdown.
	GracefulShutdownDuration time.Duration

	// ReadTimeout is the maximum duration for reading the entire request,
	// including the body.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes of
	// the response. It must exceed PeerWaitTimeout.
	WriteTimeout time.Duration

	// PeerWaitTimeout bounds how long a step call waits for the peer.
	PeerWaitTimeout time.Duration

	// ClaimerRateLimit is the sustained rate of claimer step calls allowed per
	// client IP, in requests per second. Zero disables the limiter.
	ClaimerRateLimit float64

	// ClaimerRateBurst is the burst allowed on top of ClaimerRateLimit.
	ClaimerRateBurst int

	// TrustedProxies lists the addresses or CIDR prefixes whose
	// X-Forwarded-For header is believed when keying the claimer limiter.
	TrustedProxies []string
}
