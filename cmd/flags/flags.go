package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/enrollment-gateway/api"
	"github.com/ruteri/enrollment-gateway/common"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

// ConfigureServer builds the HTTP server config. The write timeout always
// leaves room for a full peer wait.
func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string) *api.HTTPServerConfig {
	metricsAddr := cCtx.String(MetricsAddrFlag.Name)
	enablePprof := cCtx.Bool(PprofFlag.Name)
	drainDuration := time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second
	peerWait := time.Duration(cCtx.Int64(PeerWaitSecondsFlag.Name)) * time.Second

	return &api.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              metricsAddr,
		Log:                      logger,
		EnablePprof:              enablePprof,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             peerWait + 30*time.Second,
		PeerWaitTimeout:          peerWait,
		ClaimerRateLimit:         cCtx.Float64(ClaimerRateFlag.Name),
		ClaimerRateBurst:         cCtx.Int(ClaimerBurstFlag.Name),
		TrustedProxies:           cCtx.StringSlice(TrustedProxiesFlag.Name),
	}
}

var ListenAddrFlag = &cli.StringFlag{
	Name:    "listen-addr",
	Value:   "127.0.0.1:8080",
	Usage:   "address to listen on for API",
	EnvVars: []string{"ENROLL_LISTEN_ADDR"},
}

var StorageFlag = &cli.StringSliceFlag{
	Name:    "storage",
	Value:   cli.NewStringSlice("memory://"),
	Usage:   "storage backend URI (memory://, file://, s3://, vault://, redis://, sqlite://); repeat for redundant backends",
	EnvVars: []string{"ENROLL_STORAGE"},
}

var MembersFileFlag = &cli.StringFlag{
	Name:    "members-file",
	Usage:   "YAML, JSON or TOML file listing members to add on startup",
	EnvVars: []string{"ENROLL_MEMBERS_FILE"},
}

var JWTSecretFlag = &cli.StringFlag{
	Name:    "jwt-secret",
	Usage:   "secret signing session tokens; a random one is generated when empty, invalidating sessions on restart",
	EnvVars: []string{"ENROLL_JWT_SECRET"},
}

var SessionTTLFlag = &cli.DurationFlag{
	Name:    "session-ttl",
	Value:   12 * time.Hour,
	Usage:   "lifetime of session tokens",
	EnvVars: []string{"ENROLL_SESSION_TTL"},
}

var PeerWaitSecondsFlag = &cli.Int64Flag{
	Name:    "peer-wait-seconds",
	Value:   60,
	Usage:   "seconds a step call waits for the peer before answering 'timeout'",
	EnvVars: []string{"ENROLL_PEER_WAIT_SECONDS"},
}

var SASCandidatesFlag = &cli.IntFlag{
	Name:    "sas-candidates",
	Value:   4,
	Usage:   "number of SAS codes offered to choose from",
	EnvVars: []string{"ENROLL_SAS_CANDIDATES"},
}

var ClaimerRateFlag = &cli.Float64Flag{
	Name:    "claimer-rate",
	Value:   2,
	Usage:   "claimer step calls per second allowed per client IP, 0 disables",
	EnvVars: []string{"ENROLL_CLAIMER_RATE"},
}

var ClaimerBurstFlag = &cli.IntFlag{
	Name:    "claimer-burst",
	Value:   20,
	Usage:   "burst of claimer step calls allowed per client IP",
	EnvVars: []string{"ENROLL_CLAIMER_BURST"},
}

var TrustedProxiesFlag = &cli.StringSliceFlag{
	Name:    "trusted-proxies",
	Usage:   "addresses or CIDR prefixes of reverse proxies whose X-Forwarded-For is used to find the client IP",
	EnvVars: []string{"ENROLL_TRUSTED_PROXIES"},
}

var LogJsonFlag = &cli.BoolFlag{
	Name:    "log-json",
	Value:   false,
	Usage:   "log in JSON format",
	EnvVars: []string{"ENROLL_LOG_JSON"},
}
var LogDebugFlag = &cli.BoolFlag{
	Name:    "log-debug",
	Value:   false,
	Usage:   "log debug messages",
	EnvVars: []string{"ENROLL_LOG_DEBUG"},
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:    "metrics-addr",
	Value:   "127.0.0.1:8090",
	Usage:   "address to listen on for Prometheus metrics",
	EnvVars: []string{"ENROLL_METRICS_ADDR"},
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}
