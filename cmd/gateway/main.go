package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/enrollment-gateway/api/authhandler"
	"github.com/ruteri/enrollment-gateway/api/invitations"
	"github.com/ruteri/enrollment-gateway/api/recovery"
	"github.com/ruteri/enrollment-gateway/api/server"
	"github.com/ruteri/enrollment-gateway/auth"
	"github.com/ruteri/enrollment-gateway/cmd/flags"
	"github.com/ruteri/enrollment-gateway/common"
	"github.com/ruteri/enrollment-gateway/enrollment"
	"github.com/ruteri/enrollment-gateway/identity"
	"github.com/ruteri/enrollment-gateway/interfaces"
	"github.com/ruteri/enrollment-gateway/invite"
	"github.com/ruteri/enrollment-gateway/shamir"
	"github.com/ruteri/enrollment-gateway/storage"
	"github.com/urfave/cli/v2"
)

var cliFlags = append([]cli.Flag{
	flags.ListenAddrFlag,
	flags.StorageFlag,
	flags.MembersFileFlag,
	flags.JWTSecretFlag,
	flags.SessionTTLFlag,
	flags.PeerWaitSecondsFlag,
	flags.SASCandidatesFlag,
	flags.ClaimerRateFlag,
	flags.ClaimerBurstFlag,
	flags.TrustedProxiesFlag,
	flags.LogServiceFlagFn(common.PackageName),
}, flags.CommonFlags...)

func main() {
	app := &cli.App{
		Name:   common.PackageName,
		Usage:  "Coordinate greeter/claimer enrollment of members and devices",
		Flags:  cliFlags,
		Action: runGateway,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runGateway(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	cfg := flags.ConfigureServer(cCtx, logger, cCtx.String(flags.ListenAddrFlag.Name))
	ctx := cCtx.Context

	var locations []interfaces.StorageBackendLocation
	for _, uri := range cCtx.StringSlice(flags.StorageFlag.Name) {
		locations = append(locations, interfaces.StorageBackendLocation(uri))
	}
	store, err := storage.NewStorageBackendFactory(logger).CreateMultiBackend(locations)
	if err != nil {
		logger.Error("Failed to create storage backend", "err", err)
		return err
	}
	logger.Info("Storage configured", "backend", store.Name())

	directory := identity.NewDirectory(store, logger)
	if path := cCtx.String(flags.MembersFileFlag.Name); path != "" {
		seeds, err := identity.LoadSeedFile(path)
		if err != nil {
			logger.Error("Failed to load members file", "err", err)
			return err
		}
		added, err := directory.Seed(ctx, seeds)
		if err != nil {
			logger.Error("Failed to seed members", "err", err)
			return err
		}
		logger.Info("Members file applied", "file", path, "added", added, "declared", len(seeds))
	}

	setups := shamir.NewSetups(store, directory, logger)
	registry, err := invite.NewRegistry(ctx, store, directory, setups, logger)
	if err != nil {
		logger.Error("Failed to load invitations", "err", err)
		return err
	}
	coordinator := enrollment.NewCoordinator(registry, setups, directory, logger, enrollment.Config{
		CandidateCount: cCtx.Int(flags.SASCandidatesFlag.Name),
	})

	secret := cCtx.String(flags.JWTSecretFlag.Name)
	if secret == "" {
		logger.Warn("No jwt-secret configured, sessions will not survive a restart")
	}
	issuer, err := auth.NewIssuer([]byte(secret), common.PackageName, cCtx.Duration(flags.SessionTTLFlag.Name))
	if err != nil {
		return fmt.Errorf("failed to create session issuer: %w", err)
	}
	authRequired := auth.Required(issuer, directory, logger)

	trustedProxies, err := server.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return err
	}
	var claimerLimit func(http.Handler) http.Handler
	if limiter := server.NewRateLimiter(cfg.ClaimerRateLimit, cfg.ClaimerRateBurst, trustedProxies, logger); limiter != nil {
		claimerLimit = limiter.Middleware
	}

	srv, err := server.New(cfg,
		invitations.NewHandler(registry, coordinator, authRequired, claimerLimit, cfg.PeerWaitTimeout, logger),
		recovery.NewHandler(setups, registry, coordinator, directory, authRequired, logger),
		authhandler.NewHandler(issuer, directory, authRequired, logger),
	)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}

	logger.Info("Starting server")
	srv.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	logger.Info("Server is running, press Ctrl+C to stop")
	select {
	case <-exit:
		logger.Info("Shutdown signal received")
	case <-ctx.Done():
	}

	srv.Shutdown()
	logger.Info("Server shutdown complete")
	return nil
}
