// Command takgate serves gateway logins for a TAK deployment: it verifies the
// load balancer's identity assertion, keeps the user's profile and client
// certificate current, and issues the session token the web client uses.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/platinummonkey/takgate/pkg/config"
	"github.com/platinummonkey/takgate/pkg/observability"
)

var version = "dev"

func main() {
	configFile := flag.String("config", "", "Path to a YAML config file (overrides "+config.EnvConfigFile+")")
	showVersion := flag.Bool("version", false, "Print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}
	if *configFile != "" {
		os.Setenv(config.EnvConfigFile, *configFile)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "takgate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.ParseLevel(cfg.Observability.LogLevel), os.Stdout).
		WithField("service", "takgate")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetry, err := observability.StartTelemetry(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	gw, err := newGateway(ctx, cfg, logger)
	if err != nil {
		_ = telemetry.Shutdown(context.Background())
		return err
	}

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      gw.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc("opentelemetry", telemetry.Shutdown)
	for _, c := range gw.cleanup {
		shutdown.RegisterShutdownFunc(c.name, c.fn)
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.WithFields(map[string]interface{}{
			"addr":    server.Addr,
			"version": version,
			"gateway": cfg.Gateway.Enabled,
		}).Info("Starting takgate")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	waitCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		if err := <-serveErr; err != nil {
			logger.WithError(err).Error("Server failed")
			stop()
		}
	}()

	return shutdown.WaitForShutdown(waitCtx)
}
