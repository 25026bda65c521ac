// Command takctl administers a takgate deployment.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/takgate/pkg/cli"
	"github.com/platinummonkey/takgate/pkg/config"
)

func main() {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	level, err := logrus.ParseLevel(os.Getenv("TAKCTL_LOG_LEVEL"))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	cfg := config.Default()
	if path := os.Getenv(config.EnvConfigFile); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			logger.Fatalf("Failed to load config: %v", err)
		}
	}
	cfg.ApplyEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env := &cli.Env{Out: os.Stdout, Logger: logger, Config: cfg}
	if err := cli.NewRootCommand().Execute(ctx, env, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
