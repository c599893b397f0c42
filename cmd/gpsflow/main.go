// Command gpsflow runs the GPS ingestion service: the HTTP intake and read
// API, the broker consumer and the retention scheduler.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/drblury/gpsflow"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a YAML configuration file (defaults to $CONFIG_PATH)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conf, err := gpsflow.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	logger, err := gpsflow.NewLogger(os.Stdout, conf.LogLevel, conf.LogFormat)
	if err != nil {
		return err
	}
	logger.Info("Starting gpsflow", "config", conf.String())

	svc, err := gpsflow.NewService(conf, gpsflow.NewSlogServiceLogger(logger), ctx, gpsflow.ServiceDependencies{})
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Error("Failed to close service", "error", err)
		}
	}()

	if err := gpsflow.Run(ctx, svc, logger); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("service stopped: %w", err)
	}
	logger.Info("gpsflow stopped")
	return nil
}
