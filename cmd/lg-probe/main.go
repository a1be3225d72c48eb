package main

import (
	"LinkGuard/internal/config"
	"LinkGuard/internal/logging"
	"LinkGuard/internal/probe"
	"LinkGuard/internal/probe/live"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

func main() {
	configFile := flag.String("config", "configs/config.yaml", "Path to the configuration file")
	iface := flag.String("iface", "", "Interface to capture on (overrides source.interface)")
	name := flag.String("name", "", "Probe name carried in every message (defaults to the host name)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *iface != "" {
		cfg.Source.Interface = *iface
	}
	if cfg.Source.Interface == "" {
		fmt.Fprintln(os.Stderr, "Error: an interface is required, set source.interface or -iface.")
		flag.Usage()
		os.Exit(1)
	}
	if cfg.Source.SnapLen == 0 {
		cfg.Source.SnapLen = 1600
	}
	if *name == "" {
		*name, _ = os.Hostname()
	}

	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	if err := run(cfg, *name, logger); err != nil {
		logger.Error().Err(err).Msg("Probe exited with error")
		closer.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, name string, logger zerolog.Logger) error {
	logger.Info().Str("iface", cfg.Source.Interface).Str("probe", name).Msg("Starting lg-probe...")

	pub, err := probe.NewPublisher(cfg.Probe, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer pub.Close()

	src, err := live.Open(cfg.Source, logger)
	if err != nil {
		return err
	}
	defer src.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(cfg.Detector.Window())
	defer ticker.Stop()

	var window uint64
	for {
		select {
		case <-ctx.Done():
			logger.Info().Uint64("windows", window).Msg("Shutdown signal received, cleaning up...")
			return nil
		case now := <-ticker.C:
			window++
			count, err := src.TakeAndResetCount()
			if err != nil {
				logger.Warn().Err(err).Uint64("window", window).Msg("Capture failed, publishing empty window")
			}
			wc := probe.WindowCount{Probe: name, Window: window, Count: count, CapturedAt: now}
			if err := pub.Publish(wc); err != nil {
				logger.Warn().Err(err).Uint64("window", window).Msg("Failed to publish window count")
			}
			if window%100 == 0 {
				logger.Info().Uint64("window", window).Uint32("count", count).Msg("Windows published")
			}
		}
	}
}
