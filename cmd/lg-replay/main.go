package main

import (
	"LinkGuard/internal/config"
	"LinkGuard/internal/engine/manager"
	"LinkGuard/internal/engine/orchestrator"
	"LinkGuard/internal/engine/protocol"
	"LinkGuard/internal/engine/window"
	"LinkGuard/internal/logging"
	"LinkGuard/internal/metrics"
	"LinkGuard/internal/model"
	"LinkGuard/pkg/pcap"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

func main() {
	configFile := flag.String("config", "configs/config.yaml", "Path to the configuration file")
	modeName := flag.String("mode", "", "Detection mode (overrides detector.initial_mode)")
	alertsOnly := flag.Bool("alerts", false, "Print only attack events")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: lg-replay [flags] <path_to_pcap_file>")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	pcapFilePath := flag.Arg(0)

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *modeName != "" {
		cfg.Detector.InitialMode = *modeName
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid mode: %v\n", err)
			os.Exit(1)
		}
	}
	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	err = replay(cfg, pcapFilePath, *alertsOnly, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Replay failed")
	}
	closer.Close()
	if err != nil {
		os.Exit(1)
	}
}

// replay runs one detection cycle per recorded window, as fast as possible,
// and prints every event as a JSON line.
func replay(cfg *config.Config, path string, alertsOnly bool, logger zerolog.Logger) error {
	reader, err := pcap.NewReader(path, protocol.Matcher{Port: cfg.Source.Port, AcceptV1: cfg.Source.AcceptV1})
	if err != nil {
		return fmt.Errorf("failed to open pcap file: %w", err)
	}
	samples, err := reader.WindowCounts(cfg.Detector.Window())
	reader.Close()
	if err != nil {
		return err
	}
	logger.Info().Str("file", path).Int("windows", len(samples)).Dur("window", cfg.Detector.Window()).Msg("Capture read")

	screener, confirmer, err := manager.LoadModels(cfg, logger)
	if err != nil {
		return err
	}
	buffer, err := window.NewBuffer(cfg.Detector.BufferCapacity)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	enc := json.NewEncoder(os.Stdout)
	var alerts int
	publish := orchestrator.PublisherFunc(func(e model.ThreatEvent) {
		mu.Lock()
		defer mu.Unlock()
		if e.IsAlert() {
			alerts++
		} else if alertsOnly {
			return
		}
		enc.Encode(e)
	})

	m := metrics.New()
	var worker *orchestrator.ConfirmWorker
	if confirmer != nil {
		worker = orchestrator.NewConfirmWorker(confirmer, cfg.Confirmer.JobTimeout(), publish, logger, m)
		worker.Start()
	}
	orch, err := orchestrator.New(orchestrator.Options{
		Buffer:       buffer,
		Modes:        orchestrator.NewModeController(cfg.Detector.Mode()),
		Screener:     screener,
		Confirmer:    confirmer,
		Worker:       worker,
		Publisher:    publish,
		ConfirmEvery: cfg.Confirmer.Every,
		Logger:       logger,
		Metrics:      m,
	})
	if err != nil {
		return err
	}

	ctx := context.Background()
	for _, s := range samples {
		if err := buffer.Append(s); err != nil {
			return err
		}
		orch.RunCycle(ctx, s)
		// Offline there is no wall clock to race, so each confirmation
		// finishes before the next window.
		if worker != nil {
			worker.Wait()
		}
	}
	if worker != nil {
		if err := worker.Drain(cfg.Detector.Shutdown()); err != nil {
			logger.Warn().Err(err).Msg("Confirmation abandoned at end of replay")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	logger.Info().Int("windows", len(samples)).Int("alerts", alerts).Msg("Replay complete")
	return nil
}
