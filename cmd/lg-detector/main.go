package main

import (
	"LinkGuard/internal/api"
	"LinkGuard/internal/command"
	"LinkGuard/internal/config"
	"LinkGuard/internal/engine/manager"
	"LinkGuard/internal/logging"
	"LinkGuard/internal/metrics"
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	configFile := flag.String("config", "configs/config.yaml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	err = run(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Detector exited with error")
	}
	closer.Close()
	if err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().Stringer("mode", cfg.Detector.Mode()).Str("source", cfg.Source.Type).Msg("Starting lg-detector...")
	m := metrics.New()

	screener, confirmer, err := manager.LoadModels(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to load models: %w", err)
	}
	allow, err := command.NewAllowList(cfg.Command.AllowedPeers)
	if err != nil {
		return err
	}
	source, err := manager.OpenSource(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open packet source: %w", err)
	}
	mgr, err := manager.NewManager(cfg, source, screener, confirmer, logger, m)
	if err != nil {
		source.Close()
		return fmt.Errorf("failed to create manager: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr.Start()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if cfg.Command.NATS.Enabled {
		srv, err := command.ServeNATS(cfg.Command.NATS.URL, cfg.Command.NATS.Subject, mgr.Commands())
		if err != nil {
			mgr.Stop()
			return fmt.Errorf("failed to start NATS control: %w", err)
		}
		defer srv.Close()
	}

	if cfg.Command.GRPC.Enabled {
		lis, err := net.Listen("tcp", cfg.Command.GRPC.ListenAddr)
		if err != nil {
			mgr.Stop()
			return fmt.Errorf("failed to listen for gRPC control: %w", err)
		}
		gs, health := command.NewGRPCServer(mgr.Commands(), allow)
		g.Go(func() error {
			logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC control server starting")
			return gs.Serve(lis)
		})
		g.Go(func() error {
			<-gctx.Done()
			health.Shutdown()
			gs.GracefulStop()
			return nil
		})
	}

	if cfg.API.Enabled {
		deps := api.Deps{
			Status:    mgr.Orchestrator(),
			Commands:  mgr.Commands(),
			Validator: mgr.Orchestrator(),
			Allow:     allow,
			Metrics:   m,
			Logger:    logger,
		}
		if events := mgr.Events(); events != nil {
			deps.Events = events
		}
		srv := api.NewServer(cfg.API.ListenAddr, deps)
		g.Go(srv.ListenAndServe)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Detector.Shutdown())
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if cfg.Command.Stdin {
		g.Go(func() error {
			return command.RunPrompt(gctx, mgr.Commands(), os.Stdin, os.Stdout)
		})
	}

	if cfg.Command.Signals {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2)
		defer signal.Stop(sigs)
		g.Go(func() error {
			command.RunSignals(gctx, mgr.Commands(), sigs, command.SignalMap{Cycle: syscall.SIGUSR1, Ping: syscall.SIGUSR2})
			return nil
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("Transport failed, shutting down")
	} else {
		logger.Info().Msg("Shutdown signal received, stopping detector...")
		err = nil
	}
	mgr.Stop()
	logger.Info().Msg("Shutdown complete.")
	return err
}
