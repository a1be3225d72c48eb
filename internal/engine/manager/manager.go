package manager

import (
	"LinkGuard/internal/alerter"
	"LinkGuard/internal/command"
	"LinkGuard/internal/config"
	"LinkGuard/internal/engine/classifier"
	"LinkGuard/internal/engine/collector"
	"LinkGuard/internal/engine/orchestrator"
	"LinkGuard/internal/engine/protocol"
	"LinkGuard/internal/engine/window"
	"LinkGuard/internal/factory"
	"LinkGuard/internal/metrics"
	"LinkGuard/internal/model"
	"LinkGuard/internal/probe"
	"LinkGuard/internal/probe/live"
	"LinkGuard/internal/sink"
	"LinkGuard/pkg/pcap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Source is a packet source with a release hook.
type Source struct {
	model.PacketSource
	Close func()
}

// OpenSource opens the packet source named by the config.
func OpenSource(cfg *config.Config, logger zerolog.Logger) (*Source, error) {
	switch cfg.Source.Type {
	case "live":
		s, err := live.Open(cfg.Source, logger)
		if err != nil {
			return nil, err
		}
		return &Source{PacketSource: s, Close: s.Close}, nil
	case "nats":
		sub, err := probe.NewSubscriber(config.ProbeConfig{NATSURL: cfg.Source.NATSURL, Subject: cfg.Source.Subject}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to probe bus: %w", err)
		}
		if err := sub.Start(); err != nil {
			sub.Close()
			return nil, err
		}
		return &Source{PacketSource: sub, Close: sub.Close}, nil
	case "replay":
		reader, err := pcap.NewReader(cfg.Source.PcapFile, protocol.Matcher{Port: cfg.Source.Port, AcceptV1: cfg.Source.AcceptV1})
		if err != nil {
			return nil, err
		}
		defer reader.Close()
		samples, err := reader.WindowCounts(cfg.Detector.Window())
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", cfg.Source.PcapFile, err)
		}
		logger.Info().Str("file", cfg.Source.PcapFile).Int("windows", len(samples)).Msg("Replaying capture")
		replay := pcap.NewReplaySource(samples)
		closeFn := func() {
			if !replay.Exhausted() {
				logger.Info().Str("file", cfg.Source.PcapFile).Msg("Replay stopped before the end of the capture")
			}
		}
		return &Source{PacketSource: replay, Close: closeFn}, nil
	default:
		return nil, fmt.Errorf("unknown source type %q", cfg.Source.Type)
	}
}

// LoadModels loads the classifier artifacts. An artifact the initial mode
// needs must load; any other failure leaves that classifier unavailable.
func LoadModels(cfg *config.Config, logger zerolog.Logger) (screener, confirmer model.Classifier, err error) {
	initial := cfg.Detector.Mode()
	load := func(kind model.ClassifierKind, path string) (model.Classifier, error) {
		if path == "" {
			if initial.Requires(kind) {
				return nil, fmt.Errorf("no %s artifact configured but mode %s needs it", kind, initial)
			}
			logger.Warn().Stringer("classifier", kind).Msg("No artifact configured, classifier unavailable")
			return nil, nil
		}
		c, err := classifier.Load(kind, path)
		if err != nil {
			if initial.Requires(kind) {
				return nil, err
			}
			logger.Error().Err(err).Stringer("classifier", kind).Msg("Failed to load optional model, classifier unavailable")
			return nil, nil
		}
		logger.Info().
			Stringer("classifier", kind).
			Str("path", path).
			Str("version", c.Version()).
			Int("tail", c.TailLength()).
			Msg("Model loaded")
		return c, nil
	}
	if screener, err = load(model.Screener, cfg.Screener.Path); err != nil {
		return nil, nil, err
	}
	if confirmer, err = load(model.Confirmer, cfg.Confirmer.Path); err != nil {
		return nil, nil, err
	}
	return screener, confirmer, nil
}

// Manager owns the detection pipeline: collector, orchestrator, confirm
// worker, command channel and alerter.
type Manager struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *metrics.Metrics

	source    *Source
	buffer    *window.Buffer
	modes     *orchestrator.ModeController
	collector *collector.Collector
	worker    *orchestrator.ConfirmWorker
	orch      *orchestrator.Orchestrator
	commands  *command.Channel
	alerter   *alerter.Alerter
	memory    *sink.MemorySink

	collectorCancel context.CancelFunc
	commandsCancel  context.CancelFunc
	collectorDone   chan struct{}
	orchDone        chan struct{}
	commandsDone    chan struct{}
	stopOnce        sync.Once
}

// NewManager wires the pipeline around an opened source and loaded models.
// At least one classifier must be non-nil.
func NewManager(cfg *config.Config, source *Source, screener, confirmer model.Classifier, logger zerolog.Logger, m *metrics.Metrics) (_ *Manager, err error) {
	buffer, err := window.NewBuffer(cfg.Detector.BufferCapacity)
	if err != nil {
		return nil, err
	}
	mgr := &Manager{
		cfg:           cfg,
		logger:        logger.With().Str("component", "manager").Logger(),
		metrics:       m,
		source:        source,
		buffer:        buffer,
		modes:         orchestrator.NewModeController(cfg.Detector.Mode()),
		collectorDone: make(chan struct{}),
		orchDone:      make(chan struct{}),
		commandsDone:  make(chan struct{}),
	}

	sinkCfg := cfg.Alerter
	if cfg.API.Enabled && !hasSink(sinkCfg, "memory") {
		sinkCfg.Sinks = append(append([]config.SinkConfig(nil), sinkCfg.Sinks...), config.SinkConfig{Type: "memory"})
	}
	sinks, err := factory.CreateSinks(sinkCfg, logger)
	if err != nil {
		return nil, err
	}
	// Sinks hold open connections; release them if the rest of the wiring fails.
	defer func() {
		if err != nil {
			if cerr := factory.CloseSinks(sinks); cerr != nil {
				logger.Warn().Err(cerr).Msg("Failed to close sinks after setup error")
			}
		}
	}()
	for _, s := range sinks {
		if mem, ok := s.(*sink.MemorySink); ok {
			mgr.memory = mem
		}
	}
	if mgr.alerter, err = alerter.New(sinkCfg, sinks, logger, m); err != nil {
		return nil, err
	}

	if confirmer != nil {
		mgr.worker = orchestrator.NewConfirmWorker(confirmer, cfg.Confirmer.JobTimeout(), mgr.alerter, logger, m)
	}
	mgr.orch, err = orchestrator.New(orchestrator.Options{
		Buffer:       buffer,
		Modes:        mgr.modes,
		Screener:     screener,
		Confirmer:    confirmer,
		Worker:       mgr.worker,
		Publisher:    mgr.alerter,
		ConfirmEvery: cfg.Confirmer.Every,
		Logger:       logger,
		Metrics:      m,
	})
	if err != nil {
		return nil, err
	}
	if err = mgr.orch.Available(cfg.Detector.Mode()); err != nil {
		return nil, fmt.Errorf("initial mode: %w", err)
	}

	mgr.collector, err = collector.New(source, buffer, cfg.Detector.Window(), cfg.Detector.NotifyBuffer, logger, m)
	if err != nil {
		return nil, err
	}
	mgr.commands = command.New(mgr.modes, mgr.orch, cfg.Command.RateLimit, cfg.Command.Burst, logger, m)
	return mgr, nil
}

func hasSink(cfg config.AlerterConfig, kind string) bool {
	for _, s := range cfg.Sinks {
		if s.Type == kind {
			return true
		}
	}
	return false
}

// Start launches every pipeline goroutine.
func (m *Manager) Start() {
	m.alerter.Start()
	if m.worker != nil {
		m.worker.Start()
	}

	var ctx context.Context
	ctx, m.commandsCancel = context.WithCancel(context.Background())
	go func() {
		defer close(m.commandsDone)
		m.commands.Run(ctx)
	}()

	go func() {
		defer close(m.orchDone)
		// Ends when the collector closes its sample channel.
		m.orch.Run(context.Background(), m.collector.Samples())
	}()

	var collectorCtx context.Context
	collectorCtx, m.collectorCancel = context.WithCancel(context.Background())
	go func() {
		defer close(m.collectorDone)
		m.collector.Run(collectorCtx)
	}()

	m.logger.Info().
		Stringer("mode", m.modes.Current()).
		Dur("window", m.cfg.Detector.Window()).
		Int("buffer_capacity", m.buffer.Cap()).
		Msg("Manager started")
}

// Stop shuts the pipeline down: collector, orchestrator, pending
// confirmation, alert delivery, then the command channel.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.logger.Info().Msg("Manager stopping...")

		m.collectorCancel()
		<-m.collectorDone
		m.logger.Info().Msg("Collector stopped")

		<-m.orchDone

		if m.worker != nil {
			if err := m.worker.Drain(m.cfg.Detector.Shutdown()); err != nil {
				m.logger.Warn().Err(err).Msg("Confirmation abandoned at shutdown")
			}
		}

		m.alerter.Stop()

		m.commands.Close()
		m.commandsCancel()
		<-m.commandsDone

		if m.source.Close != nil {
			m.source.Close()
		}
		m.logger.Info().Uint64("windows", m.buffer.Total()).Msg("Manager stopped")
	})
}

// Commands is the operator command channel.
func (m *Manager) Commands() *command.Channel { return m.commands }

// Orchestrator exposes status and mode availability.
func (m *Manager) Orchestrator() *orchestrator.Orchestrator { return m.orch }

// Events returns the recent-events store, or nil when none is configured.
func (m *Manager) Events() *sink.MemorySink { return m.memory }

// ShutdownTimeout is the bound applied to each shutdown step.
func (m *Manager) ShutdownTimeout() time.Duration { return m.cfg.Detector.Shutdown() }
