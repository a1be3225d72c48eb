package alerter

import (
	"LinkGuard/internal/config"
	"LinkGuard/internal/metrics"
	"LinkGuard/internal/model"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// attemptTimeout bounds a single Ingest call.
const attemptTimeout = 5 * time.Second

// Alerter delivers threat events to every configured sink. Events reach each
// sink in the order they were published; a failed delivery is retried with a
// doubling backoff up to the configured limit and then dropped.
//
// Published events are kept in an unbounded ordered backlog until every sink
// has been offered them. queue_size is a high-water mark: crossing it is
// logged, but no event is discarded while the alerter runs.
type Alerter struct {
	sinks      []model.AlertSink
	maxRetries int
	backoff    time.Duration
	highWater  int

	mu          sync.Mutex
	pending     []model.ThreatEvent
	backlog     int
	overflowing bool
	stopped     bool
	wake        chan struct{}

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New creates an Alerter for the given sinks. Call Start before publishing.
func New(cfg config.AlerterConfig, sinks []model.AlertSink, logger zerolog.Logger, m *metrics.Metrics) (*Alerter, error) {
	if len(sinks) == 0 {
		return nil, fmt.Errorf("alerter needs at least one sink")
	}
	if cfg.QueueSize <= 0 {
		return nil, fmt.Errorf("alerter queue_size must be positive, got %d", cfg.QueueSize)
	}
	return &Alerter{
		sinks:      sinks,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff(),
		highWater:  cfg.QueueSize,
		wake:       make(chan struct{}, 1),
		stopChan:   make(chan struct{}),
		logger:     logger.With().Str("component", "alerter").Logger(),
		metrics:    m,
	}, nil
}

// Start launches the dispatch loop.
func (a *Alerter) Start() {
	names := make([]string, len(a.sinks))
	for i, s := range a.sinks {
		names[i] = s.Name()
	}
	a.logger.Info().Strs("sinks", names).Msg("Alerter started")

	a.wg.Add(1)
	go a.run()
}

// Publish appends an event to the backlog and wakes the dispatch loop. It
// never blocks on a sink. Events published after Stop are dropped and counted.
func (a *Alerter) Publish(event model.ThreatEvent) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		a.metrics.EventsDropped.WithLabelValues("queue").Inc()
		a.logger.Warn().Str("event_id", event.ID).Msg("Event published after stop, dropped")
		return
	}
	a.pending = append(a.pending, event)
	a.backlog++
	backlog := a.backlog
	crossed := backlog > a.highWater && !a.overflowing
	if crossed {
		a.overflowing = true
	}
	a.mu.Unlock()

	a.metrics.AlerterQueueLength.Set(float64(backlog))
	if crossed {
		a.logger.Warn().Int("backlog", backlog).Int("queue_size", a.highWater).Msg("Sinks are falling behind, alert backlog above queue size")
	}
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Backlog returns the number of published events not yet offered to every sink.
func (a *Alerter) Backlog() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.backlog
}

// Stop delivers everything already published, then closes the sinks.
func (a *Alerter) Stop() {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		a.stopped = true
		pending := a.backlog
		a.mu.Unlock()
		a.logger.Info().Int("pending", pending).Msg("Stopping alerter...")
		close(a.stopChan)
		a.wg.Wait()

		for _, s := range a.sinks {
			if err := s.Close(); err != nil {
				a.logger.Warn().Err(err).Str("sink", s.Name()).Msg("Failed to close sink")
			}
		}
		a.logger.Info().Msg("Alerter stopped")
	})
}

func (a *Alerter) run() {
	defer a.wg.Done()
	for {
		select {
		case <-a.wake:
			a.flush()
		case <-a.stopChan:
			// Publish no longer appends, so one flush empties the backlog.
			a.flush()
			return
		}
	}
}

// flush dispatches backlog batches oldest first until the backlog is empty.
func (a *Alerter) flush() {
	for {
		a.mu.Lock()
		batch := a.pending
		a.pending = nil
		a.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, event := range batch {
			a.dispatch(event)
			a.mu.Lock()
			a.backlog--
			backlog := a.backlog
			if backlog == 0 {
				a.overflowing = false
			}
			a.mu.Unlock()
			a.metrics.AlerterQueueLength.Set(float64(backlog))
		}
	}
}

func (a *Alerter) dispatch(event model.ThreatEvent) {
	for _, s := range a.sinks {
		if err := a.deliver(s, event); err != nil {
			a.metrics.EventsDropped.WithLabelValues(s.Name()).Inc()
			a.logger.Error().Err(err).
				Str("sink", s.Name()).
				Str("event_id", event.ID).
				Int("attempts", a.maxRetries+1).
				Msg("Event dropped after retries")
			continue
		}
		a.metrics.EventsDelivered.WithLabelValues(s.Name()).Inc()
	}
}

func (a *Alerter) deliver(s model.AlertSink, event model.ThreatEvent) error {
	wait := a.backoff
	var err error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if attempt > 0 {
			a.logger.Debug().Err(err).Str("sink", s.Name()).Int("attempt", attempt).Dur("backoff", wait).Msg("Retrying delivery")
			time.Sleep(wait)
			wait *= 2
		}
		ctx, cancel := context.WithTimeout(context.Background(), attemptTimeout)
		err = s.Ingest(ctx, event)
		cancel()
		if err == nil {
			return nil
		}
	}
	return err
}
