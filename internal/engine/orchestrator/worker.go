package orchestrator

import (
	"LinkGuard/internal/metrics"
	"LinkGuard/internal/model"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// EventPublisher receives the events produced by detection cycles and
// confirmation jobs, in production order.
type EventPublisher interface {
	Publish(event model.ThreatEvent)
}

// PublisherFunc adapts a function to EventPublisher.
type PublisherFunc func(model.ThreatEvent)

func (f PublisherFunc) Publish(e model.ThreatEvent) { f(e) }

// Job is one Confirmer invocation.
type Job struct {
	ID          string
	Tail        []uint32
	WindowIndex uint64
	Mode        model.DetectionMode
	// Escalation marks a job triggered by a Screener attack; its result is
	// tagged confirmed or false-alarm.
	Escalation bool
	Submitted  time.Time
}

// ConfirmWorker runs Confirmer jobs on a dedicated goroutine. A single slot
// guarantees at most one job is queued or running at any time.
type ConfirmWorker struct {
	confirmer model.Classifier
	timeout   time.Duration
	publisher EventPublisher
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	jobs   chan Job
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	inFlight string
	closed   bool
	started  bool

	invocations atomic.Uint64
	pending     sync.WaitGroup
}

// NewConfirmWorker creates a worker. Start must be called before jobs run.
func NewConfirmWorker(confirmer model.Classifier, timeout time.Duration, publisher EventPublisher, logger zerolog.Logger, m *metrics.Metrics) *ConfirmWorker {
	ctx, cancel := context.WithCancel(context.Background())
	return &ConfirmWorker{
		confirmer: confirmer,
		timeout:   timeout,
		publisher: publisher,
		logger:    logger.With().Str("component", "confirm-worker").Logger(),
		metrics:   m,
		jobs:      make(chan Job, 1),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the worker goroutine.
func (w *ConfirmWorker) Start() {
	w.mu.Lock()
	w.started = true
	w.mu.Unlock()
	go w.run()
}

// Reserve claims the single job slot for id. When a job is already in flight
// it returns that job's ID and false. A drained worker returns "" and false.
func (w *ConfirmWorker) Reserve(id string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return "", false
	}
	if w.inFlight != "" {
		return w.inFlight, false
	}
	w.inFlight = id
	w.metrics.ConfirmInFlight.Set(1)
	return id, true
}

// Submit hands a job whose ID holds the reserved slot to the worker.
func (w *ConfirmWorker) Submit(job Job) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inFlight != job.ID {
		return fmt.Errorf("job %s does not hold the confirmation slot", job.ID)
	}
	if w.closed {
		w.releaseLocked()
		return fmt.Errorf("confirm worker is drained")
	}
	w.pending.Add(1)
	select {
	case w.jobs <- job:
		return nil
	default:
		w.pending.Done()
		w.releaseLocked()
		return fmt.Errorf("confirmation queue unexpectedly full")
	}
}

// InFlight returns the ID of the job holding the slot, or "".
func (w *ConfirmWorker) InFlight() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inFlight
}

// Invocations counts Confirmer calls made by this worker.
func (w *ConfirmWorker) Invocations() uint64 {
	return w.invocations.Load()
}

// Wait blocks until every submitted job has published its event.
func (w *ConfirmWorker) Wait() {
	w.pending.Wait()
}

// Drain stops accepting jobs and waits for the running one. After timeout the
// running job is cancelled, reported as abandoned, and an error is returned.
func (w *ConfirmWorker) Drain(timeout time.Duration) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.jobs)
	started := w.started
	w.mu.Unlock()
	if !started {
		w.cancel()
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.done:
		w.cancel()
		return nil
	case <-timer.C:
	}
	w.cancel()
	select {
	case <-w.done:
	case <-time.After(timeout):
		w.logger.Error().Str("confirmation_id", w.InFlight()).Msg("Confirmer ignored cancellation, leaving job behind")
	}
	return fmt.Errorf("confirmation job abandoned after %s shutdown timeout", timeout)
}

func (w *ConfirmWorker) run() {
	defer close(w.done)
	for job := range w.jobs {
		w.execute(job)
	}
}

func (w *ConfirmWorker) execute(job Job) {
	defer w.pending.Done()
	ctx, cancel := context.WithTimeout(w.ctx, w.timeout)
	defer cancel()

	start := time.Now()
	w.invocations.Add(1)
	v, err := safeClassify(ctx, w.confirmer, job.Tail)
	latency := time.Since(start)
	w.metrics.ClassifyLatency.WithLabelValues(model.Confirmer.String()).Observe(latency.Seconds())

	w.mu.Lock()
	w.releaseLocked()
	w.mu.Unlock()

	event := model.NewThreatEvent(v, job.Mode, job.WindowIndex, latency, model.Confirmer)
	event.ConfirmationID = job.ID
	log := w.logger.With().Str("confirmation_id", job.ID).Uint64("window", job.WindowIndex).Dur("latency", latency).Logger()

	var outcome string
	switch {
	case err != nil && (ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded)):
		event.Verdict = model.NoVerdict(err)
		event.Confirmation = model.ConfirmationAbandoned
		outcome = "abandoned"
		log.Warn().Err(err).Msg("Confirmation job abandoned")
	case err != nil:
		event.Verdict = model.NoVerdict(err)
		w.metrics.ClassifierFailures.WithLabelValues(model.Confirmer.String()).Inc()
		outcome = "failed"
		if job.Escalation {
			event.Confirmation = model.ConfirmationFailed
		}
		log.Error().Err(err).Msg("Confirmer failed")
	case job.Escalation && v.Kind == model.VerdictAttack:
		event.Confirmation = model.ConfirmationConfirmed
		outcome = "confirmed"
		log.Warn().Stringer("verdict", v).Int("threat_level", v.ThreatLevel()).Msg("Attack confirmed")
	case job.Escalation:
		event.Confirmation = model.ConfirmationFalseAlarm
		outcome = "false-alarm"
		log.Info().Stringer("verdict", v).Msg("Screener alert refuted")
	default:
		outcome = v.Kind.String()
		log.Info().Stringer("verdict", v).Msg("Periodic confirmation completed")
	}
	w.metrics.ConfirmationsTotal.WithLabelValues(outcome).Inc()
	w.metrics.Verdicts.WithLabelValues(model.Confirmer.String(), event.Verdict.Kind.String()).Inc()
	w.publisher.Publish(event)
}

func (w *ConfirmWorker) releaseLocked() {
	w.inFlight = ""
	w.metrics.ConfirmInFlight.Set(0)
}

// safeClassify enforces the no-traffic invariant and converts a classifier
// panic into an error.
func safeClassify(ctx context.Context, c model.Classifier, tail []uint32) (v model.Verdict, err error) {
	if model.IsIdle(tail) {
		return model.NoTraffic(), nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", c.Kind(), r)
		}
	}()
	return c.Classify(ctx, tail)
}
