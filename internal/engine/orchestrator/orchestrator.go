package orchestrator

import (
	"LinkGuard/internal/engine/window"
	"LinkGuard/internal/metrics"
	"LinkGuard/internal/model"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Options wires an Orchestrator. Either classifier may be nil when its
// artifact is not loaded; modes needing it then yield NoVerdict.
type Options struct {
	Buffer    *window.Buffer
	Modes     *ModeController
	Screener  model.Classifier
	Confirmer model.Classifier
	Worker    *ConfirmWorker
	Publisher EventPublisher
	// ConfirmEvery is the period, in cycles, of confirmer-only runs.
	ConfirmEvery int
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
}

// CycleReport describes the outcome of one detection cycle.
type CycleReport struct {
	WindowIndex uint64              `json:"window_index"`
	Mode        model.DetectionMode `json:"mode"`
	State       State               `json:"state"`
	Buffered    int                 `json:"buffered"`
	Required    int                 `json:"required"`
	// Event is the event emitted by the cycle itself, if any.
	Event *model.ThreatEvent `json:"event,omitempty"`
	// ConfirmationID names the job dispatched or referenced by this cycle.
	ConfirmationID string `json:"confirmation_id,omitempty"`
	Dispatched     bool   `json:"dispatched"`
	Suppressed     bool   `json:"suppressed"`
}

// Orchestrator runs one detection cycle per closed window.
type Orchestrator struct {
	opts   Options
	logger zerolog.Logger

	screenerTail  int
	confirmerTail int

	mu       sync.RWMutex
	state    State
	last     CycleReport
	periodic int
	hasLast  bool
}

// New validates the wiring and creates an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Buffer == nil || opts.Modes == nil || opts.Publisher == nil || opts.Metrics == nil {
		return nil, fmt.Errorf("orchestrator requires a buffer, mode controller, publisher and metrics")
	}
	if opts.Screener == nil && opts.Confirmer == nil {
		return nil, fmt.Errorf("orchestrator requires at least one classifier")
	}
	if opts.Confirmer != nil && opts.Worker == nil {
		return nil, fmt.Errorf("a confirmer needs a confirm worker")
	}
	if opts.ConfirmEvery <= 0 {
		opts.ConfirmEvery = 1
	}
	o := &Orchestrator{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "orchestrator").Logger(),
		state:  StateCollecting,
	}
	for _, c := range []model.Classifier{opts.Screener, opts.Confirmer} {
		if c == nil {
			continue
		}
		if c.TailLength() > opts.Buffer.Cap() {
			return nil, fmt.Errorf("%s tail length %d exceeds buffer capacity %d", c.Kind(), c.TailLength(), opts.Buffer.Cap())
		}
		if c.Kind() == model.Screener {
			o.screenerTail = c.TailLength()
		} else {
			o.confirmerTail = c.TailLength()
		}
	}
	return o, nil
}

// Available reports whether every classifier the mode needs is loaded.
func (o *Orchestrator) Available(mode model.DetectionMode) error {
	if mode.Requires(model.Screener) && o.opts.Screener == nil {
		return fmt.Errorf("mode %s needs the screener: %w", mode, model.ErrUnavailable)
	}
	if mode.Requires(model.Confirmer) && o.opts.Confirmer == nil {
		return fmt.Errorf("mode %s needs the confirmer: %w", mode, model.ErrUnavailable)
	}
	return nil
}

// Run executes a cycle for every sample until the channel is closed or ctx is done.
func (o *Orchestrator) Run(ctx context.Context, samples <-chan model.WindowSample) {
	o.logger.Info().Msg("Orchestrator started")
	for {
		select {
		case s, ok := <-samples:
			if !ok {
				o.logger.Info().Msg("Orchestrator stopped")
				return
			}
			o.RunCycle(ctx, s)
		case <-ctx.Done():
			o.logger.Info().Msg("Orchestrator stopped")
			return
		}
	}
}

// RunCycle performs one detection cycle for the window that produced sample.
// The mode is resolved once at the start and holds for the whole cycle.
func (o *Orchestrator) RunCycle(ctx context.Context, sample model.WindowSample) CycleReport {
	mode := o.opts.Modes.ModeFor(sample.CapturedAt)
	o.opts.Modes.Prune(sample.CapturedAt)
	report := CycleReport{
		WindowIndex: sample.Index,
		Mode:        mode,
		Buffered:    o.opts.Buffer.Len(),
		Required:    mode.MinTail(o.screenerTail, o.confirmerTail),
	}

	if err := o.Available(mode); err != nil {
		report.State = stateFor(mode)
		o.transition(report)
		e := model.NewThreatEvent(model.NoVerdict(err), mode, sample.Index, 0, mode.Driver())
		o.emit(&report, e)
		return o.finish(report)
	}

	if report.Buffered < report.Required {
		report.State = StateCollecting
		o.transition(report)
		o.logger.Debug().Int("have", report.Buffered).Int("need", report.Required).Msgf("Collecting %d/%d", report.Buffered, report.Required)
		return o.finish(report)
	}

	report.State = stateFor(mode)
	o.transition(report)

	switch {
	case mode.Policy == model.PolicyCascadingHybrid:
		o.runHybrid(ctx, sample, &report)
	case mode.Driver() == model.Screener:
		o.runScreener(ctx, sample, &report)
	case mode.Policy == model.PolicyConfirmerOnly:
		o.mu.Lock()
		due := o.periodic%o.opts.ConfirmEvery == 0
		o.periodic++
		o.mu.Unlock()
		if due {
			o.runConfirmer(sample, &report)
		}
	default:
		o.runConfirmer(sample, &report)
	}
	return o.finish(report)
}

func (o *Orchestrator) runScreener(ctx context.Context, sample model.WindowSample, report *CycleReport) {
	tail, _ := o.opts.Buffer.SnapshotTail(o.screenerTail)
	v, latency := o.classifyInline(ctx, model.Counts(tail))
	o.emit(report, model.NewThreatEvent(v, report.Mode, sample.Index, latency, model.Screener))
}

func (o *Orchestrator) runHybrid(ctx context.Context, sample model.WindowSample, report *CycleReport) {
	tail, _ := o.opts.Buffer.SnapshotTail(o.screenerTail)
	v, latency := o.classifyInline(ctx, model.Counts(tail))
	e := model.NewThreatEvent(v, report.Mode, sample.Index, latency, model.Screener)
	if v.Kind != model.VerdictAttack {
		o.emit(report, e)
		return
	}

	long, ok := o.opts.Buffer.SnapshotTail(o.confirmerTail)
	if !ok {
		e.Confirmation = model.ConfirmationUnavailable
		o.logger.Warn().Uint64("window", sample.Index).Int("have", len(long)).Int("need", o.confirmerTail).
			Msg("Not enough history to confirm screener alert")
		o.emit(report, e)
		return
	}

	id := uuid.NewString()
	held, reserved := o.opts.Worker.Reserve(id)
	switch {
	case reserved:
		e.Confirmation = model.ConfirmationPending
		e.ConfirmationID = id
		report.ConfirmationID = id
		report.Dispatched = true
		o.logger.Warn().Uint64("window", sample.Index).Stringer("verdict", v).Str("confirmation_id", id).
			Msg("Screener flagged attack, escalating to confirmer")
		o.emit(report, e)
		o.submit(Job{
			ID:          id,
			Tail:        model.Counts(long),
			WindowIndex: sample.Index,
			Mode:        report.Mode,
			Escalation:  true,
			Submitted:   time.Now(),
		})
	case held != "":
		e.Confirmation = model.ConfirmationPending
		e.ConfirmationID = held
		report.ConfirmationID = held
		report.Suppressed = true
		o.opts.Metrics.TriggersSuppressed.Inc()
		o.logger.Info().Uint64("window", sample.Index).Str("confirmation_id", held).
			Msg("Confirmation already in flight, trigger suppressed")
		o.emit(report, e)
	default:
		e.Confirmation = model.ConfirmationUnavailable
		o.emit(report, e)
	}
}

// runConfirmer dispatches a job over the long tail. An idle tail yields
// NoTraffic immediately without involving the worker.
func (o *Orchestrator) runConfirmer(sample model.WindowSample, report *CycleReport) {
	long, _ := o.opts.Buffer.SnapshotTail(o.confirmerTail)
	counts := model.Counts(long)
	if model.IsIdle(counts) {
		o.opts.Metrics.Verdicts.WithLabelValues(model.Confirmer.String(), model.VerdictNoTraffic.String()).Inc()
		o.emit(report, model.NewThreatEvent(model.NoTraffic(), report.Mode, sample.Index, 0, model.Confirmer))
		return
	}

	id := uuid.NewString()
	held, reserved := o.opts.Worker.Reserve(id)
	if !reserved {
		if held != "" {
			report.ConfirmationID = held
			report.Suppressed = true
			o.opts.Metrics.TriggersSuppressed.Inc()
			o.logger.Debug().Uint64("window", sample.Index).Str("confirmation_id", held).Msg("Confirmer busy, skipping cycle")
		}
		return
	}
	report.ConfirmationID = id
	report.Dispatched = true
	o.submit(Job{
		ID:          id,
		Tail:        counts,
		WindowIndex: sample.Index,
		Mode:        report.Mode,
		Submitted:   time.Now(),
	})
}

func (o *Orchestrator) submit(job Job) {
	if err := o.opts.Worker.Submit(job); err != nil {
		o.logger.Error().Err(err).Str("confirmation_id", job.ID).Msg("Failed to submit confirmation job")
	}
}

// classifyInline runs the screener on the orchestrator goroutine. Failures
// become NoVerdict.
func (o *Orchestrator) classifyInline(ctx context.Context, tail []uint32) (model.Verdict, time.Duration) {
	start := time.Now()
	v, err := safeClassify(ctx, o.opts.Screener, tail)
	latency := time.Since(start)
	kind := model.Screener.String()
	o.opts.Metrics.ClassifyLatency.WithLabelValues(kind).Observe(latency.Seconds())
	if err != nil {
		o.opts.Metrics.ClassifierFailures.WithLabelValues(kind).Inc()
		o.logger.Error().Err(err).Msg("Screener failed, no verdict for this cycle")
		v = model.NoVerdict(err)
	}
	o.opts.Metrics.Verdicts.WithLabelValues(kind, v.Kind.String()).Inc()
	return v, latency
}

func (o *Orchestrator) emit(report *CycleReport, e model.ThreatEvent) {
	report.Event = &e
	o.opts.Publisher.Publish(e)
}

// transition logs state changes and resets the periodic schedule when the
// confirmer-only state is entered.
func (o *Orchestrator) transition(report CycleReport) {
	o.mu.Lock()
	prev := o.state
	o.state = report.State
	if prev != report.State {
		o.periodic = 0
	}
	o.mu.Unlock()
	if prev == report.State {
		return
	}
	ev := o.logger.Info().Stringer("from", prev).Stringer("to", report.State).Stringer("mode", report.Mode)
	if report.State == StateCollecting {
		ev = ev.Int("have", report.Buffered).Int("need", report.Required)
	}
	ev.Msg("Detection state changed")
}

func (o *Orchestrator) finish(report CycleReport) CycleReport {
	o.opts.Metrics.Cycles.WithLabelValues(report.State.String()).Inc()
	o.mu.Lock()
	o.last = report
	o.hasLast = true
	o.mu.Unlock()
	return report
}

// Status is a point-in-time view of the orchestrator for diagnostics.
type Status struct {
	State         State               `json:"state"`
	Mode          model.DetectionMode `json:"mode"`
	Buffered      int                 `json:"buffered"`
	Capacity      int                 `json:"capacity"`
	Required      int                 `json:"required"`
	LastCycle     *CycleReport        `json:"last_cycle,omitempty"`
	InFlight      string              `json:"confirmation_in_flight,omitempty"`
	ScreenerTail  int                 `json:"screener_tail"`
	ConfirmerTail int                 `json:"confirmer_tail"`
}

// Status returns the current diagnostic view.
func (o *Orchestrator) Status() Status {
	mode := o.opts.Modes.Current()
	o.mu.RLock()
	st := Status{
		State:         o.state,
		Mode:          mode,
		Buffered:      o.opts.Buffer.Len(),
		Capacity:      o.opts.Buffer.Cap(),
		Required:      mode.MinTail(o.screenerTail, o.confirmerTail),
		ScreenerTail:  o.screenerTail,
		ConfirmerTail: o.confirmerTail,
	}
	if o.hasLast {
		last := o.last
		st.LastCycle = &last
	}
	o.mu.RUnlock()
	if o.opts.Worker != nil {
		st.InFlight = o.opts.Worker.InFlight()
	}
	return st
}
