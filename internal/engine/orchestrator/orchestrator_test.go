package orchestrator

import (
	"LinkGuard/internal/engine/classifier"
	"LinkGuard/internal/engine/window"
	"LinkGuard/internal/metrics"
	"LinkGuard/internal/model"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClassifier returns a scripted verdict and counts invocations. When
// release is set each call waits for a value from it.
type fakeClassifier struct {
	kind    model.ClassifierKind
	tail    int
	verdict func(tail []uint32) (model.Verdict, error)
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
}

func (f *fakeClassifier) Kind() model.ClassifierKind { return f.kind }
func (f *fakeClassifier) TailLength() int            { return f.tail }
func (f *fakeClassifier) Version() string            { return "fake" }

func (f *fakeClassifier) Classify(ctx context.Context, tail []uint32) (model.Verdict, error) {
	f.calls.Add(1)
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return model.Verdict{}, ctx.Err()
		}
	}
	return f.verdict(tail)
}

// lastCountScreener flags an attack when the newest count drops below 22.
func lastCountScreener() *fakeClassifier {
	return &fakeClassifier{kind: model.Screener, tail: 5, verdict: func(tail []uint32) (model.Verdict, error) {
		if tail[len(tail)-1] < 22 {
			return model.Attack(0.88), nil
		}
		return model.Normal(0.88), nil
	}}
}

func constantConfirmer(v model.Verdict) *fakeClassifier {
	return &fakeClassifier{kind: model.Confirmer, tail: 20, verdict: func([]uint32) (model.Verdict, error) {
		return v, nil
	}}
}

type recorder struct {
	mu     sync.Mutex
	events []model.ThreatEvent
	ch     chan model.ThreatEvent
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan model.ThreatEvent, 64)}
}

func (r *recorder) Publish(e model.ThreatEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	r.ch <- e
}

func (r *recorder) next(t *testing.T) model.ThreatEvent {
	t.Helper()
	select {
	case e := <-r.ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return model.ThreatEvent{}
	}
}

type harness struct {
	buf    *window.Buffer
	modes  *ModeController
	worker *ConfirmWorker
	orch   *Orchestrator
	rec    *recorder
	next   uint64
	m      *metrics.Metrics
}

func newHarness(t *testing.T, mode model.DetectionMode, screener, confirmer model.Classifier, every int, timeout time.Duration) *harness {
	t.Helper()
	buf, err := window.NewBuffer(64)
	require.NoError(t, err)
	h := &harness{buf: buf, modes: NewModeController(mode), rec: newRecorder(), m: metrics.New()}
	if confirmer != nil {
		h.worker = NewConfirmWorker(confirmer, timeout, h.rec, zerolog.Nop(), h.m)
		h.worker.Start()
		t.Cleanup(func() { h.worker.Drain(time.Second) })
	}
	h.orch, err = New(Options{
		Buffer:       buf,
		Modes:        h.modes,
		Screener:     screener,
		Confirmer:    confirmer,
		Worker:       h.worker,
		Publisher:    h.rec,
		ConfirmEvery: every,
		Logger:       zerolog.Nop(),
		Metrics:      h.m,
	})
	require.NoError(t, err)
	return h
}

// feed appends counts to the buffer and returns the last appended sample.
func (h *harness) feed(t *testing.T, counts ...uint32) model.WindowSample {
	t.Helper()
	var s model.WindowSample
	for _, c := range counts {
		h.next++
		s = model.WindowSample{Index: h.next, Count: c, CapturedAt: time.Now()}
		require.NoError(t, h.buf.Append(s))
	}
	return s
}

func (h *harness) cycle(t *testing.T, counts ...uint32) CycleReport {
	t.Helper()
	return h.orch.RunCycle(context.Background(), h.feed(t, counts...))
}

func repeat(v uint32, n int) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestNewRejectsTailLongerThanBuffer(t *testing.T) {
	buf, _ := window.NewBuffer(10)
	_, err := New(Options{
		Buffer: buf, Modes: NewModeController(model.ModeScreenerOnly), Publisher: newRecorder(),
		Screener: &fakeClassifier{kind: model.Screener, tail: 11}, Metrics: metrics.New(),
	})
	assert.Error(t, err)
}

func TestCollectingGate(t *testing.T) {
	s := lastCountScreener()
	h := newHarness(t, model.ModeScreenerOnly, s, nil, 1, time.Second)

	for i := 1; i < 5; i++ {
		r := h.cycle(t, 30)
		assert.Equal(t, StateCollecting, r.State)
		assert.Equal(t, i, r.Buffered)
		assert.Equal(t, 5, r.Required)
		assert.Nil(t, r.Event)
	}
	assert.Equal(t, int32(0), s.calls.Load())

	r := h.cycle(t, 30)
	assert.Equal(t, StateScreenerOnly, r.State)
	require.NotNil(t, r.Event)
	assert.Equal(t, model.VerdictNormal, r.Event.Verdict.Kind)
	assert.Equal(t, int32(1), s.calls.Load())
}

func TestCollectingGateForConfirmerModes(t *testing.T) {
	c := constantConfirmer(model.Attack(0.9))
	h := newHarness(t, model.ModeConfirmerOnly, nil, c, 1, time.Second)

	for i := 0; i < 19; i++ {
		assert.Equal(t, StateCollecting, h.cycle(t, 10).State)
	}
	assert.Equal(t, int32(0), c.calls.Load())

	r := h.cycle(t, 10)
	assert.Equal(t, StateConfirmerOnly, r.State)
	assert.True(t, r.Dispatched)
	e := h.rec.next(t)
	assert.Equal(t, model.VerdictAttack, e.Verdict.Kind)
	assert.Equal(t, model.ConfirmationNone, e.Confirmation)
	assert.Equal(t, r.ConfirmationID, e.ConfirmationID)
}

func TestNoTrafficInEveryMode(t *testing.T) {
	for _, mode := range model.AllModes {
		t.Run(mode.String(), func(t *testing.T) {
			s := lastCountScreener()
			c := constantConfirmer(model.Attack(0.99))
			h := newHarness(t, mode, s, c, 1, time.Second)

			h.feed(t, repeat(0, 19)...)
			r := h.cycle(t, 0)
			require.NotNil(t, r.Event)
			assert.Equal(t, model.VerdictNoTraffic, r.Event.Verdict.Kind)
			assert.False(t, r.Dispatched)
			assert.Equal(t, int32(0), s.calls.Load())
			assert.Equal(t, int32(0), c.calls.Load())
		})
	}
}

func TestCascadingTriggerLaw(t *testing.T) {
	s := lastCountScreener()
	c := constantConfirmer(model.Attack(0.97))
	h := newHarness(t, model.ModeCascadingHybrid, s, c, 1, time.Second)
	h.feed(t, repeat(30, 19)...)

	r := h.cycle(t, 30)
	assert.Equal(t, StateCascadingHybrid, r.State)
	assert.Equal(t, model.VerdictNormal, r.Event.Verdict.Kind)
	assert.False(t, r.Dispatched)
	assert.Equal(t, model.ConfirmationNone, h.rec.next(t).Confirmation)

	r = h.cycle(t, 14)
	require.True(t, r.Dispatched)
	pending := h.rec.next(t)
	assert.Equal(t, model.VerdictAttack, pending.Verdict.Kind)
	assert.Equal(t, model.Screener, pending.Classifier)
	assert.Equal(t, model.ConfirmationPending, pending.Confirmation)
	assert.Equal(t, r.ConfirmationID, pending.ConfirmationID)

	confirmed := h.rec.next(t)
	assert.Equal(t, model.Confirmer, confirmed.Classifier)
	assert.Equal(t, model.ConfirmationConfirmed, confirmed.Confirmation)
	assert.Equal(t, r.ConfirmationID, confirmed.ConfirmationID)
	assert.Equal(t, int32(1), c.calls.Load())
	assert.Equal(t, int32(2), s.calls.Load())
}

func TestCascadingFalseAlarm(t *testing.T) {
	h := newHarness(t, model.ModeCascadingHybrid, lastCountScreener(), constantConfirmer(model.Normal(0.8)), 1, time.Second)
	h.feed(t, repeat(30, 19)...)

	h.cycle(t, 12)
	assert.Equal(t, model.ConfirmationPending, h.rec.next(t).Confirmation)
	e := h.rec.next(t)
	assert.Equal(t, model.ConfirmationFalseAlarm, e.Confirmation)
	assert.False(t, e.IsAlert())
}

func TestWorkerWaitReturnsAfterPublish(t *testing.T) {
	h := newHarness(t, model.ModeCascadingHybrid, lastCountScreener(), constantConfirmer(model.Attack(0.9)), 1, time.Second)
	h.feed(t, repeat(30, 19)...)

	h.cycle(t, 10)
	h.worker.Wait()
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	require.Len(t, h.rec.events, 2)
	assert.Equal(t, model.ConfirmationConfirmed, h.rec.events[1].Confirmation)
}

func TestInFlightConfirmationSuppressesTriggers(t *testing.T) {
	c := constantConfirmer(model.Attack(0.95))
	c.started = make(chan struct{}, 4)
	c.release = make(chan struct{})
	h := newHarness(t, model.ModeCascadingHybrid, lastCountScreener(), c, 1, 5*time.Second)
	h.feed(t, repeat(30, 19)...)

	first := h.cycle(t, 14)
	require.True(t, first.Dispatched)
	<-c.started

	second := h.cycle(t, 13)
	assert.False(t, second.Dispatched)
	assert.True(t, second.Suppressed)
	assert.Equal(t, first.ConfirmationID, second.ConfirmationID)

	e1, e2 := h.rec.next(t), h.rec.next(t)
	assert.Equal(t, first.ConfirmationID, e1.ConfirmationID)
	assert.Equal(t, first.ConfirmationID, e2.ConfirmationID)
	assert.Equal(t, model.ConfirmationPending, e2.Confirmation)

	close(c.release)
	done := h.rec.next(t)
	assert.Equal(t, model.ConfirmationConfirmed, done.Confirmation)
	assert.Equal(t, first.ConfirmationID, done.ConfirmationID)
	assert.Equal(t, int32(1), c.calls.Load())
	assert.Equal(t, 1.0, metrics.Value(h.m.TriggersSuppressed))
}

func TestUnconfirmableWhenHistoryTooShort(t *testing.T) {
	c := constantConfirmer(model.Attack(0.95))
	h := newHarness(t, model.ModeCascadingHybrid, lastCountScreener(), c, 1, time.Second)
	h.feed(t, 30, 30, 30, 30)

	r := h.cycle(t, 10)
	assert.False(t, r.Dispatched)
	require.NotNil(t, r.Event)
	assert.Equal(t, model.ConfirmationUnavailable, r.Event.Confirmation)
	assert.Equal(t, model.VerdictAttack, r.Event.Verdict.Kind)
	assert.Equal(t, int32(0), c.calls.Load())
}

func TestConfirmerOnlyRunsPeriodically(t *testing.T) {
	c := constantConfirmer(model.Normal(0.9))
	h := newHarness(t, model.ModeConfirmerOnly, nil, c, 3, time.Second)
	h.feed(t, repeat(30, 19)...)

	var dispatched []bool
	for i := 0; i < 7; i++ {
		r := h.cycle(t, 30)
		dispatched = append(dispatched, r.Dispatched)
		if r.Dispatched {
			h.rec.next(t)
		}
	}
	assert.Equal(t, []bool{true, false, false, true, false, false, true}, dispatched)
}

func TestManualConfirmerRunsEveryCycle(t *testing.T) {
	c := constantConfirmer(model.Normal(0.9))
	h := newHarness(t, model.ModeManualConfirmer, lastCountScreener(), c, 10, time.Second)
	h.feed(t, repeat(30, 19)...)

	for i := 0; i < 3; i++ {
		r := h.cycle(t, 30)
		assert.Equal(t, StateManualFixed, r.State)
		assert.True(t, r.Dispatched)
		h.rec.next(t)
	}
	assert.Equal(t, int32(3), c.calls.Load())
}

func TestClassifierPanicBecomesNoVerdict(t *testing.T) {
	s := &fakeClassifier{kind: model.Screener, tail: 5, verdict: func([]uint32) (model.Verdict, error) {
		panic("malformed tensor shape")
	}}
	h := newHarness(t, model.ModeScreenerOnly, s, nil, 1, time.Second)
	h.feed(t, 1, 2, 3, 4)

	r := h.cycle(t, 5)
	require.NotNil(t, r.Event)
	assert.Equal(t, model.VerdictNoVerdict, r.Event.Verdict.Kind)
	assert.Contains(t, r.Event.Verdict.Cause, "malformed tensor shape")
	assert.Equal(t, 1.0, metrics.Value(h.m.ClassifierFailures.WithLabelValues("screener")))

	// the pipeline keeps running
	r = h.cycle(t, 6)
	assert.Equal(t, model.VerdictNoVerdict, r.Event.Verdict.Kind)
}

func TestClassifierErrorBecomesNoVerdict(t *testing.T) {
	s := &fakeClassifier{kind: model.Screener, tail: 5, verdict: func([]uint32) (model.Verdict, error) {
		return model.Verdict{}, errors.New("bad input")
	}}
	h := newHarness(t, model.ModeScreenerOnly, s, nil, 1, time.Second)
	r := h.cycle(t, 1, 2, 3, 4, 5)
	assert.Equal(t, model.NoVerdict(errors.New("bad input")), r.Event.Verdict)
}

func TestConfirmationTimeoutIsAbandoned(t *testing.T) {
	c := constantConfirmer(model.Attack(0.95))
	c.release = make(chan struct{})
	h := newHarness(t, model.ModeCascadingHybrid, lastCountScreener(), c, 1, 20*time.Millisecond)
	h.feed(t, repeat(30, 19)...)

	r := h.cycle(t, 14)
	require.True(t, r.Dispatched)
	h.rec.next(t)
	e := h.rec.next(t)
	assert.Equal(t, model.ConfirmationAbandoned, e.Confirmation)
	assert.Equal(t, model.VerdictNoVerdict, e.Verdict.Kind)
	assert.Equal(t, r.ConfirmationID, e.ConfirmationID)
	assert.Eventually(t, func() bool { return h.worker.InFlight() == "" }, time.Second, 5*time.Millisecond)

	// the slot is free again
	r = h.cycle(t, 14)
	assert.True(t, r.Dispatched)
}

func TestConfirmerErrorIsTaggedFailed(t *testing.T) {
	c := &fakeClassifier{kind: model.Confirmer, tail: 20, verdict: func([]uint32) (model.Verdict, error) {
		return model.Verdict{}, errors.New("corrupt tail")
	}}
	h := newHarness(t, model.ModeCascadingHybrid, lastCountScreener(), c, 1, time.Second)
	h.feed(t, repeat(30, 19)...)

	r := h.cycle(t, 14)
	require.True(t, r.Dispatched)
	assert.Equal(t, model.ConfirmationPending, h.rec.next(t).Confirmation)
	e := h.rec.next(t)
	assert.Equal(t, model.ConfirmationFailed, e.Confirmation)
	assert.NotEqual(t, model.ConfirmationAbandoned, e.Confirmation)
	assert.Equal(t, model.VerdictNoVerdict, e.Verdict.Kind)
	assert.Equal(t, r.ConfirmationID, e.ConfirmationID)
	assert.Equal(t, 1.0, metrics.Value(h.m.ConfirmationsTotal.WithLabelValues("failed")))
}

func TestUnavailableClassifierYieldsNoVerdict(t *testing.T) {
	h := newHarness(t, model.ModeConfirmerOnly, lastCountScreener(), nil, 1, time.Second)
	assert.True(t, errors.Is(h.orch.Available(model.ModeCascadingHybrid), model.ErrUnavailable))
	assert.NoError(t, h.orch.Available(model.ModeManualScreener))

	r := h.cycle(t, 1, 2, 3, 4, 5)
	require.NotNil(t, r.Event)
	assert.Equal(t, model.VerdictNoVerdict, r.Event.Verdict.Kind)
}

func TestModeSwitchTiming(t *testing.T) {
	mc := NewModeController(model.ModeScreenerOnly)
	t0 := time.Now()
	prev := mc.Set(model.ModeConfirmerOnly, t0)
	assert.Equal(t, model.ModeScreenerOnly, prev)

	assert.Equal(t, model.ModeScreenerOnly, mc.ModeFor(t0.Add(-time.Millisecond)))
	assert.Equal(t, model.ModeConfirmerOnly, mc.ModeFor(t0))
	assert.Equal(t, model.ModeConfirmerOnly, mc.ModeFor(t0.Add(time.Millisecond)))
	assert.Equal(t, model.ModeConfirmerOnly, mc.Current())
}

func TestModeForAcrossSeveralSwitches(t *testing.T) {
	mc := NewModeController(model.ModeScreenerOnly)
	t0 := time.Now()
	mc.Set(model.ModeCascadingHybrid, t0.Add(time.Millisecond))
	mc.Set(model.ModeConfirmerOnly, t0.Add(2*time.Millisecond))

	assert.Equal(t, model.ModeScreenerOnly, mc.ModeFor(t0))
	assert.Equal(t, model.ModeCascadingHybrid, mc.ModeFor(t0.Add(time.Millisecond)))
	assert.Equal(t, model.ModeCascadingHybrid, mc.ModeFor(t0.Add(1500*time.Microsecond)))
	assert.Equal(t, model.ModeConfirmerOnly, mc.ModeFor(t0.Add(2*time.Millisecond)))
	assert.Equal(t, model.ModeConfirmerOnly, mc.Current())
}

func TestModePruneKeepsLaterSwitches(t *testing.T) {
	mc := NewModeController(model.ModeScreenerOnly)
	t0 := time.Now()
	mc.Set(model.ModeCascadingHybrid, t0.Add(time.Millisecond))
	mc.Set(model.ModeConfirmerOnly, t0.Add(3*time.Millisecond))

	mc.Prune(t0)
	assert.Equal(t, 2, mc.Pending())
	assert.Equal(t, model.ModeScreenerOnly, mc.ModeFor(t0))

	mc.Prune(t0.Add(2 * time.Millisecond))
	assert.Equal(t, 1, mc.Pending())
	assert.Equal(t, model.ModeCascadingHybrid, mc.ModeFor(t0.Add(2*time.Millisecond)))
	assert.Equal(t, model.ModeConfirmerOnly, mc.ModeFor(t0.Add(3*time.Millisecond)))

	mc.Prune(t0.Add(3 * time.Millisecond))
	assert.Equal(t, 0, mc.Pending())
	assert.Equal(t, model.ModeConfirmerOnly, mc.ModeFor(t0.Add(3*time.Millisecond)))
}

func TestCycleUsesModeInForceAtWindowClose(t *testing.T) {
	h := newHarness(t, model.ModeScreenerOnly, lastCountScreener(), constantConfirmer(model.Normal(0.9)), 1, time.Second)
	h.feed(t, repeat(30, 19)...)

	closed := h.feed(t, 30)
	at := closed.CapturedAt
	h.modes.Set(model.ModeCascadingHybrid, at.Add(time.Millisecond))
	h.modes.Set(model.ModeManualConfirmer, at.Add(2*time.Millisecond))

	r := h.orch.RunCycle(context.Background(), closed)
	assert.Equal(t, model.ModeScreenerOnly, r.Mode)
	assert.Equal(t, 2, h.modes.Pending())

	h.next++
	later := model.WindowSample{Index: h.next, Count: 30, CapturedAt: at.Add(2 * time.Millisecond)}
	require.NoError(t, h.buf.Append(later))
	r = h.orch.RunCycle(context.Background(), later)
	assert.Equal(t, model.ModeManualConfirmer, r.Mode)
	assert.Equal(t, 0, h.modes.Pending())
	h.rec.next(t)
}

func TestModeSwitchAppliesFromNextCycle(t *testing.T) {
	s := lastCountScreener()
	c := constantConfirmer(model.Normal(0.9))
	h := newHarness(t, model.ModeScreenerOnly, s, c, 1, time.Second)
	h.feed(t, repeat(30, 19)...)

	closed := h.feed(t, 30)
	h.modes.Set(model.ModeManualConfirmer, time.Now())

	r := h.orch.RunCycle(context.Background(), closed)
	assert.Equal(t, model.ModeScreenerOnly, r.Mode, "window closed before the switch")

	r = h.cycle(t, 30)
	assert.Equal(t, model.ModeManualConfirmer, r.Mode)
	assert.True(t, r.Dispatched)
	h.rec.next(t)
}

func TestDrainAbandonsStuckJob(t *testing.T) {
	c := constantConfirmer(model.Attack(0.95))
	c.started = make(chan struct{}, 1)
	c.release = make(chan struct{})
	h := newHarness(t, model.ModeManualConfirmer, nil, c, 1, time.Minute)
	h.feed(t, repeat(30, 19)...)

	require.True(t, h.cycle(t, 30).Dispatched)
	<-c.started

	err := h.worker.Drain(20 * time.Millisecond)
	assert.Error(t, err)
	assert.Equal(t, model.ConfirmationAbandoned, h.rec.next(t).Confirmation)

	id, ok := h.worker.Reserve("late")
	assert.False(t, ok)
	assert.Empty(t, id)
}

func TestRunStopsWhenSamplesClose(t *testing.T) {
	h := newHarness(t, model.ModeScreenerOnly, lastCountScreener(), nil, 1, time.Second)
	samples := make(chan model.WindowSample, 8)
	for _, c := range []uint32{30, 30, 30, 30, 14} {
		samples <- h.feed(t, c)
	}
	close(samples)

	h.orch.Run(context.Background(), samples)
	st := h.orch.Status()
	assert.Equal(t, StateScreenerOnly, st.State)
	require.NotNil(t, st.LastCycle)
	assert.Equal(t, uint64(5), st.LastCycle.WindowIndex)
	assert.Equal(t, model.VerdictAttack, st.LastCycle.Event.Verdict.Kind)
}

func TestEndToEndWithLoadedModels(t *testing.T) {
	s, err := classifier.LoadScreener(filepath.Join("..", "classifier", "testdata", "screener_stump.json"))
	require.NoError(t, err)
	c, err := classifier.LoadConfirmer(filepath.Join("..", "classifier", "testdata", "confirmer_small.json"))
	require.NoError(t, err)

	buf, _ := window.NewBuffer(900)
	rec := newRecorder()
	m := metrics.New()
	worker := NewConfirmWorker(c, time.Second, rec, zerolog.Nop(), m)
	worker.Start()
	defer worker.Drain(time.Second)
	o, err := New(Options{
		Buffer: buf, Modes: NewModeController(model.ModeCascadingHybrid), Screener: s, Confirmer: c,
		Worker: worker, Publisher: rec, Logger: zerolog.Nop(), Metrics: m,
	})
	require.NoError(t, err)

	var last model.WindowSample
	for i := 1; i <= 400; i++ {
		last = model.WindowSample{Index: uint64(i), Count: 14, CapturedAt: time.Now()}
		require.NoError(t, buf.Append(last))
	}
	r := o.RunCycle(context.Background(), last)
	require.True(t, r.Dispatched)
	assert.Equal(t, model.ConfirmationPending, rec.next(t).Confirmation)
	confirmed := rec.next(t)
	assert.Equal(t, model.ConfirmationConfirmed, confirmed.Confirmation)
	assert.Equal(t, 5, confirmed.Verdict.ThreatLevel())
}
