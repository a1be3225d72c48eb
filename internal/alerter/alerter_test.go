package alerter

import (
	"LinkGuard/internal/config"
	"LinkGuard/internal/metrics"
	"LinkGuard/internal/model"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	name     string
	mu       sync.Mutex
	ids      []string
	failures int // remaining Ingest calls that fail
	calls    int
	closed   bool
	block    chan struct{}
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Ingest(ctx context.Context, e model.ThreatEvent) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return errors.New("sink down")
	}
	s.ids = append(s.ids, e.ID)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

func testConfig(t *testing.T, queue, retries int) config.AlerterConfig {
	t.Helper()
	cfg, err := config.Parse([]byte(`
detector:
  initial_mode: screener
screener:
  path: screener.json
source:
  type: replay
  pcap_file: flight.pcap
alerter:
  retry_backoff: 1ms
`))
	require.NoError(t, err)
	cfg.Alerter.QueueSize = queue
	cfg.Alerter.MaxRetries = retries
	return cfg.Alerter
}

func event(i int) model.ThreatEvent {
	e := model.NewThreatEvent(model.Attack(0.9), model.ModeScreenerOnly, uint64(i), time.Millisecond, model.Screener)
	e.ID = fmt.Sprintf("ev-%02d", i)
	return e
}

func TestDeliversInOrderToEverySink(t *testing.T) {
	a1 := &recordingSink{name: "a"}
	b1 := &recordingSink{name: "b"}
	m := metrics.New()
	a, err := New(testConfig(t, 64, 0), []model.AlertSink{a1, b1}, zerolog.Nop(), m)
	require.NoError(t, err)
	a.Start()

	var want []string
	for i := 0; i < 20; i++ {
		a.Publish(event(i))
		want = append(want, fmt.Sprintf("ev-%02d", i))
	}
	a.Stop()

	assert.Equal(t, want, a1.received())
	assert.Equal(t, want, b1.received())
	assert.True(t, a1.closed)
	assert.True(t, b1.closed)
	assert.Equal(t, 20.0, metrics.Value(m.EventsDelivered.WithLabelValues("a")))
}

func TestRetriesThenSucceeds(t *testing.T) {
	flaky := &recordingSink{name: "flaky", failures: 2}
	m := metrics.New()
	a, err := New(testConfig(t, 8, 3), []model.AlertSink{flaky}, zerolog.Nop(), m)
	require.NoError(t, err)
	a.Start()

	a.Publish(event(1))
	a.Stop()

	assert.Equal(t, []string{"ev-01"}, flaky.received())
	assert.Equal(t, 3, flaky.calls)
	assert.Equal(t, 0.0, metrics.Value(m.EventsDropped.WithLabelValues("flaky")))
}

func TestDropsAfterMaxRetries(t *testing.T) {
	broken := &recordingSink{name: "broken", failures: 100}
	healthy := &recordingSink{name: "healthy"}
	m := metrics.New()
	a, err := New(testConfig(t, 8, 1), []model.AlertSink{broken, healthy}, zerolog.Nop(), m)
	require.NoError(t, err)
	a.Start()

	a.Publish(event(1))
	a.Publish(event(2))
	a.Stop()

	assert.Empty(t, broken.received())
	assert.Equal(t, 4, broken.calls)
	assert.Equal(t, []string{"ev-01", "ev-02"}, healthy.received())
	assert.Equal(t, 2.0, metrics.Value(m.EventsDropped.WithLabelValues("broken")))
}

func TestBacklogBeyondQueueSizeIsDeliveredInOrder(t *testing.T) {
	slow := &recordingSink{name: "slow", block: make(chan struct{})}
	m := metrics.New()
	a, err := New(testConfig(t, 2, 0), []model.AlertSink{slow}, zerolog.Nop(), m)
	require.NoError(t, err)
	a.Start()

	var want []string
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			a.Publish(event(i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow sink")
	}
	for i := 0; i < 10; i++ {
		want = append(want, fmt.Sprintf("ev-%02d", i))
	}
	assert.Greater(t, a.Backlog(), 2)

	close(slow.block)
	a.Stop()

	assert.Equal(t, want, slow.received())
	assert.Equal(t, 0, a.Backlog())
	assert.Equal(t, 0.0, metrics.Value(m.EventsDropped.WithLabelValues("queue")))
	assert.Equal(t, 10.0, metrics.Value(m.EventsDelivered.WithLabelValues("slow")))
}

func TestPublishWhileDispatchingKeepsOrder(t *testing.T) {
	slow := &recordingSink{name: "slow", block: make(chan struct{})}
	a, err := New(testConfig(t, 1, 0), []model.AlertSink{slow}, zerolog.Nop(), metrics.New())
	require.NoError(t, err)
	a.Start()

	var want []string
	for i := 0; i < 3; i++ {
		a.Publish(event(i))
		want = append(want, fmt.Sprintf("ev-%02d", i))
	}
	// Release the sink while more events keep arriving.
	go close(slow.block)
	for i := 3; i < 30; i++ {
		a.Publish(event(i))
		want = append(want, fmt.Sprintf("ev-%02d", i))
	}
	a.Stop()

	assert.Equal(t, want, slow.received())
}

func TestPublishAfterStopIsDropped(t *testing.T) {
	s := &recordingSink{name: "s"}
	m := metrics.New()
	a, err := New(testConfig(t, 4, 0), []model.AlertSink{s}, zerolog.Nop(), m)
	require.NoError(t, err)
	a.Start()
	a.Stop()
	a.Stop()

	a.Publish(event(1))
	assert.Empty(t, s.received())
	assert.Equal(t, 1.0, metrics.Value(m.EventsDropped.WithLabelValues("queue")))
}

func TestNewValidates(t *testing.T) {
	_, err := New(testConfig(t, 4, 0), nil, zerolog.Nop(), metrics.New())
	assert.Error(t, err)
	_, err = New(config.AlerterConfig{}, []model.AlertSink{&recordingSink{name: "s"}}, zerolog.Nop(), metrics.New())
	assert.Error(t, err)
}
