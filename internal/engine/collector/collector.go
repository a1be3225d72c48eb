package collector

import (
	"LinkGuard/internal/engine/window"
	"LinkGuard/internal/metrics"
	"LinkGuard/internal/model"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Collector closes one window per tick, turning the packet source's counter
// into a WindowSample. It never waits on packets or on downstream consumers.
type Collector struct {
	source   model.PacketSource
	buffer   *window.Buffer
	interval time.Duration
	samples  chan model.WindowSample
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	next uint64
	now  func() time.Time
}

// New creates a collector. notifyBuffer bounds the notification channel.
func New(source model.PacketSource, buffer *window.Buffer, interval time.Duration, notifyBuffer int, logger zerolog.Logger, m *metrics.Metrics) (*Collector, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("window interval must be positive, got %s", interval)
	}
	if notifyBuffer <= 0 {
		notifyBuffer = 1
	}
	return &Collector{
		source:   source,
		buffer:   buffer,
		interval: interval,
		samples:  make(chan model.WindowSample, notifyBuffer),
		logger:   logger.With().Str("component", "collector").Logger(),
		metrics:  m,
		next:     buffer.Total() + 1,
		now:      time.Now,
	}, nil
}

// Samples delivers a notification per closed window. It is closed when Run returns.
func (c *Collector) Samples() <-chan model.WindowSample {
	return c.samples
}

// Run closes windows on a ticker until ctx is done.
func (c *Collector) Run(ctx context.Context) {
	defer close(c.samples)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	c.logger.Info().Dur("interval", c.interval).Msg("Collector started")

	for {
		select {
		case <-ticker.C:
			c.CloseWindow()
		case <-ctx.Done():
			c.logger.Info().Uint64("windows", c.next-1).Msg("Collector stopped")
			return
		}
	}
}

// CloseWindow takes the source count, appends the sample and notifies the
// consumer. A source error is recorded as a zero-count window.
func (c *Collector) CloseWindow() model.WindowSample {
	count, err := c.source.TakeAndResetCount()
	if err != nil {
		count = 0
		c.metrics.CaptureErrors.Inc()
		c.logger.Warn().Err(err).Uint64("window", c.next).Msg("Packet source failed, recording empty window")
	}

	s := model.WindowSample{Index: c.next, Count: count, CapturedAt: c.now()}
	c.next++
	if err := c.buffer.Append(s); err != nil {
		c.logger.Error().Err(err).Uint64("window", s.Index).Msg("Failed to append sample")
		return s
	}
	c.metrics.WindowsTotal.Inc()
	c.metrics.WindowPackets.Observe(float64(count))
	c.metrics.BufferLength.Set(float64(c.buffer.Len()))

	select {
	case c.samples <- s:
	default:
		c.metrics.NotifyDropped.Inc()
		c.logger.Warn().Uint64("window", s.Index).Msg("Orchestrator busy, window notification dropped")
	}
	return s
}
