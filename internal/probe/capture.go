package probe

import (
	"LinkGuard/internal/engine/protocol"
	"errors"
	"sync"

	"github.com/google/gopacket"
	"github.com/rs/zerolog"
)

// Recorder persists raw packets. Enqueue must not block.
type Recorder interface {
	Enqueue(packet gopacket.Packet)
}

// Capture counts MAVLink packets from a decoded packet stream. It is the
// packet source used by live and remote probes.
type Capture struct {
	Counter
	matcher  protocol.Matcher
	recorder Recorder
	logger   zerolog.Logger

	mu      sync.Mutex
	failure error
	seen    uint64
	matched uint64
}

// NewCapture creates a capture counting packets accepted by matcher. recorder may be nil.
func NewCapture(matcher protocol.Matcher, recorder Recorder, logger zerolog.Logger) *Capture {
	return &Capture{
		matcher:  matcher,
		recorder: recorder,
		logger:   logger.With().Str("component", "capture").Logger(),
	}
}

// Consume reads packets until the channel is closed. A closed stream is
// recorded as a failure that subsequent windows report.
func (c *Capture) Consume(packets <-chan gopacket.Packet) {
	for packet := range packets {
		c.mu.Lock()
		c.seen++
		c.mu.Unlock()
		if _, err := c.matcher.Match(packet); err != nil {
			continue
		}
		c.Inc()
		c.mu.Lock()
		c.matched++
		c.mu.Unlock()
		if c.recorder != nil {
			c.recorder.Enqueue(packet)
		}
	}
	c.Fail(errors.New("packet stream closed"))
}

// Fail marks the capture as broken.
func (c *Capture) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failure == nil {
		c.failure = err
		c.logger.Warn().Err(err).Uint64("seen", c.seen).Uint64("matched", c.matched).Msg("Capture stopped")
	}
}

// TakeAndResetCount returns the window's count, or the capture failure once
// the stream has ended.
func (c *Capture) TakeAndResetCount() (uint32, error) {
	n, _ := c.Counter.TakeAndResetCount()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failure != nil && n == 0 {
		return 0, c.failure
	}
	return n, nil
}

// Stats returns the number of packets seen and matched so far.
func (c *Capture) Stats() (seen, matched uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen, c.matched
}
