package sink

import (
	"LinkGuard/internal/config"
	"LinkGuard/internal/factory"
	"LinkGuard/internal/model"
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// DefaultMemorySize is the number of events a memory sink keeps when the
// config does not say.
const DefaultMemorySize = 512

func init() {
	factory.RegisterSink("memory", func(cfg config.SinkConfig, _ zerolog.Logger) (model.AlertSink, error) {
		return NewMemorySink(cfg.Size)
	})
}

// MemorySink keeps the most recent events for the HTTP API. Redelivered
// events are recognised by ID and stored once.
type MemorySink struct {
	events *lru.Cache[string, model.ThreatEvent]
}

// NewMemorySink creates a sink holding up to size events.
func NewMemorySink(size int) (*MemorySink, error) {
	if size <= 0 {
		size = DefaultMemorySize
	}
	cache, err := lru.New[string, model.ThreatEvent](size)
	if err != nil {
		return nil, err
	}
	return &MemorySink{events: cache}, nil
}

func (s *MemorySink) Name() string { return "memory" }

func (s *MemorySink) Ingest(_ context.Context, e model.ThreatEvent) error {
	if s.events.Contains(e.ID) {
		return nil
	}
	s.events.Add(e.ID, e)
	return nil
}

func (s *MemorySink) Close() error { return nil }

// Get returns the event with the given ID, if it is still retained.
func (s *MemorySink) Get(id string) (model.ThreatEvent, bool) {
	return s.events.Peek(id)
}

// Recent returns up to n events, newest first. n <= 0 returns all of them.
func (s *MemorySink) Recent(n int) []model.ThreatEvent {
	keys := s.events.Keys()
	if n <= 0 || n > len(keys) {
		n = len(keys)
	}
	out := make([]model.ThreatEvent, 0, n)
	for i := len(keys) - 1; i >= 0 && len(out) < n; i-- {
		if e, ok := s.events.Peek(keys[i]); ok {
			out = append(out, e)
		}
	}
	return out
}

// Len reports how many events are retained.
func (s *MemorySink) Len() int { return s.events.Len() }
