package window

import (
	"LinkGuard/internal/model"
	"fmt"
	"sync"
)

// Buffer is a fixed-capacity ring of the most recent window samples. It has a
// single writer (the collector) and any number of snapshot readers.
type Buffer struct {
	mu      sync.RWMutex
	samples []model.WindowSample
	head    int // position of the next write
	length  int
	total   uint64
	last    uint64
}

// NewBuffer creates a buffer holding at most capacity samples.
func NewBuffer(capacity int) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("buffer capacity must be positive, got %d", capacity)
	}
	return &Buffer{samples: make([]model.WindowSample, capacity)}, nil
}

// Append stores a sample, evicting the oldest one when full. Indices must be
// strictly increasing.
func (b *Buffer) Append(s model.WindowSample) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.total > 0 && s.Index <= b.last {
		return fmt.Errorf("append index %d after %d: %w", s.Index, b.last, model.ErrOutOfOrder)
	}
	b.samples[b.head] = s
	b.head = (b.head + 1) % len(b.samples)
	if b.length < len(b.samples) {
		b.length++
	}
	b.total++
	b.last = s.Index
	return nil
}

// SnapshotTail copies the newest n samples in chronological order. When fewer
// than n samples exist it returns all of them and false.
func (b *Buffer) SnapshotTail(n int) ([]model.WindowSample, bool) {
	if n < 0 {
		n = 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	ok := b.length >= n
	if !ok {
		n = b.length
	}
	out := make([]model.WindowSample, n)
	start := b.head - n
	if start < 0 {
		start += len(b.samples)
	}
	for i := 0; i < n; i++ {
		out[i] = b.samples[(start+i)%len(b.samples)]
	}
	return out, ok
}

// Len returns the number of samples currently held.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.length
}

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int {
	return len(b.samples)
}

// Total returns the number of samples ever appended.
func (b *Buffer) Total() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.total
}
