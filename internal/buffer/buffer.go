// Package buffer provides a bounded in-memory queue for collected samples.
// When the queue is full, the oldest samples are evicted first. Eviction is
// silent data loss by design — monitoring samples are a lossy signal.
package buffer

import (
	"sync"

	"go.uber.org/zap"

	"github.com/operion/sentinel-agent/internal/models"
)

// Buffer is a fixed-capacity FIFO queue of samples. Insertion order equals
// arrival order; pushing beyond capacity drops the oldest entries.
type Buffer struct {
	capacity int
	samples  []models.Sample
	logger   *zap.Logger
	mu       sync.Mutex
}

// New creates a Buffer with the given capacity. A capacity below 1 is
// clamped to 1 so the buffer can always hold the most recent sample.
func New(capacity int, logger *zap.Logger) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		capacity: capacity,
		samples:  make([]models.Sample, 0, capacity),
		logger:   logger,
	}
}

// Push appends samples in order, then evicts from the front until the
// buffer is back within capacity.
func (b *Buffer) Push(samples []models.Sample) {
	if len(samples) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.samples = append(b.samples, samples...)
	if overflow := len(b.samples) - b.capacity; overflow > 0 {
		b.logger.Warn("Buffer full, dropping oldest samples",
			zap.Int("dropped", overflow),
			zap.Int("capacity", b.capacity))
		b.samples = append(b.samples[:0], b.samples[overflow:]...)
	}
}

// DrainAll removes and returns all buffered samples, leaving the buffer
// empty. Returns nil when the buffer is empty.
func (b *Buffer) DrainAll() []models.Sample {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.samples) == 0 {
		return nil
	}
	drained := b.samples
	b.samples = make([]models.Sample, 0, b.capacity)
	return drained
}

// Len returns the number of buffered samples.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}

// Cap returns the configured capacity.
func (b *Buffer) Cap() int { return b.capacity }
