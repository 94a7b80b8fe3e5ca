// Package telemetry decouples operation instrumentation from the cache
// hot path. Collectors receive one sample per completed operation; the
// Async wrapper guarantees the caller never blocks on a slow sink.
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Sample describes one completed cache operation.
type Sample struct {
	Op       string
	Duration time.Duration
	Success  bool
	CacheHit bool
}

// Collector receives operation samples. Implementations must be safe
// for concurrent use. A failing or slow collector must never affect
// cache behavior, which is why callers go through Async.
type Collector interface {
	Record(s Sample)
	Close()
}

// NopCollector discards every sample. Use this when telemetry is not
// configured (local development, testing).
type NopCollector struct{}

// NewNopCollector creates a collector that discards samples.
func NewNopCollector() *NopCollector {
	return &NopCollector{}
}

// Record discards the sample.
func (c *NopCollector) Record(Sample) {}

// Close is a no-op.
func (c *NopCollector) Close() {}

// AsyncCollector buffers samples on a bounded channel and forwards
// them to the wrapped sink from a single drainer goroutine. When the
// buffer is full the sample is dropped and counted; Record never
// blocks.
type AsyncCollector struct {
	sink    Collector
	samples chan Sample
	dropped atomic.Uint64
	logger  *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewAsyncCollector wraps sink with a buffer of the given size. A
// non-positive size falls back to 1024.
func NewAsyncCollector(sink Collector, bufferSize int, logger *zap.Logger) *AsyncCollector {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &AsyncCollector{
		sink:    sink,
		samples: make(chan Sample, bufferSize),
		logger:  logger,
		done:    make(chan struct{}),
	}

	go c.drain()

	return c
}

// Record enqueues the sample, dropping it if the buffer is full.
func (c *AsyncCollector) Record(s Sample) {
	select {
	case c.samples <- s:
	default:
		c.dropped.Add(1)
	}
}

// Dropped returns how many samples were discarded due to backpressure.
func (c *AsyncCollector) Dropped() uint64 {
	return c.dropped.Load()
}

// Close stops accepting samples, flushes the buffer into the sink and
// closes the sink. Safe to call more than once.
func (c *AsyncCollector) Close() {
	c.closeOnce.Do(func() {
		close(c.samples)
		<-c.done

		if dropped := c.dropped.Load(); dropped > 0 {
			c.logger.Warn("Telemetry samples dropped", zap.Uint64("dropped", dropped))
		}

		c.sink.Close()
	})
}

func (c *AsyncCollector) drain() {
	defer close(c.done)

	for s := range c.samples {
		c.sink.Record(s)
	}
}
