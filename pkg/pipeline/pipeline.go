// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

// Package pipeline implements the bounded path from collectors to
// persistence and dispatch: a single-reader multi-writer queue with a
// DropOldest overflow policy, a batch writer persisting to the store with
// retry, and publication of persisted samples to the dispatcher.
package pipeline

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/atomic"

	"github.com/scadaflow/scadaflow/pkg/metrics"
	"github.com/scadaflow/scadaflow/pkg/store"
	"github.com/scadaflow/scadaflow/pkg/telemetry"
	"github.com/scadaflow/scadaflow/pkg/util/log"
)

// Defaults for the pipeline tunables.
const (
	DefaultCapacity  = 10000
	DefaultBatchSize = 500
	DefaultFlushMs   = 100

	persistInitialBackoff = 50 * time.Millisecond
	persistMaxBackoff     = 5 * time.Second
	persistMaxAttempts    = 5
)

// WriteStatus is the outcome of a Write call.
type WriteStatus int

// Write outcomes. Accepted means the sample is durably en-route; Dropped
// means the overflow policy discarded it (it was handed to the exporter).
const (
	Accepted WriteStatus = iota
	Dropped
)

// Publisher receives each sample after its batch persisted.
type Publisher interface {
	Publish(p telemetry.Point)
}

// Config carries the pipeline tunables.
type Config struct {
	Capacity      int
	BatchSize     int
	FlushInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushMs * time.Millisecond
	}
	return c
}

// Pipeline accepts per-sample writes from many producers, batches them for
// persistence and hands each persisted sample to the publisher. Per
// (device, tag), samples leave in the order they entered.
type Pipeline struct {
	cfg       Config
	queue     chan telemetry.Point
	storage   store.TelemetryStore
	publisher Publisher
	exporter  OverflowExporter
	clk       clock.Clock

	dropped *atomic.Uint64
	stopped *atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a pipeline ready to be started. publisher may be nil when no
// dispatch is wanted (e.g. bulk import tooling).
func New(cfg Config, storage store.TelemetryStore, publisher Publisher, exporter OverflowExporter, clk clock.Clock) *Pipeline {
	cfg = cfg.withDefaults()
	if exporter == nil {
		exporter = LogExporter{}
	}
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		cfg:       cfg,
		queue:     make(chan telemetry.Point, cfg.Capacity),
		storage:   storage,
		publisher: publisher,
		exporter:  exporter,
		clk:       clk,
		dropped:   atomic.NewUint64(0),
		stopped:   atomic.NewBool(false),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start launches the batch writer.
func (p *Pipeline) Start() {
	go p.run()
}

// Stop closes the writer side and waits for the final batch to flush. When
// ctx expires first the remaining retries are aborted and anything unflushed
// is handed to the overflow exporter.
func (p *Pipeline) Stop(ctx context.Context) error {
	if !p.stopped.CompareAndSwap(false, true) {
		return nil
	}
	close(p.queue)
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		p.cancel() // abort in-flight persistence retries
		<-p.done
		return ctx.Err()
	}
}

// Write queues one sample. When the queue is full the oldest sample is
// evicted to the overflow exporter to preserve recency; if the slot is taken
// again before we can use it, the new sample itself is exported and Dropped
// is returned.
func (p *Pipeline) Write(pt telemetry.Point) WriteStatus {
	if p.stopped.Load() {
		return p.drop(pt)
	}
	select {
	case p.queue <- pt:
		metrics.PipelineQueueDepth.Set(float64(len(p.queue)))
		return Accepted
	default:
	}

	// Queue full: evict the oldest, then retry once.
	select {
	case old := <-p.queue:
		p.drop(old)
	default:
	}
	select {
	case p.queue <- pt:
		return Accepted
	default:
		return p.drop(pt)
	}
}

func (p *Pipeline) drop(pt telemetry.Point) WriteStatus {
	p.dropped.Inc()
	metrics.PipelineOverflowDrops.Inc()
	p.exporter.Export([]telemetry.Point{pt})
	return Dropped
}

// QueueDepth reports the current queue depth. Non-authoritative; for health
// reporting only.
func (p *Pipeline) QueueDepth() int {
	return len(p.queue)
}

// DroppedCount reports the total samples discarded by the overflow policy.
func (p *Pipeline) DroppedCount() uint64 {
	return p.dropped.Load()
}

// run is the single reader: it accumulates up to BatchSize samples or until
// FlushInterval since the first queued sample, whichever comes first.
func (p *Pipeline) run() {
	defer close(p.done)

	batch := make([]telemetry.Point, 0, p.cfg.BatchSize)
	timer := p.clk.Timer(p.cfg.FlushInterval)
	timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		p.persistAndPublish(batch)
		batch = batch[:0]
	}

	for {
		if len(batch) == 0 {
			// Block until the first sample of the next batch arrives.
			pt, ok := <-p.queue
			if !ok {
				return
			}
			batch = append(batch, pt)
			timer.Reset(p.cfg.FlushInterval)
			metrics.PipelineQueueDepth.Set(float64(len(p.queue)))
			if len(batch) >= p.cfg.BatchSize {
				timer.Stop()
				flush()
			}
			continue
		}
		select {
		case pt, ok := <-p.queue:
			if !ok {
				timer.Stop()
				flush()
				return
			}
			batch = append(batch, pt)
			if len(batch) >= p.cfg.BatchSize {
				timer.Stop()
				flush()
			}
		case <-timer.C:
			flush()
		}
	}
}

// persistAndPublish writes the batch with exponential-backoff retry and, on
// success, publishes every sample. Persistence failures never propagate to
// producers; after retry exhaustion the batch goes to the overflow exporter.
func (p *Pipeline) persistAndPublish(batch []telemetry.Point) {
	points := make([]telemetry.Point, len(batch))
	copy(points, batch)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = persistInitialBackoff
	bo.Multiplier = 2
	bo.MaxInterval = persistMaxBackoff
	bo.MaxElapsedTime = 0
	bo.RandomizationFactor = 0

	attempts := 0
	op := func() error {
		attempts++
		err := p.storage.AppendBatch(p.ctx, points)
		if err == nil {
			return nil
		}
		if !store.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, persistMaxAttempts-1), p.ctx))
	if err != nil {
		log.Errorf("pipeline: dropping batch of %d samples after %d attempts: %v", len(points), attempts, err) //nolint:errcheck
		metrics.PipelinePersistFailures.Inc()
		p.exporter.Export(points)
		return
	}

	if p.publisher != nil {
		for _, pt := range points {
			p.publisher.Publish(pt)
		}
	}
}
