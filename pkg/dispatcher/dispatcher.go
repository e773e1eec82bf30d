// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

// Package dispatcher fans persisted samples out to registered sinks. Each
// sink gets its own bounded forwarding queue and goroutine, so a slow sink
// only ever drops its own samples and never blocks another sink or the
// pipeline.
package dispatcher

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/scadaflow/scadaflow/pkg/metrics"
	"github.com/scadaflow/scadaflow/pkg/telemetry"
	"github.com/scadaflow/scadaflow/pkg/util/log"
)

// DefaultSinkQueueSize bounds each sink's forwarding queue.
const DefaultSinkQueueSize = 10000

// Sink consumes dispatched samples. HandlePoint runs on the sink's own
// goroutine; a panic inside it is recovered and logged, and the sink stays
// registered.
type Sink interface {
	// Name identifies the sink in logs and drop counters.
	Name() string
	HandlePoint(p telemetry.Point)
}

type sinkWorker struct {
	sink    Sink
	queue   chan telemetry.Point
	dropped *atomic.Uint64
	done    chan struct{}
}

func newSinkWorker(sink Sink, queueSize int) *sinkWorker {
	return &sinkWorker{
		sink:    sink,
		queue:   make(chan telemetry.Point, queueSize),
		dropped: atomic.NewUint64(0),
		done:    make(chan struct{}),
	}
}

func (w *sinkWorker) run() {
	defer close(w.done)
	for p := range w.queue {
		w.deliver(p)
	}
}

func (w *sinkWorker) deliver(p telemetry.Point) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("dispatcher: sink %s panicked: %v", w.sink.Name(), r) //nolint:errcheck
		}
	}()
	w.sink.HandlePoint(p)
}

// offer enqueues with DropOldest on this sink's queue only.
func (w *sinkWorker) offer(p telemetry.Point) {
	select {
	case w.queue <- p:
		return
	default:
	}
	select {
	case <-w.queue:
		w.dropped.Inc()
		metrics.SinkDrops.WithLabelValues(w.sink.Name()).Inc()
	default:
	}
	select {
	case w.queue <- p:
	default:
		w.dropped.Inc()
		metrics.SinkDrops.WithLabelValues(w.sink.Name()).Inc()
	}
}

// Dispatcher broadcasts each published sample to all registered sinks.
type Dispatcher struct {
	mu        sync.RWMutex
	workers   map[string]*sinkWorker
	queueSize int
	stopped   bool
}

// New returns a dispatcher. queueSize ≤ 0 selects the default.
func New(queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultSinkQueueSize
	}
	return &Dispatcher{
		workers:   make(map[string]*sinkWorker),
		queueSize: queueSize,
	}
}

// Register attaches a sink and starts its forwarding goroutine. Registering
// an already-registered sink name is a no-op.
func (d *Dispatcher) Register(sink Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		log.Warnf("dispatcher: register %s after stop", sink.Name()) //nolint:errcheck
		return
	}
	if _, ok := d.workers[sink.Name()]; ok {
		return
	}
	w := newSinkWorker(sink, d.queueSize)
	d.workers[sink.Name()] = w
	go w.run()
	log.Debugf("dispatcher: registered sink %s", sink.Name())
}

// Unregister detaches a sink and stops its goroutine. Unknown names are a
// no-op.
func (d *Dispatcher) Unregister(name string) {
	d.mu.Lock()
	w, ok := d.workers[name]
	if ok {
		delete(d.workers, name)
	}
	d.mu.Unlock()
	if ok {
		close(w.queue)
		<-w.done
		log.Debugf("dispatcher: unregistered sink %s", name)
	}
}

// Publish fans the sample out to all currently registered sinks.
func (d *Dispatcher) Publish(p telemetry.Point) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, w := range d.workers {
		w.offer(p)
	}
}

// DroppedCount reports a sink's drop counter, 0 for unknown sinks.
func (d *Dispatcher) DroppedCount(name string) uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if w, ok := d.workers[name]; ok {
		return w.dropped.Load()
	}
	return 0
}

// Stop detaches all sinks and waits for their queues to drain.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	workers := d.workers
	d.workers = make(map[string]*sinkWorker)
	d.stopped = true
	d.mu.Unlock()
	for _, w := range workers {
		close(w.queue)
	}
	for _, w := range workers {
		<-w.done
	}
}
