// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scadaflow/scadaflow/pkg/store"
	"github.com/scadaflow/scadaflow/pkg/telemetry"
)

type fakeStore struct {
	mu       sync.Mutex
	batches  [][]telemetry.Point
	failures int
	failWith error
}

func (f *fakeStore) AppendBatch(_ context.Context, points []telemetry.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return f.failWith
	}
	batch := make([]telemetry.Point, len(points))
	copy(batch, points)
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeStore) GetLatest(context.Context, string, string) ([]telemetry.Point, error) {
	return nil, nil
}

func (f *fakeStore) QueryRange(context.Context, store.RangeQuery) ([]telemetry.Point, string, error) {
	return nil, "", nil
}

func (f *fakeStore) Aggregate(context.Context, string, string, int64, int64, int64, store.AggregateFn) ([]store.Bucket, error) {
	return nil, nil
}

func (f *fakeStore) persisted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

type captureExporter struct {
	mu     sync.Mutex
	points []telemetry.Point
}

func (e *captureExporter) Export(points []telemetry.Point) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.points = append(e.points, points...)
}

func (e *captureExporter) tagIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.points))
	for i, p := range e.points {
		out[i] = p.TagID
	}
	return out
}

type capturePublisher struct {
	mu     sync.Mutex
	points []telemetry.Point
}

func (p *capturePublisher) Publish(pt telemetry.Point) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.points = append(p.points, pt)
}

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.points)
}

func point(tagID string, ts int64) telemetry.Point {
	return telemetry.Point{
		DeviceID: "d1", TagID: tagID, Ts: ts, Seq: telemetry.NextSeq(),
		Value: telemetry.Float64Value(1), Quality: telemetry.QualityGood,
	}
}

func TestWriteDropsOldestOnOverflow(t *testing.T) {
	exporter := &captureExporter{}
	// Not started: the queue fills and the overflow policy takes over.
	p := New(Config{Capacity: 4}, &fakeStore{}, nil, exporter, nil)

	for i := 1; i <= 10; i++ {
		p.Write(point(fmt.Sprintf("P%d", i), int64(i)))
	}

	assert.Equal(t, []string{"P1", "P2", "P3", "P4", "P5", "P6"}, exporter.tagIDs(),
		"the oldest samples are evicted, in arrival order")
	assert.Equal(t, uint64(6), p.DroppedCount())
	assert.Equal(t, 4, p.QueueDepth(), "the newest samples stay queued")
}

func TestBatchFlushOnSize(t *testing.T) {
	st := &fakeStore{}
	pub := &capturePublisher{}
	p := New(Config{Capacity: 100, BatchSize: 10, FlushInterval: time.Hour}, st, pub, nil, clock.NewMock())
	p.Start()

	for i := 0; i < 10; i++ {
		require.Equal(t, Accepted, p.Write(point("t1", int64(i))))
	}

	require.Eventually(t, func() bool { return st.persisted() == 10 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return pub.count() == 10 }, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Stop(context.Background()))
}

func TestBatchFlushOnTimer(t *testing.T) {
	st := &fakeStore{}
	clk := clock.NewMock()
	p := New(Config{Capacity: 100, BatchSize: 500, FlushInterval: 100 * time.Millisecond}, st, nil, nil, clk)
	p.Start()

	p.Write(point("t1", 1))
	p.Write(point("t1", 2))

	// Let the reader arm the flush timer, then advance past the interval.
	time.Sleep(20 * time.Millisecond)
	clk.Add(150 * time.Millisecond)

	require.Eventually(t, func() bool { return st.persisted() == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.Stop(context.Background()))
}

func TestStopFlushesRemainder(t *testing.T) {
	st := &fakeStore{}
	p := New(Config{Capacity: 100, BatchSize: 500, FlushInterval: time.Hour}, st, nil, nil, clock.NewMock())
	p.Start()

	p.Write(point("t1", 1))
	p.Write(point("t1", 2))
	p.Write(point("t1", 3))

	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, 3, st.persisted())

	// Writes after stop are exported, not queued.
	assert.Equal(t, Dropped, p.Write(point("t1", 4)))
}

func TestPersistRetriesTransientErrors(t *testing.T) {
	st := &fakeStore{failures: 2, failWith: store.Transient(fmt.Errorf("connection reset"))}
	pub := &capturePublisher{}
	p := New(Config{Capacity: 100, BatchSize: 2, FlushInterval: time.Hour}, st, pub, nil, clock.NewMock())
	p.Start()

	p.Write(point("t1", 1))
	p.Write(point("t1", 2))

	// Two transient failures then success: nothing is lost.
	require.Eventually(t, func() bool { return st.persisted() == 2 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return pub.count() == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.Stop(context.Background()))
}

func TestPermanentErrorGoesToExporter(t *testing.T) {
	st := &fakeStore{failures: 1000, failWith: fmt.Errorf("constraint violation")}
	pub := &capturePublisher{}
	exporter := &captureExporter{}
	p := New(Config{Capacity: 100, BatchSize: 2, FlushInterval: time.Hour}, st, pub, exporter, clock.NewMock())
	p.Start()

	p.Write(point("t1", 1))
	p.Write(point("t1", 2))

	// A permanent error is not retried; the batch goes to the exporter and
	// is never published.
	require.Eventually(t, func() bool { return len(exporter.tagIDs()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, pub.count())
	require.NoError(t, p.Stop(context.Background()))
}

func TestPublishPreservesPerTagOrder(t *testing.T) {
	st := &fakeStore{}
	pub := &capturePublisher{}
	p := New(Config{Capacity: 1000, BatchSize: 50, FlushInterval: 10 * time.Millisecond}, st, pub, nil, nil)
	p.Start()

	for i := 0; i < 200; i++ {
		require.Equal(t, Accepted, p.Write(point("t1", int64(i))))
	}
	require.NoError(t, p.Stop(context.Background()))

	require.Equal(t, 200, pub.count())
	for i := 1; i < len(pub.points); i++ {
		assert.Less(t, pub.points[i-1].Ts, pub.points[i].Ts)
	}
}
