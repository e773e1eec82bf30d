// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package simulation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scadaflow/scadaflow/pkg/pipeline"
	"github.com/scadaflow/scadaflow/pkg/telemetry"
)

type captureWriter struct {
	mu     sync.Mutex
	points []telemetry.Point
}

func (w *captureWriter) Write(p telemetry.Point) pipeline.WriteStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.points = append(w.points, p)
	return pipeline.Accepted
}

func (w *captureWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.points)
}

func simDevice() telemetry.Device {
	return telemetry.Device{ID: "sim1", Protocol: telemetry.ProtocolSimulation, Enabled: true}
}

func TestWaveformSelection(t *testing.T) {
	assert.Equal(t, waveSine, waveformFor(telemetry.Tag{Name: "MotorTemp", DataType: telemetry.TypeFloat64}))
	assert.Equal(t, waveSine, waveformFor(telemetry.Tag{Name: "spindle_rpm", DataType: telemetry.TypeFloat64}))
	assert.Equal(t, waveCounter, waveformFor(telemetry.Tag{Name: "part_count", DataType: telemetry.TypeInt64}))
	assert.Equal(t, waveStep, waveformFor(telemetry.Tag{Name: "running", DataType: telemetry.TypeBool}))
	assert.Equal(t, waveWalk, waveformFor(telemetry.Tag{Name: "vibration_x", DataType: telemetry.TypeFloat64}))

	// Explicit metadata beats the name heuristic.
	assert.Equal(t, waveSawtooth, waveformFor(telemetry.Tag{
		Name: "MotorTemp", Metadata: map[string]string{"waveform": waveSawtooth},
	}))
}

func TestSineStaysWithinAmplitude(t *testing.T) {
	w := &captureWriter{}
	c, err := New(simDevice(), nil, w)
	require.NoError(t, err)
	sim := c.(*Collector)

	tag := telemetry.Tag{ID: "t1", Name: "temp", DataType: telemetry.TypeFloat64}
	for ts := int64(0); ts < 120000; ts += 1000 {
		v := sim.generate(tag, time.UnixMilli(ts))
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 100.0)
	}
}

func TestCounterIncreases(t *testing.T) {
	w := &captureWriter{}
	c, err := New(simDevice(), nil, w)
	require.NoError(t, err)
	sim := c.(*Collector)

	tag := telemetry.Tag{ID: "t1", Name: "part_count", DataType: telemetry.TypeInt64}
	now := time.Now()
	first := sim.generate(tag, now)
	second := sim.generate(tag, now)
	assert.Equal(t, first+1, second)
}

func TestEmitRespectsScanInterval(t *testing.T) {
	w := &captureWriter{}
	tags := []telemetry.Tag{{ID: "t1", Name: "temp", DataType: telemetry.TypeFloat64, ScanIntervalMs: 1000}}
	c, err := New(simDevice(), tags, w)
	require.NoError(t, err)
	sim := c.(*Collector)

	nextDue := make(map[string]time.Time)
	base := time.Now()
	sim.emitDue(base, nextDue)
	sim.emitDue(base.Add(100*time.Millisecond), nextDue) // before next due
	sim.emitDue(base.Add(1100*time.Millisecond), nextDue)

	assert.Equal(t, 2, w.count())
}

func TestSessionEmitsOnMockClock(t *testing.T) {
	w := &captureWriter{}
	tags := []telemetry.Tag{{ID: "t1", Name: "temp", DataType: telemetry.TypeFloat64, ScanIntervalMs: 1000}}
	c, err := New(simDevice(), tags, w)
	require.NoError(t, err)
	sim := c.(*Collector)
	mock := clock.NewMock()
	sim.clk = mock

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sim.session(ctx) //nolint:errcheck
		close(done)
	}()

	// Let the session set its ticker up before moving the clock.
	time.Sleep(20 * time.Millisecond)
	mock.Add(100 * time.Millisecond)
	require.Eventually(t, func() bool { return w.count() >= 1 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestApplyConfigSwapsTags(t *testing.T) {
	w := &captureWriter{}
	c, err := New(simDevice(), []telemetry.Tag{{ID: "t1", Name: "temp", DataType: telemetry.TypeFloat64}}, w)
	require.NoError(t, err)

	c.ApplyConfig(simDevice(), nil)

	sim := c.(*Collector)
	sim.emitDue(time.Now(), make(map[string]time.Time))
	assert.Zero(t, w.count(), "no tags, no samples")
}
