// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package collector

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scadaflow/scadaflow/pkg/pipeline"
	"github.com/scadaflow/scadaflow/pkg/telemetry"
)

type fakeCollector struct {
	mu       sync.Mutex
	deviceID string
	started  bool
	stopped  bool
	applied  int
}

func (c *fakeCollector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
}

func (c *fakeCollector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
}

func (c *fakeCollector) ApplyConfig(telemetry.Device, []telemetry.Tag) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applied++
}

func (c *fakeCollector) Health() Health {
	return Health{DeviceID: c.deviceID, State: StateConnected}
}

type fakeFactory struct {
	mu    sync.Mutex
	built map[string]*fakeCollector
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{built: make(map[string]*fakeCollector)}
}

func (f *fakeFactory) new(device telemetry.Device, _ []telemetry.Tag, _ PointWriter) (Collector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeCollector{deviceID: device.ID}
	f.built[device.ID] = c
	return c, nil
}

type nullWriter struct{}

func (nullWriter) Write(telemetry.Point) pipeline.WriteStatus { return pipeline.Accepted }

func device(id string, port int) telemetry.Device {
	return telemetry.Device{
		ID: id, Protocol: telemetry.ProtocolSimulation,
		Host: "plc.local", Port: port, Enabled: true,
	}
}

func TestReloadStartsAndStopsCollectors(t *testing.T) {
	f := newFakeFactory()
	s := NewSupervisor(nullWriter{})
	s.Register(telemetry.ProtocolSimulation, f.new)

	s.Reload([]telemetry.Device{device("d1", 4840)}, nil)
	require.Contains(t, f.built, "d1")
	assert.True(t, f.built["d1"].started)

	// Device removed from config: its collector stops.
	s.Reload(nil, nil)
	assert.True(t, f.built["d1"].stopped)
	assert.Empty(t, s.HealthSnapshots())
}

func TestReloadIgnoresDisabledDevices(t *testing.T) {
	f := newFakeFactory()
	s := NewSupervisor(nullWriter{})
	s.Register(telemetry.ProtocolSimulation, f.new)

	d := device("d1", 4840)
	d.Enabled = false
	s.Reload([]telemetry.Device{d}, nil)
	assert.Empty(t, f.built)
}

func TestConnectionChangeRestartsCollector(t *testing.T) {
	f := newFakeFactory()
	s := NewSupervisor(nullWriter{})
	s.Register(telemetry.ProtocolSimulation, f.new)

	s.Reload([]telemetry.Device{device("d1", 4840)}, nil)
	first := f.built["d1"]

	s.Reload([]telemetry.Device{device("d1", 4841)}, nil)
	second := f.built["d1"]

	assert.True(t, first.stopped)
	assert.NotSame(t, first, second)
	assert.True(t, second.started)
}

func TestTagChangeAppliesInPlace(t *testing.T) {
	f := newFakeFactory()
	s := NewSupervisor(nullWriter{})
	s.Register(telemetry.ProtocolSimulation, f.new)

	d := device("d1", 4840)
	tags := []telemetry.Tag{{ID: "t1", DeviceID: "d1", Enabled: true, Address: "a", ScanIntervalMs: 1000}}
	s.Reload([]telemetry.Device{d}, tags)
	c := f.built["d1"]

	// Scan interval changes: no restart, config applied in place.
	tags[0].ScanIntervalMs = 500
	s.Reload([]telemetry.Device{d}, tags)
	assert.False(t, c.stopped)
	assert.Equal(t, 1, c.applied)

	// Identical reload: nothing to apply.
	s.Reload([]telemetry.Device{d}, tags)
	assert.Equal(t, 1, c.applied)
}

func TestDisabledTagsAreExcluded(t *testing.T) {
	f := newFakeFactory()
	s := NewSupervisor(nullWriter{})
	s.Register(telemetry.ProtocolSimulation, f.new)

	d := device("d1", 4840)
	tags := []telemetry.Tag{
		{ID: "t1", DeviceID: "d1", Enabled: true},
		{ID: "t2", DeviceID: "d1", Enabled: false},
	}
	s.Reload([]telemetry.Device{d}, tags)
	c := f.built["d1"]

	// Disabling the already-excluded tag changes nothing.
	s.Reload([]telemetry.Device{d}, tags)
	assert.Zero(t, c.applied)
}

func TestUnknownProtocolIsSkipped(t *testing.T) {
	s := NewSupervisor(nullWriter{})
	d := device("d1", 4840)
	d.Protocol = telemetry.ProtocolS7
	s.Reload([]telemetry.Device{d}, nil)
	assert.Empty(t, s.HealthSnapshots())
}

func TestSimulationModeOverridesProtocol(t *testing.T) {
	sim := newFakeFactory()
	modbus := newFakeFactory()
	s := NewSupervisor(nullWriter{})
	s.Register(telemetry.ProtocolSimulation, sim.new)
	s.Register(telemetry.ProtocolModbus, modbus.new)
	s.SetSimulationMode(true)

	d := device("d1", 502)
	d.Protocol = telemetry.ProtocolModbus
	s.Reload([]telemetry.Device{d}, nil)

	require.Contains(t, sim.built, "d1")
	assert.True(t, sim.built["d1"].started)
	assert.Empty(t, modbus.built)
}

func TestStopAll(t *testing.T) {
	f := newFakeFactory()
	s := NewSupervisor(nullWriter{})
	s.Register(telemetry.ProtocolSimulation, f.new)

	s.Reload([]telemetry.Device{device("d1", 1), device("d2", 2)}, nil)
	require.Len(t, s.HealthSnapshots(), 2)

	s.StopAll()
	assert.True(t, f.built["d1"].stopped)
	assert.True(t, f.built["d2"].stopped)
	assert.Empty(t, s.HealthSnapshots())
}
