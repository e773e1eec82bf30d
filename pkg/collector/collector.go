// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

// Package collector defines the acquisition framework: the collector
// capability set, the reconnecting session runner shared by all protocol
// implementations, and the supervisor that keeps the running collector set
// consistent with durable configuration.
package collector

import (
	"time"

	"github.com/scadaflow/scadaflow/pkg/pipeline"
	"github.com/scadaflow/scadaflow/pkg/telemetry"
)

// State is the lifecycle state of a collector.
type State int32

// Collector states. Stopped is terminal for an instance; the supervisor
// creates a fresh instance to serve the device again.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Health is a point-in-time snapshot of one collector.
type Health struct {
	DeviceID       string
	State          State
	LastSampleUtc  time.Time
	ReconnectCount uint64
	LastError      string
}

// PointWriter is where collectors emit samples; satisfied by the pipeline.
type PointWriter interface {
	Write(p telemetry.Point) pipeline.WriteStatus
}

// Collector serves exactly one device.
type Collector interface {
	// Start launches the acquisition loop; it returns immediately.
	Start()
	// Stop terminates the collector and waits for in-flight reads to drain.
	Stop()
	// ApplyConfig applies tag-set or scan-interval changes in place, without
	// a reconnect, where the protocol permits.
	ApplyConfig(device telemetry.Device, tags []telemetry.Tag)
	// Health reports the current snapshot.
	Health() Health
}

// Factory builds a collector for one device. Registered per protocol with
// the supervisor.
type Factory func(device telemetry.Device, tags []telemetry.Tag, out PointWriter) (Collector, error)
