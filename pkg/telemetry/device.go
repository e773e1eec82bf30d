// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package telemetry

import (
	"fmt"
	"time"
)

// Protocol identifies the collector implementation a device is served by.
type Protocol string

// Known protocols. Each maps to one collector variant behind the common
// collector interface; Simulation works for any device.
const (
	ProtocolOpcUa      Protocol = "opcua"
	ProtocolLibPlcTag  Protocol = "libplctag"
	ProtocolModbus     Protocol = "modbus"
	ProtocolS7         Protocol = "s7"
	ProtocolMqtt       Protocol = "mqtt"
	ProtocolSimulation Protocol = "simulation"
)

// Device is a source of tags, accessed by exactly one collector instance.
type Device struct {
	ID               string
	Name             string
	Protocol         Protocol
	Host             string
	Port             int
	ConnectionString string
	Enabled          bool
	Metadata         map[string]string
	CreatedUtc       time.Time
	UpdatedUtc       time.Time
}

// ConnKey condenses the connection-affecting fields of a device. The
// collector supervisor restarts a device's collector only when this key
// changes; tag-level changes are applied in place.
func (d Device) ConnKey() string {
	return fmt.Sprintf("%s|%s|%d|%s", d.Protocol, d.Host, d.Port, d.ConnectionString)
}

// Tag is the logical name for one measurable quantity on one device.
type Tag struct {
	ID             string
	DeviceID       string
	Name           string
	DataType       ValueType
	Enabled        bool
	Address        string
	ScanIntervalMs int
	Group          string
	Metadata       map[string]string
}
