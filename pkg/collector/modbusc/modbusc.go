// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

// Package modbusc implements the Modbus TCP collector. Tags address device
// registers with a "<table>:<offset>" string, e.g. "hr:100" for holding
// register 100; the register count read per tag follows the tag's declared
// data type.
package modbusc

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goburrow/modbus"
	"github.com/pkg/errors"

	"github.com/scadaflow/scadaflow/pkg/collector"
	"github.com/scadaflow/scadaflow/pkg/telemetry"
	"github.com/scadaflow/scadaflow/pkg/util/log"
)

const (
	defaultScanIntervalMs = 1000
	connectTimeout        = 5 * time.Second
)

// Register tables.
const (
	tableHolding  = "hr"
	tableInput    = "ir"
	tableCoil     = "co"
	tableDiscrete = "di"
)

// address is a parsed tag address.
type address struct {
	table  string
	offset uint16
}

func parseAddress(s string) (address, error) {
	table, off, ok := strings.Cut(s, ":")
	if !ok {
		return address{}, fmt.Errorf("modbus address %q: want <table>:<offset>", s)
	}
	switch table {
	case tableHolding, tableInput, tableCoil, tableDiscrete:
	default:
		return address{}, fmt.Errorf("modbus address %q: unknown table %q", s, table)
	}
	n, err := strconv.ParseUint(off, 10, 16)
	if err != nil {
		return address{}, fmt.Errorf("modbus address %q: bad offset: %v", s, err)
	}
	return address{table: table, offset: uint16(n)}, nil
}

// registerCount returns how many 16-bit registers a value of type t occupies.
func registerCount(t telemetry.ValueType) uint16 {
	switch t {
	case telemetry.TypeInt32, telemetry.TypeUInt32, telemetry.TypeFloat32:
		return 2
	case telemetry.TypeInt64, telemetry.TypeUInt64, telemetry.TypeFloat64:
		return 4
	}
	return 1
}

// Collector polls one Modbus TCP device.
type Collector struct {
	*collector.SessionRunner

	device telemetry.Device
	out    collector.PointWriter
	clk    clock.Clock

	mu   sync.Mutex
	tags []telemetry.Tag
}

// New builds a Modbus collector. It satisfies collector.Factory.
func New(device telemetry.Device, tags []telemetry.Tag, out collector.PointWriter) (collector.Collector, error) {
	c := &Collector{device: device, out: out, clk: clock.New(), tags: tags}
	c.SessionRunner = collector.NewSessionRunner(device.ID, c.session)
	return c, nil
}

// ApplyConfig swaps the tag set; the poll loop picks it up on its next pass,
// no reconnect needed.
func (c *Collector) ApplyConfig(_ telemetry.Device, tags []telemetry.Tag) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tags = tags
}

func (c *Collector) session(ctx context.Context) error {
	handler := modbus.NewTCPClientHandler(fmt.Sprintf("%s:%d", c.device.Host, c.device.Port))
	handler.Timeout = connectTimeout
	if s, ok := c.device.Metadata["unit_id"]; ok {
		if n, err := strconv.ParseUint(s, 10, 8); err == nil {
			handler.SlaveId = byte(n)
		}
	}
	if err := handler.Connect(); err != nil {
		return errors.Wrap(err, "connecting")
	}
	defer handler.Close()
	c.MarkConnected()

	client := modbus.NewClient(handler)
	ticker := c.clk.Ticker(50 * time.Millisecond)
	defer ticker.Stop()

	nextDue := make(map[string]time.Time)
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if err := c.pollDue(client, now, nextDue); err != nil {
				return err
			}
		}
	}
}

// pollDue reads every tag whose scan interval has elapsed. A transport error
// fails the session and triggers a reconnect; a per-tag decode problem only
// downgrades that sample's quality.
func (c *Collector) pollDue(client modbus.Client, now time.Time, nextDue map[string]time.Time) error {
	c.mu.Lock()
	tags := c.tags
	c.mu.Unlock()

	for _, t := range tags {
		if now.Before(nextDue[t.ID]) {
			continue
		}
		interval := t.ScanIntervalMs
		if interval <= 0 {
			interval = defaultScanIntervalMs
		}
		nextDue[t.ID] = now.Add(time.Duration(interval) * time.Millisecond)

		addr, err := parseAddress(t.Address)
		if err != nil {
			log.Warnf("modbus %s: tag %s: %v", c.device.ID, t.ID, err) //nolint:errcheck
			continue
		}
		raw, err := c.read(client, addr, t.DataType)
		if err != nil {
			return errors.Wrapf(err, "reading %s", t.Address)
		}
		v, err := telemetry.CoerceValue(t.DataType, raw)
		quality := telemetry.QualityGood
		if err != nil {
			v = telemetry.Float64Value(0)
			quality = telemetry.QualityBad
		}
		p := telemetry.NewPoint(c.device.ID, t.ID, v, quality, now)
		p.Unit = t.Metadata["unit"]
		c.out.Write(p)
		c.NoteSample(p)
	}
	return nil
}

func (c *Collector) read(client modbus.Client, addr address, t telemetry.ValueType) (interface{}, error) {
	switch addr.table {
	case tableCoil, tableDiscrete:
		var buf []byte
		var err error
		if addr.table == tableCoil {
			buf, err = client.ReadCoils(addr.offset, 1)
		} else {
			buf, err = client.ReadDiscreteInputs(addr.offset, 1)
		}
		if err != nil {
			return nil, err
		}
		return len(buf) > 0 && buf[0]&1 == 1, nil
	}

	count := registerCount(t)
	var buf []byte
	var err error
	if addr.table == tableHolding {
		buf, err = client.ReadHoldingRegisters(addr.offset, count)
	} else {
		buf, err = client.ReadInputRegisters(addr.offset, count)
	}
	if err != nil {
		return nil, err
	}
	if len(buf) < int(count)*2 {
		return nil, fmt.Errorf("short read: %d bytes for %d registers", len(buf), count)
	}
	return decodeRegisters(buf, t), nil
}

// decodeRegisters interprets big-endian register bytes per the declared type.
func decodeRegisters(buf []byte, t telemetry.ValueType) interface{} {
	switch t {
	case telemetry.TypeBool:
		return binary.BigEndian.Uint16(buf) != 0
	case telemetry.TypeInt8:
		return int8(buf[1])
	case telemetry.TypeInt16:
		return int16(binary.BigEndian.Uint16(buf))
	case telemetry.TypeInt32:
		return int32(binary.BigEndian.Uint32(buf))
	case telemetry.TypeInt64:
		return int64(binary.BigEndian.Uint64(buf))
	case telemetry.TypeUInt8:
		return buf[1]
	case telemetry.TypeUInt32:
		return binary.BigEndian.Uint32(buf)
	case telemetry.TypeUInt64:
		return binary.BigEndian.Uint64(buf)
	case telemetry.TypeFloat32:
		return math.Float32frombits(binary.BigEndian.Uint32(buf))
	case telemetry.TypeFloat64:
		return math.Float64frombits(binary.BigEndian.Uint64(buf))
	}
	return binary.BigEndian.Uint16(buf)
}
