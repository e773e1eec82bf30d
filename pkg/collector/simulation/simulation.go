// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

// Package simulation implements a collector that synthesizes deterministic
// waveforms for its tags. It serves demos and tests, and stands in for any
// protocol a site has no hardware for.
package simulation

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/scadaflow/scadaflow/pkg/collector"
	"github.com/scadaflow/scadaflow/pkg/telemetry"
)

const (
	defaultScanIntervalMs = 1000
	defaultPeriod         = 60 * time.Second
	defaultAmplitude      = 100.0
)

// Waveform shapes, selected per tag via Metadata["waveform"] or, failing
// that, a heuristic on the tag name.
const (
	waveSine     = "sine"
	waveSawtooth = "sawtooth"
	waveStep     = "step"
	waveWalk     = "random-walk"
	waveCounter  = "counter"
)

// Collector generates samples for every enabled tag at its scan interval.
type Collector struct {
	*collector.SessionRunner

	device telemetry.Device
	out    collector.PointWriter
	clk    clock.Clock

	mu      sync.Mutex
	tags    []telemetry.Tag
	walk    map[string]float64
	counter map[string]int64
	rng     *rand.Rand
}

// New builds a simulation collector. It satisfies collector.Factory.
func New(device telemetry.Device, tags []telemetry.Tag, out collector.PointWriter) (collector.Collector, error) {
	h := fnv.New64a()
	h.Write([]byte(device.ID)) //nolint:errcheck
	c := &Collector{
		device:  device,
		out:     out,
		clk:     clock.New(),
		tags:    tags,
		walk:    make(map[string]float64),
		counter: make(map[string]int64),
		rng:     rand.New(rand.NewSource(int64(h.Sum64()))),
	}
	c.SessionRunner = collector.NewSessionRunner(device.ID, c.session)
	return c, nil
}

// ApplyConfig swaps the tag set in place. Waveform state for tags that
// survive the change carries over.
func (c *Collector) ApplyConfig(_ telemetry.Device, tags []telemetry.Tag) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tags = tags
}

// session never fails; it emits until cancellation.
func (c *Collector) session(ctx context.Context) error {
	c.MarkConnected()

	ticker := c.clk.Ticker(50 * time.Millisecond)
	defer ticker.Stop()

	nextDue := make(map[string]time.Time)
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			c.emitDue(now, nextDue)
		}
	}
}

func (c *Collector) emitDue(now time.Time, nextDue map[string]time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.tags {
		if now.Before(nextDue[t.ID]) {
			continue
		}
		interval := t.ScanIntervalMs
		if interval <= 0 {
			interval = defaultScanIntervalMs
		}
		nextDue[t.ID] = now.Add(time.Duration(interval) * time.Millisecond)

		v, err := telemetry.CoerceValue(t.DataType, c.generate(t, now))
		if err != nil {
			continue
		}
		p := telemetry.NewPoint(c.device.ID, t.ID, v, telemetry.QualityGood, now)
		c.out.Write(p)
		c.NoteSample(p)
	}
}

func (c *Collector) generate(t telemetry.Tag, now time.Time) float64 {
	amp := defaultAmplitude
	if s, ok := t.Metadata["amplitude"]; ok {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			amp = f
		}
	}
	period := defaultPeriod
	if s, ok := t.Metadata["period_seconds"]; ok {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			period = time.Duration(n) * time.Second
		}
	}
	phase := float64(now.UnixMilli()%period.Milliseconds()) / float64(period.Milliseconds())

	switch waveformFor(t) {
	case waveSawtooth:
		return phase * amp
	case waveStep:
		if phase < 0.5 {
			return 0
		}
		return 1
	case waveCounter:
		c.counter[t.ID]++
		return float64(c.counter[t.ID])
	case waveWalk:
		c.walk[t.ID] += c.rng.NormFloat64() * amp / 100
		return c.walk[t.ID]
	default:
		return amp/2 + amp/2*math.Sin(2*math.Pi*phase)
	}
}

func waveformFor(t telemetry.Tag) string {
	if w, ok := t.Metadata["waveform"]; ok {
		return w
	}
	switch t.DataType {
	case telemetry.TypeBool:
		return waveStep
	}
	switch {
	case containsAny(t.Name, "count", "total"):
		return waveCounter
	case containsAny(t.Name, "temp", "pressure", "speed", "rpm"):
		return waveSine
	}
	return waveWalk
}

func containsAny(s string, subs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range subs {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}
