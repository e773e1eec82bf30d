// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package collection

import (
	"github.com/scadaflow/scadaflow/pkg/telemetry"
)

// defaultRingCap is the hard sample cap per rule's pre-buffer, applied on
// top of the time-based retention, whichever is smaller.
const defaultRingCap = 100000

// ring retains recent samples of a rule's captured tags for the pre-buffer
// window. Appends happen in sample order; pruning drops entries older than
// the lookback or beyond the hard cap.
type ring struct {
	points  []telemetry.Point
	maxSize int
}

func newRing(maxSize int) *ring {
	if maxSize <= 0 || maxSize > defaultRingCap {
		maxSize = defaultRingCap
	}
	return &ring{maxSize: maxSize}
}

func (r *ring) append(p telemetry.Point) {
	r.points = append(r.points, p)
	if len(r.points) > r.maxSize {
		// Shift rather than reslice forever; the cap bounds the copy.
		copy(r.points, r.points[len(r.points)-r.maxSize:])
		r.points = r.points[:r.maxSize]
	}
}

// prune discards samples with Ts < cutoff.
func (r *ring) prune(cutoffTs int64) {
	idx := 0
	for idx < len(r.points) && r.points[idx].Ts < cutoffTs {
		idx++
	}
	if idx > 0 {
		r.points = append(r.points[:0], r.points[idx:]...)
	}
}

// window returns the samples with startTs ≤ Ts < endTs.
func (r *ring) window(startTs, endTs int64) []telemetry.Point {
	var out []telemetry.Point
	for _, p := range r.points {
		if p.Ts >= startTs && p.Ts < endTs {
			out = append(out, p)
		}
	}
	return out
}

func (r *ring) clear() {
	r.points = r.points[:0]
}
