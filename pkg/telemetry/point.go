// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package telemetry

import (
	"time"

	"go.uber.org/atomic"
)

// Quality codes attached to each sample.
const (
	QualityGood      byte = 0
	QualityUncertain byte = 0x40
	QualityBad       byte = 0x80
)

var pointSeq = atomic.NewUint64(0)

// NextSeq returns the next per-process sequence number. Seq breaks ties
// between samples of the same tag carrying the same timestamp, preserving
// source order through the pipeline and the store.
func NextSeq() uint64 {
	return pointSeq.Inc()
}

// Point is one typed reading of one tag at one instant.
// (DeviceID, TagID, Ts, Seq) uniquely identifies a point.
type Point struct {
	DeviceID string
	TagID    string
	Ts       int64 // UTC milliseconds
	Seq      uint64
	Value    Value
	Quality  byte
	Unit     string
}

// NewPoint builds a Point stamped with the given wall-clock time and the next
// process-wide sequence number.
func NewPoint(deviceID, tagID string, value Value, quality byte, ts time.Time) Point {
	return Point{
		DeviceID: deviceID,
		TagID:    tagID,
		Ts:       ts.UTC().UnixMilli(),
		Seq:      NextSeq(),
		Value:    value,
		Quality:  quality,
	}
}

// Time returns the sample timestamp as a time.Time.
func (p Point) Time() time.Time {
	return time.UnixMilli(p.Ts).UTC()
}
