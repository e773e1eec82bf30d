// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package telemetry

import "fmt"

// SegmentStatus is the lifecycle state of a collection segment.
type SegmentStatus int

// Segment statuses. A segment is Active while its rule is collecting,
// Completed when the stop condition plus post-buffer elapsed, and Aborted
// when the hard collection ceiling was hit. Completed segments are immutable.
const (
	SegmentActive    SegmentStatus = 0
	SegmentCompleted SegmentStatus = 1
	SegmentAborted   SegmentStatus = 2
)

func (s SegmentStatus) String() string {
	switch s {
	case SegmentActive:
		return "active"
	case SegmentCompleted:
		return "completed"
	case SegmentAborted:
		return "aborted"
	}
	return fmt.Sprintf("segmentstatus(%d)", int(s))
}

// Segment is a bounded time-window capture of samples produced by a
// collection rule. StartTs ≤ EndTs always holds once finalized.
type Segment struct {
	ID       string
	RuleID   string
	DeviceID string
	StartTs  int64
	EndTs    int64
	Status   SegmentStatus
}
