// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package memory

import (
	"context"
	"sort"

	"github.com/scadaflow/scadaflow/pkg/store"
	"github.com/scadaflow/scadaflow/pkg/telemetry"
)

// InsertSegment persists a new (normally Active) segment.
func (s *Store) InsertSegment(_ context.Context, seg telemetry.Segment) error {
	if seg.ID == "" {
		return store.Validationf("segment: missing id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.segments[seg.ID]; exists {
		return store.Validationf("segment %s: already exists", seg.ID)
	}
	s.segments[seg.ID] = seg
	return nil
}

// AppendSegmentPoints adds captured samples to an active segment.
func (s *Store) AppendSegmentPoints(_ context.Context, segmentID string, points []telemetry.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.segments[segmentID]
	if !ok {
		return store.ErrNotFound
	}
	if seg.Status != telemetry.SegmentActive {
		return store.ErrInvalidTransition
	}
	s.segmentPoints[segmentID] = append(s.segmentPoints[segmentID], points...)
	return nil
}

// FinalizeSegment closes the segment; the sample set is immutable afterwards.
func (s *Store) FinalizeSegment(_ context.Context, segmentID string, endTs int64, status telemetry.SegmentStatus) error {
	if status != telemetry.SegmentCompleted && status != telemetry.SegmentAborted {
		return store.Validationf("segment %s: finalize status must be terminal", segmentID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.segments[segmentID]
	if !ok {
		return store.ErrNotFound
	}
	if seg.Status != telemetry.SegmentActive {
		return store.ErrInvalidTransition
	}
	if endTs < seg.StartTs {
		return store.Validationf("segment %s: end %d before start %d", segmentID, endTs, seg.StartTs)
	}
	seg.EndTs = endTs
	seg.Status = status
	s.segments[segmentID] = seg
	return nil
}

// GetSegment returns one segment.
func (s *Store) GetSegment(_ context.Context, segmentID string) (telemetry.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seg, ok := s.segments[segmentID]
	if !ok {
		return telemetry.Segment{}, store.ErrNotFound
	}
	return seg, nil
}

// ListSegments returns segments of a rule, newest first.
func (s *Store) ListSegments(_ context.Context, ruleID string, limit int) ([]telemetry.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []telemetry.Segment
	for _, seg := range s.segments {
		if ruleID != "" && seg.RuleID != ruleID {
			continue
		}
		out = append(out, seg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTs > out[j].StartTs })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetSegmentPoints returns the captured samples of a segment in (ts, seq) order.
func (s *Store) GetSegmentPoints(_ context.Context, segmentID string) ([]telemetry.Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.segments[segmentID]; !ok {
		return nil, store.ErrNotFound
	}
	pts := append([]telemetry.Point(nil), s.segmentPoints[segmentID]...)
	sort.Slice(pts, func(i, j int) bool {
		if pts[i].Ts != pts[j].Ts {
			return pts[i].Ts < pts[j].Ts
		}
		return pts[i].Seq < pts[j].Seq
	})
	return pts, nil
}
