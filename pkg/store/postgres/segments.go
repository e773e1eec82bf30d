// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package postgres

import (
	"context"

	"github.com/scadaflow/scadaflow/pkg/store"
	"github.com/scadaflow/scadaflow/pkg/telemetry"
)

type segmentRow struct {
	ID       string `db:"id"`
	RuleID   string `db:"rule_id"`
	DeviceID string `db:"device_id"`
	StartTs  int64  `db:"start_ts"`
	EndTs    int64  `db:"end_ts"`
	Status   int    `db:"status"`
}

func (r segmentRow) toSegment() telemetry.Segment {
	return telemetry.Segment{
		ID: r.ID, RuleID: r.RuleID, DeviceID: r.DeviceID,
		StartTs: r.StartTs, EndTs: r.EndTs, Status: telemetry.SegmentStatus(r.Status),
	}
}

// InsertSegment persists a new segment.
func (s *Store) InsertSegment(ctx context.Context, seg telemetry.Segment) error {
	if seg.ID == "" {
		return store.Validationf("segment: missing id")
	}
	s.segmentMu.Lock()
	defer s.segmentMu.Unlock()
	_, err := s.db.ExecContext(ctx, `INSERT INTO collection_segment
		(id, rule_id, device_id, start_ts, end_ts, status)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		seg.ID, seg.RuleID, seg.DeviceID, seg.StartTs, seg.EndTs, int(seg.Status))
	return classify(err)
}

// AppendSegmentPoints adds captured samples to an active segment.
func (s *Store) AppendSegmentPoints(ctx context.Context, segmentID string, points []telemetry.Point) error {
	if len(points) == 0 {
		return nil
	}
	s.segmentMu.Lock()
	defer s.segmentMu.Unlock()

	var status int
	if err := s.db.GetContext(ctx, &status,
		`SELECT status FROM collection_segment WHERE id = $1`, segmentID); err != nil {
		return classify(err)
	}
	if telemetry.SegmentStatus(status) != telemetry.SegmentActive {
		return store.ErrInvalidTransition
	}

	type spRow struct {
		SegmentID string `db:"segment_id"`
		pointRow
	}
	rows := make([]spRow, 0, len(points))
	for _, p := range points {
		rows = append(rows, spRow{SegmentID: segmentID, pointRow: toPointRow(p)})
	}
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO segment_point
		(segment_id, device_id, tag_id, ts, seq, value_type, value_num, value_str, value_bytes, value_time, quality, unit)
		VALUES (:segment_id, :device_id, :tag_id, :ts, :seq, :value_type, :value_num, :value_str, :value_bytes, :value_time, :quality, :unit)
		ON CONFLICT DO NOTHING`, rows)
	return classify(err)
}

// FinalizeSegment closes the segment; re-finalizing is refused.
func (s *Store) FinalizeSegment(ctx context.Context, segmentID string, endTs int64, status telemetry.SegmentStatus) error {
	if status != telemetry.SegmentCompleted && status != telemetry.SegmentAborted {
		return store.Validationf("segment %s: finalize status must be terminal", segmentID)
	}
	s.segmentMu.Lock()
	defer s.segmentMu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE collection_segment SET end_ts = $2, status = $3
		 WHERE id = $1 AND status = 0 AND start_ts <= $2`,
		segmentID, endTs, int(status))
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := s.db.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM collection_segment WHERE id = $1)`, segmentID); err != nil {
			return classify(err)
		}
		if !exists {
			return store.ErrNotFound
		}
		return store.ErrInvalidTransition
	}
	return nil
}

// GetSegment returns one segment.
func (s *Store) GetSegment(ctx context.Context, segmentID string) (telemetry.Segment, error) {
	var r segmentRow
	if err := s.db.GetContext(ctx, &r,
		`SELECT * FROM collection_segment WHERE id = $1`, segmentID); err != nil {
		return telemetry.Segment{}, classify(err)
	}
	return r.toSegment(), nil
}

// ListSegments returns segments of a rule, newest first.
func (s *Store) ListSegments(ctx context.Context, ruleID string, limit int) ([]telemetry.Segment, error) {
	query := `SELECT * FROM collection_segment`
	args := []interface{}{}
	if ruleID != "" {
		args = append(args, ruleID)
		query += ` WHERE rule_id = $1`
	}
	query += ` ORDER BY start_ts DESC`
	if limit > 0 {
		args = append(args, limit)
		if ruleID != "" {
			query += ` LIMIT $2`
		} else {
			query += ` LIMIT $1`
		}
	}
	var rows []segmentRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, classify(err)
	}
	out := make([]telemetry.Segment, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toSegment())
	}
	return out, nil
}

// GetSegmentPoints returns the captured samples of a segment in (ts, seq) order.
func (s *Store) GetSegmentPoints(ctx context.Context, segmentID string) ([]telemetry.Point, error) {
	var rows []pointRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT device_id, tag_id, ts, seq, value_type, value_num, value_str, value_bytes, value_time, quality, unit
		 FROM segment_point WHERE segment_id = $1 ORDER BY ts, seq`, segmentID)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]telemetry.Point, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toPoint())
	}
	return out, nil
}
