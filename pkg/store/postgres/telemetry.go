// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/scadaflow/scadaflow/pkg/store"
	"github.com/scadaflow/scadaflow/pkg/telemetry"
)

type pointRow struct {
	DeviceID   string          `db:"device_id"`
	TagID      string          `db:"tag_id"`
	Ts         int64           `db:"ts"`
	Seq        int64           `db:"seq"`
	ValueType  int             `db:"value_type"`
	ValueNum   sql.NullFloat64 `db:"value_num"`
	ValueStr   sql.NullString  `db:"value_str"`
	ValueBytes []byte          `db:"value_bytes"`
	ValueTime  sql.NullTime    `db:"value_time"`
	Quality    int16           `db:"quality"`
	Unit       string          `db:"unit"`
}

func toPointRow(p telemetry.Point) pointRow {
	r := pointRow{
		DeviceID:  p.DeviceID,
		TagID:     p.TagID,
		Ts:        p.Ts,
		Seq:       int64(p.Seq),
		ValueType: int(p.Value.Type),
		Quality:   int16(p.Quality),
		Unit:      p.Unit,
	}
	switch p.Value.Type {
	case telemetry.TypeString:
		r.ValueStr = sql.NullString{String: p.Value.String(), Valid: true}
	case telemetry.TypeBytes:
		r.ValueBytes = p.Value.Bytes()
	case telemetry.TypeDateTime:
		r.ValueTime = sql.NullTime{Time: p.Value.Time(), Valid: true}
	default:
		if f, ok := p.Value.Float64(); ok {
			r.ValueNum = sql.NullFloat64{Float64: f, Valid: true}
		}
	}
	return r
}

func (r pointRow) toPoint() telemetry.Point {
	t := telemetry.ValueType(r.ValueType)
	var v telemetry.Value
	switch t {
	case telemetry.TypeString:
		v = telemetry.StringValue(r.ValueStr.String)
	case telemetry.TypeBytes:
		v = telemetry.BytesValue(r.ValueBytes)
	case telemetry.TypeDateTime:
		v = telemetry.DateTimeValue(r.ValueTime.Time)
	case telemetry.TypeBool:
		v = telemetry.BoolValue(r.ValueNum.Float64 != 0)
	case telemetry.TypeInt8, telemetry.TypeInt16, telemetry.TypeInt32, telemetry.TypeInt64:
		v = telemetry.IntValue(t, int64(r.ValueNum.Float64))
	case telemetry.TypeUInt8, telemetry.TypeUInt16, telemetry.TypeUInt32, telemetry.TypeUInt64:
		v = telemetry.UintValue(t, uint64(r.ValueNum.Float64))
	case telemetry.TypeFloat32:
		v = telemetry.Float32Value(float32(r.ValueNum.Float64))
	default:
		v = telemetry.Float64Value(r.ValueNum.Float64)
	}
	return telemetry.Point{
		DeviceID: r.DeviceID,
		TagID:    r.TagID,
		Ts:       r.Ts,
		Seq:      uint64(r.Seq),
		Value:    v,
		Quality:  byte(r.Quality),
		Unit:     r.Unit,
	}
}

const insertPointSQL = `INSERT INTO telemetry
	(device_id, tag_id, ts, seq, value_type, value_num, value_str, value_bytes, value_time, quality, unit)
	VALUES (:device_id, :tag_id, :ts, :seq, :value_type, :value_num, :value_str, :value_bytes, :value_time, :quality, :unit)
	ON CONFLICT (device_id, tag_id, ts, seq) DO NOTHING`

const upsertLatestSQL = `INSERT INTO telemetry_latest
	(device_id, tag_id, ts, seq, value_type, value_num, value_str, value_bytes, value_time, quality, unit)
	VALUES (:device_id, :tag_id, :ts, :seq, :value_type, :value_num, :value_str, :value_bytes, :value_time, :quality, :unit)
	ON CONFLICT (device_id, tag_id) DO UPDATE SET
		ts = EXCLUDED.ts, seq = EXCLUDED.seq, value_type = EXCLUDED.value_type,
		value_num = EXCLUDED.value_num, value_str = EXCLUDED.value_str,
		value_bytes = EXCLUDED.value_bytes, value_time = EXCLUDED.value_time,
		quality = EXCLUDED.quality, unit = EXCLUDED.unit
	WHERE telemetry_latest.ts < EXCLUDED.ts
		OR (telemetry_latest.ts = EXCLUDED.ts AND telemetry_latest.seq < EXCLUDED.seq)`

// AppendBatch atomically persists the batch and refreshes the latest-value
// table in the same transaction.
func (s *Store) AppendBatch(ctx context.Context, points []telemetry.Point) error {
	if len(points) == 0 {
		return nil
	}
	s.telemetryMu.Lock()
	defer s.telemetryMu.Unlock()

	rows := make([]pointRow, 0, len(points))
	for _, p := range points {
		rows = append(rows, toPointRow(p))
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.NamedExecContext(ctx, insertPointSQL, rows); err != nil {
		return classify(err)
	}
	// Latest-value upserts go row by row; a multi-row upsert can touch the
	// same (device, tag) twice in one statement, which postgres rejects.
	for _, r := range rows {
		if _, err := tx.NamedExecContext(ctx, upsertLatestSQL, r); err != nil {
			return classify(err)
		}
	}
	return classify(tx.Commit())
}

// GetLatest serves from the latest-value table, never from a raw scan.
func (s *Store) GetLatest(ctx context.Context, deviceID, tagID string) ([]telemetry.Point, error) {
	query := `SELECT * FROM telemetry_latest WHERE 1=1`
	args := []interface{}{}
	if deviceID != "" {
		args = append(args, deviceID)
		query += fmt.Sprintf(" AND device_id = $%d", len(args))
	}
	if tagID != "" {
		args = append(args, tagID)
		query += fmt.Sprintf(" AND tag_id = $%d", len(args))
	}
	query += " ORDER BY device_id, tag_id"

	var rows []pointRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, classify(err)
	}
	out := make([]telemetry.Point, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toPoint())
	}
	return out, nil
}

// QueryRange iterates raw samples strictly forward in (ts, seq) order. The
// returned cursor resumes after the last row.
func (s *Store) QueryRange(ctx context.Context, q store.RangeQuery) ([]telemetry.Point, string, error) {
	query := `SELECT * FROM telemetry WHERE 1=1`
	args := []interface{}{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		query += fmt.Sprintf(clause, len(args))
	}
	if q.DeviceID != "" {
		add(" AND device_id = $%d", q.DeviceID)
	}
	if q.TagID != "" {
		add(" AND tag_id = $%d", q.TagID)
	}
	if q.StartTs != 0 {
		add(" AND ts >= $%d", q.StartTs)
	}
	if q.EndTs != 0 {
		add(" AND ts <= $%d", q.EndTs)
	}
	if q.Cursor != "" {
		ts, seq, err := store.DecodeCursor(q.Cursor)
		if err != nil {
			return nil, "", err
		}
		args = append(args, ts, int64(seq))
		query += fmt.Sprintf(" AND (ts, seq) > ($%d, $%d)", len(args)-1, len(args))
	}
	query += " ORDER BY ts, seq"
	limit := q.Limit
	if limit > 0 {
		add(" LIMIT $%d", limit)
	}

	var rows []pointRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, "", classify(err)
	}
	out := make([]telemetry.Point, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toPoint())
	}
	next := ""
	if limit > 0 && len(out) == limit {
		last := out[len(out)-1]
		next = store.EncodeCursor(last.Ts, last.Seq)
	}
	return out, next, nil
}

// Aggregate computes bucketed aggregates over raw samples.
func (s *Store) Aggregate(ctx context.Context, deviceID, tagID string, startTs, endTs, bucketMs int64, fn store.AggregateFn) ([]store.Bucket, error) {
	if bucketMs <= 0 {
		return nil, store.Validationf("bucket size must be positive")
	}
	switch fn {
	case store.AggAvg, store.AggMin, store.AggMax, store.AggSum, store.AggCount:
	default:
		return nil, store.Validationf("unknown aggregate fn %q", fn)
	}

	query := `SELECT device_id, tag_id,
			(ts / $1) * $1 AS ts_bucket,
			MIN(value_num)  AS min_value,
			MAX(value_num)  AS max_value,
			AVG(value_num)  AS avg_value,
			(array_agg(value_num ORDER BY ts, seq))[1] AS first_value,
			(array_agg(value_num ORDER BY ts DESC, seq DESC))[1] AS last_value,
			COUNT(value_num) AS sample_count
		FROM telemetry
		WHERE device_id = $2 AND tag_id = $3 AND ts >= $4 AND ts <= $5 AND value_num IS NOT NULL
		GROUP BY device_id, tag_id, ts_bucket
		ORDER BY ts_bucket`

	type bucketRow struct {
		DeviceID string  `db:"device_id"`
		TagID    string  `db:"tag_id"`
		TsBucket int64   `db:"ts_bucket"`
		Min      float64 `db:"min_value"`
		Max      float64 `db:"max_value"`
		Avg      float64 `db:"avg_value"`
		First    float64 `db:"first_value"`
		Last     float64 `db:"last_value"`
		Count    int64   `db:"sample_count"`
	}
	var rows []bucketRow
	if err := s.db.SelectContext(ctx, &rows, query, bucketMs, deviceID, tagID, startTs, endTs); err != nil {
		return nil, classify(err)
	}
	out := make([]store.Bucket, 0, len(rows))
	for _, r := range rows {
		out = append(out, store.Bucket{
			DeviceID: r.DeviceID, TagID: r.TagID, TsBucket: r.TsBucket,
			Min: r.Min, Max: r.Max, Avg: r.Avg, First: r.First, Last: r.Last, Count: r.Count,
		})
	}
	return out, nil
}
