// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/scadaflow/scadaflow/pkg/store"
	"github.com/scadaflow/scadaflow/pkg/telemetry"
)

// PutBaseline stores an opaque model blob for (device, baselineType).
func (s *Store) PutBaseline(ctx context.Context, deviceID, baselineType string, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO baseline (device_id, baseline_type, payload, updated_utc)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (device_id, baseline_type) DO UPDATE SET
			payload = EXCLUDED.payload, updated_utc = now()`,
		deviceID, baselineType, payload)
	return classify(err)
}

// GetBaseline returns a stored model blob.
func (s *Store) GetBaseline(ctx context.Context, deviceID, baselineType string) ([]byte, error) {
	var payload []byte
	err := s.db.GetContext(ctx, &payload,
		`SELECT payload FROM baseline WHERE device_id = $1 AND baseline_type = $2`,
		deviceID, baselineType)
	if err != nil {
		return nil, classify(err)
	}
	return payload, nil
}

// GetRevision returns the config revision counter.
func (s *Store) GetRevision(ctx context.Context) (int64, error) {
	var rev int64
	if err := s.db.GetContext(ctx, &rev,
		`SELECT revision FROM config_revision WHERE id = 1`); err != nil {
		return 0, classify(err)
	}
	return rev, nil
}

// IncrementRevision bumps and returns the config revision counter. This is
// the API boundary's only required call into the core.
func (s *Store) IncrementRevision(ctx context.Context) (int64, error) {
	var rev int64
	err := s.db.GetContext(ctx, &rev,
		`UPDATE config_revision SET revision = revision + 1 WHERE id = 1 RETURNING revision`)
	if err != nil {
		return 0, classify(err)
	}
	return rev, nil
}

// GetWatermark returns the aggregation watermark for table, 0 if unset.
func (s *Store) GetWatermark(ctx context.Context, table string) (int64, error) {
	var ts int64
	err := s.db.GetContext(ctx, &ts,
		`SELECT last_processed_ts FROM aggregate_state WHERE table_name = $1`, table)
	if err != nil {
		if err = classify(err); errors.Is(err, store.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return ts, nil
}

// SetWatermark stores the aggregation watermark for table.
func (s *Store) SetWatermark(ctx context.Context, table string, ts int64) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO aggregate_state (table_name, last_processed_ts)
		VALUES ($1, $2)
		ON CONFLICT (table_name) DO UPDATE SET last_processed_ts = EXCLUDED.last_processed_ts`,
		table, ts)
	return classify(err)
}

// aggregateTable whitelists the tables rollup rows may be written to or
// pruned from; table names are interpolated into SQL so they must never come
// from outside this list.
func aggregateTable(table string) (string, error) {
	switch table {
	case store.TableTelemetry1m:
		return "telemetry_1m", nil
	case store.TableTelemetry1h:
		return "telemetry_1h", nil
	}
	return "", store.Validationf("unknown aggregate table %q", table)
}

// UpsertAggregates replaces rollup rows keyed by (device, tag, bucket).
func (s *Store) UpsertAggregates(ctx context.Context, table string, rows []store.Bucket) error {
	if len(rows) == 0 {
		return nil
	}
	name, err := aggregateTable(table)
	if err != nil {
		return err
	}
	type aggRow struct {
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
	in := make([]aggRow, 0, len(rows))
	for _, r := range rows {
		in = append(in, aggRow{r.DeviceID, r.TagID, r.TsBucket, r.Min, r.Max, r.Avg, r.First, r.Last, r.Count})
	}
	query := fmt.Sprintf(`INSERT INTO %s
		(device_id, tag_id, ts_bucket, min_value, max_value, avg_value, first_value, last_value, sample_count)
		VALUES (:device_id, :tag_id, :ts_bucket, :min_value, :max_value, :avg_value, :first_value, :last_value, :sample_count)
		ON CONFLICT (device_id, tag_id, ts_bucket) DO UPDATE SET
			min_value = EXCLUDED.min_value, max_value = EXCLUDED.max_value,
			avg_value = EXCLUDED.avg_value, first_value = EXCLUDED.first_value,
			last_value = EXCLUDED.last_value, sample_count = EXCLUDED.sample_count`, name)
	_, err = s.db.NamedExecContext(ctx, query, in)
	return classify(err)
}

// ReadRawSince returns raw samples with Ts > sinceTs in (ts, seq) order.
func (s *Store) ReadRawSince(ctx context.Context, sinceTs int64, limit int) ([]telemetry.Point, error) {
	query := `SELECT * FROM telemetry WHERE ts > $1 ORDER BY ts, seq`
	args := []interface{}{sinceTs}
	if limit > 0 {
		args = append(args, limit)
		query += ` LIMIT $2`
	}
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

// ReadAggregatesSince returns aggregate rows with TsBucket > sinceTs.
func (s *Store) ReadAggregatesSince(ctx context.Context, table string, sinceTs int64, limit int) ([]store.Bucket, error) {
	name, err := aggregateTable(table)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT device_id, tag_id, ts_bucket, min_value, max_value, avg_value,
		first_value, last_value, sample_count
		FROM %s WHERE ts_bucket > $1 ORDER BY ts_bucket`, name)
	args := []interface{}{sinceTs}
	if limit > 0 {
		args = append(args, limit)
		query += ` LIMIT $2`
	}
	type aggRow struct {
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
	var rows []aggRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
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

// DeleteBefore prunes rows below cutoff. The cutoff is checked against the
// governing watermark first; pruning never runs ahead of aggregation.
func (s *Store) DeleteBefore(ctx context.Context, table string, cutoffTs int64) (int64, error) {
	var name, watermarkTable string
	switch table {
	case store.TableTelemetryRaw:
		name, watermarkTable = "telemetry", store.TableTelemetry1m
	case store.TableTelemetry1m:
		name, watermarkTable = "telemetry_1m", store.TableTelemetry1h
	case store.TableTelemetry1h:
		name, watermarkTable = "telemetry_1h", ""
	default:
		return 0, store.Validationf("unknown table %q", table)
	}

	if watermarkTable != "" {
		wm, err := s.GetWatermark(ctx, watermarkTable)
		if err != nil {
			return 0, err
		}
		if cutoffTs > wm {
			return 0, store.ErrWatermark
		}
	}

	col := "ts"
	if table != store.TableTelemetryRaw {
		col = "ts_bucket"
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE %s < $1`, name, col), cutoffTs)
	if err != nil {
		return 0, classify(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
