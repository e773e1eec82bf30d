// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package memory

import (
	"context"
	"sort"

	"github.com/scadaflow/scadaflow/pkg/store"
	"github.com/scadaflow/scadaflow/pkg/telemetry"
)

// PutBaseline stores an opaque model blob for (device, baselineType).
func (s *Store) PutBaseline(_ context.Context, deviceID, baselineType string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baselines[baselineKey{deviceID, baselineType}] = append([]byte(nil), payload...)
	return nil
}

// GetBaseline returns a stored model blob.
func (s *Store) GetBaseline(_ context.Context, deviceID, baselineType string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.baselines[baselineKey{deviceID, baselineType}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

// GetRevision returns the config revision counter.
func (s *Store) GetRevision(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision, nil
}

// IncrementRevision bumps and returns the config revision counter.
func (s *Store) IncrementRevision(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revision++
	return s.revision, nil
}

// GetWatermark returns the aggregation watermark for table, 0 if unset.
func (s *Store) GetWatermark(_ context.Context, table string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermarks[table], nil
}

// SetWatermark stores the aggregation watermark for table.
func (s *Store) SetWatermark(_ context.Context, table string, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermarks[table] = ts
	return nil
}

// UpsertAggregates replaces rollup rows keyed by (device, tag, bucket).
func (s *Store) UpsertAggregates(_ context.Context, table string, rows []store.Bucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.aggregates[table]
	if !ok {
		t = make(map[latestKey]map[int64]store.Bucket)
		s.aggregates[table] = t
	}
	for _, r := range rows {
		k := latestKey{r.DeviceID, r.TagID}
		byBucket, ok := t[k]
		if !ok {
			byBucket = make(map[int64]store.Bucket)
			t[k] = byBucket
		}
		byBucket[r.TsBucket] = r
	}
	return nil
}

// ReadRawSince returns raw samples with Ts > sinceTs in (ts, seq) order.
func (s *Store) ReadRawSince(_ context.Context, sinceTs int64, limit int) ([]telemetry.Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []telemetry.Point
	for _, p := range s.points {
		if p.Ts > sinceTs {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ts != out[j].Ts {
			return out[i].Ts < out[j].Ts
		}
		return out[i].Seq < out[j].Seq
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ReadAggregatesSince returns aggregate rows with TsBucket > sinceTs.
func (s *Store) ReadAggregatesSince(_ context.Context, table string, sinceTs int64, limit int) ([]store.Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Bucket
	for _, byBucket := range s.aggregates[table] {
		for _, b := range byBucket {
			if b.TsBucket > sinceTs {
				out = append(out, b)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TsBucket < out[j].TsBucket })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteBefore prunes rows below cutoff, clamped by the governing watermark.
// A cutoff above the watermark is refused: pruning never runs ahead of
// aggregation.
func (s *Store) DeleteBefore(_ context.Context, table string, cutoffTs int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch table {
	case store.TableTelemetryRaw, store.TableTelemetry1m, store.TableTelemetry1h:
	default:
		return 0, store.Validationf("unknown table %q", table)
	}
	watermarkTable, ok := guardingWatermark(table)
	if ok {
		if cutoffTs > s.watermarks[watermarkTable] {
			return 0, store.ErrWatermark
		}
	}

	var deleted int64
	switch table {
	case store.TableTelemetryRaw:
		kept := s.points[:0]
		for _, p := range s.points {
			if p.Ts < cutoffTs {
				deleted++
				continue
			}
			kept = append(kept, p)
		}
		s.points = kept
	default:
		for k, byBucket := range s.aggregates[table] {
			for ts := range byBucket {
				if ts < cutoffTs {
					delete(byBucket, ts)
					deleted++
				}
			}
			if len(byBucket) == 0 {
				delete(s.aggregates[table], k)
			}
		}
	}
	return deleted, nil
}

// guardingWatermark maps a prunable table to the watermark that must not be
// overtaken: raw rows are guarded by the 1m watermark, 1m rows by the 1h one.
func guardingWatermark(table string) (string, bool) {
	switch table {
	case store.TableTelemetryRaw:
		return store.TableTelemetry1m, true
	case store.TableTelemetry1m:
		return store.TableTelemetry1h, true
	}
	return "", false
}
