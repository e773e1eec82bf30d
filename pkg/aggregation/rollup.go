// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

// Package aggregation runs the background rollup and retention jobs: raw
// samples fold into minute buckets, minute buckets into hour buckets, and
// each tier is pruned only up to the watermark of the tier built from it, so
// data is never dropped before it has been rolled up.
package aggregation

import (
	"context"
	"sort"
	"time"

	"github.com/scadaflow/scadaflow/pkg/store"
)

const (
	minuteMs = int64(60 * 1000)
	hourMs   = int64(60 * 60 * 1000)

	// rollupBatchLimit bounds how many source rows one pass reads.
	rollupBatchLimit = 50000
)

type bucketKey struct {
	deviceID string
	tagID    string
	tsBucket int64
}

// rollupRaw folds raw samples newer than the minute watermark into minute
// buckets. Only buckets that ended at or before nowTs are written, so a
// minute still receiving samples is left for the next pass. Returns the
// number of buckets written.
func rollupRaw(ctx context.Context, st store.AggregationStore, nowTs int64, limit int) (int, error) {
	if limit <= 0 {
		limit = rollupBatchLimit
	}
	wm, err := st.GetWatermark(ctx, store.TableTelemetry1m)
	if err != nil {
		return 0, err
	}
	points, err := st.ReadRawSince(ctx, wm, limit)
	if err != nil {
		return 0, err
	}
	if len(points) == 0 {
		return 0, nil
	}

	// A read that filled the limit may have stopped mid-bucket. The boundary
	// bucket cannot be finished from what was read, so it is held back and
	// re-read on the next pass from the unadvanced watermark.
	partial := int64(-1)
	if len(points) == limit {
		last := points[len(points)-1].Ts
		partial = last - last%minuteMs
	}

	closed := nowTs - nowTs%minuteMs
	acc := make(map[bucketKey]*store.Bucket)
	lastTs := make(map[bucketKey]int64)
	var maxBucketEnd int64
	for _, p := range points {
		v, ok := p.Value.Float64()
		if !ok {
			continue
		}
		bucket := p.Ts - p.Ts%minuteMs
		if bucket+minuteMs > closed || bucket == partial {
			continue
		}
		k := bucketKey{p.DeviceID, p.TagID, bucket}
		b, seen := acc[k]
		if !seen {
			b = &store.Bucket{
				DeviceID: p.DeviceID, TagID: p.TagID, TsBucket: bucket,
				Min: v, Max: v, First: v,
			}
			acc[k] = b
		}
		if v < b.Min {
			b.Min = v
		}
		if v > b.Max {
			b.Max = v
		}
		if p.Ts >= lastTs[k] {
			lastTs[k] = p.Ts
			b.Last = v
		}
		b.Avg += v // running sum, divided below
		b.Count++
		if end := bucket + minuteMs; end > maxBucketEnd {
			maxBucketEnd = end
		}
	}
	if len(acc) == 0 {
		return 0, nil
	}

	rows := finishBuckets(acc)
	if err := st.UpsertAggregates(ctx, store.TableTelemetry1m, rows); err != nil {
		return 0, err
	}
	// The watermark moves only after the rows are durable.
	if err := st.SetWatermark(ctx, store.TableTelemetry1m, maxBucketEnd-1); err != nil {
		return len(rows), err
	}
	return len(rows), nil
}

// rollupMinutes folds minute buckets newer than the hour watermark into hour
// buckets, averaging with per-bucket sample counts as weights.
func rollupMinutes(ctx context.Context, st store.AggregationStore, nowTs int64, limit int) (int, error) {
	if limit <= 0 {
		limit = rollupBatchLimit
	}
	wm, err := st.GetWatermark(ctx, store.TableTelemetry1h)
	if err != nil {
		return 0, err
	}
	src, err := st.ReadAggregatesSince(ctx, store.TableTelemetry1m, wm, limit)
	if err != nil {
		return 0, err
	}
	if len(src) == 0 {
		return 0, nil
	}

	partial := int64(-1)
	if len(src) == limit {
		last := src[len(src)-1].TsBucket
		partial = last - last%hourMs
	}

	closed := nowTs - nowTs%hourMs
	acc := make(map[bucketKey]*store.Bucket)
	lastTs := make(map[bucketKey]int64)
	var maxBucketEnd int64
	for _, m := range src {
		bucket := m.TsBucket - m.TsBucket%hourMs
		if bucket+hourMs > closed || bucket == partial {
			continue
		}
		k := bucketKey{m.DeviceID, m.TagID, bucket}
		b, seen := acc[k]
		if !seen {
			b = &store.Bucket{
				DeviceID: m.DeviceID, TagID: m.TagID, TsBucket: bucket,
				Min: m.Min, Max: m.Max, First: m.First,
			}
			acc[k] = b
			lastTs[k] = -1
		}
		if m.Min < b.Min {
			b.Min = m.Min
		}
		if m.Max > b.Max {
			b.Max = m.Max
		}
		if m.TsBucket > lastTs[k] {
			lastTs[k] = m.TsBucket
			b.Last = m.Last
		}
		b.Avg += m.Avg * float64(m.Count)
		b.Count += m.Count
		if end := bucket + hourMs; end > maxBucketEnd {
			maxBucketEnd = end
		}
	}
	if len(acc) == 0 {
		return 0, nil
	}

	rows := finishBuckets(acc)
	if err := st.UpsertAggregates(ctx, store.TableTelemetry1h, rows); err != nil {
		return 0, err
	}
	if err := st.SetWatermark(ctx, store.TableTelemetry1h, maxBucketEnd-1); err != nil {
		return len(rows), err
	}
	return len(rows), nil
}

// finishBuckets converts running sums into averages and returns rows in a
// stable order.
func finishBuckets(acc map[bucketKey]*store.Bucket) []store.Bucket {
	rows := make([]store.Bucket, 0, len(acc))
	for _, b := range acc {
		if b.Count > 0 {
			b.Avg /= float64(b.Count)
		}
		rows = append(rows, *b)
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.DeviceID != b.DeviceID {
			return a.DeviceID < b.DeviceID
		}
		if a.TagID != b.TagID {
			return a.TagID < b.TagID
		}
		return a.TsBucket < b.TsBucket
	})
	return rows
}

// pruneCutoff computes the prune cutoff for a table: the retention horizon
// clamped to the governing watermark, so pruning never outruns rollup.
func pruneCutoff(ctx context.Context, st store.AggregationStore, table string, retention time.Duration, nowTs int64) (int64, error) {
	cutoff := nowTs - retention.Milliseconds()
	var guard string
	switch table {
	case store.TableTelemetryRaw:
		guard = store.TableTelemetry1m
	case store.TableTelemetry1m:
		guard = store.TableTelemetry1h
	default:
		return cutoff, nil
	}
	wm, err := st.GetWatermark(ctx, guard)
	if err != nil {
		return 0, err
	}
	if cutoff > wm {
		cutoff = wm
	}
	return cutoff, nil
}
