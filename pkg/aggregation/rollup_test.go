// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package aggregation

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scadaflow/scadaflow/pkg/store"
	"github.com/scadaflow/scadaflow/pkg/store/memory"
	"github.com/scadaflow/scadaflow/pkg/telemetry"
)

func raw(ts int64, v float64) telemetry.Point {
	return telemetry.Point{
		DeviceID: "d1", TagID: "t1", Ts: ts, Seq: telemetry.NextSeq(),
		Value: telemetry.Float64Value(v),
	}
}

func TestRollupRawProducesMinuteBuckets(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.AppendBatch(ctx, []telemetry.Point{
		raw(1000, 10), raw(30000, 20), raw(59000, 30), // minute 0
		raw(61000, 40),   // minute 1
		raw(125000, 100), // minute 2, still open
	}))

	n, err := rollupRaw(ctx, st, 125000, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "the open minute is not rolled up")

	rows, err := st.ReadAggregatesSince(ctx, store.TableTelemetry1m, -1, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	b0 := rows[0]
	assert.Equal(t, int64(0), b0.TsBucket)
	assert.Equal(t, 10.0, b0.Min)
	assert.Equal(t, 30.0, b0.Max)
	assert.Equal(t, 20.0, b0.Avg)
	assert.Equal(t, 10.0, b0.First)
	assert.Equal(t, 30.0, b0.Last)
	assert.Equal(t, int64(3), b0.Count)

	b1 := rows[1]
	assert.Equal(t, int64(60000), b1.TsBucket)
	assert.Equal(t, int64(1), b1.Count)

	// Watermark sits at the end of the last completed bucket.
	wm, err := st.GetWatermark(ctx, store.TableTelemetry1m)
	require.NoError(t, err)
	assert.Equal(t, int64(119999), wm)

	// A second pass finds nothing new below the closed boundary.
	n, err = rollupRaw(ctx, st, 125000, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRollupRawSkipsNonNumericSamples(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.AppendBatch(ctx, []telemetry.Point{
		raw(1000, 10),
		{DeviceID: "d1", TagID: "state", Ts: 2000, Seq: telemetry.NextSeq(),
			Value: telemetry.StringValue("running")},
	}))

	n, err := rollupRaw(ctx, st, 2*60000, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRollupHoldsBackBucketCutByBatchLimit(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.AppendBatch(ctx, []telemetry.Point{
		raw(1000, 10), raw(2000, 20), raw(3000, 30), // minute 0
		raw(61000, 40), raw(62000, 50), // minute 1
	}))

	// A limit of 4 cuts the read inside minute 1: that bucket must not be
	// written from half its samples, and the watermark must stay behind it.
	n, err := rollupRaw(ctx, st, 125000, 4)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	wm, err := st.GetWatermark(ctx, store.TableTelemetry1m)
	require.NoError(t, err)
	assert.Equal(t, int64(59999), wm)

	// The next pass re-reads minute 1 in full.
	n, err = rollupRaw(ctx, st, 125000, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows, err := st.ReadAggregatesSince(ctx, store.TableTelemetry1m, -1, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(2), rows[1].Count)
	assert.Equal(t, 45.0, rows[1].Avg)

	wm, err = st.GetWatermark(ctx, store.TableTelemetry1m)
	require.NoError(t, err)
	assert.Equal(t, int64(119999), wm)
}

func TestRollupMinutesWeightsByCount(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.UpsertAggregates(ctx, store.TableTelemetry1m, []store.Bucket{
		{DeviceID: "d1", TagID: "t1", TsBucket: 0, Min: 5, Max: 15, Avg: 10, First: 5, Last: 15, Count: 2},
		{DeviceID: "d1", TagID: "t1", TsBucket: 60000, Min: 18, Max: 25, Avg: 20, First: 18, Last: 25, Count: 6},
	}))

	n, err := rollupMinutes(ctx, st, 2*hourMs, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows, err := st.ReadAggregatesSince(ctx, store.TableTelemetry1h, -1, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	h := rows[0]
	assert.Equal(t, int64(0), h.TsBucket)
	assert.Equal(t, 5.0, h.Min)
	assert.Equal(t, 25.0, h.Max)
	assert.Equal(t, 17.5, h.Avg, "average weighted by per-minute sample counts")
	assert.Equal(t, 5.0, h.First)
	assert.Equal(t, 25.0, h.Last)
	assert.Equal(t, int64(8), h.Count)

	wm, err := st.GetWatermark(ctx, store.TableTelemetry1h)
	require.NoError(t, err)
	assert.Equal(t, hourMs-1, wm)
}

func TestRetentionNeverOutrunsRollup(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.AppendBatch(ctx, []telemetry.Point{
		raw(1000, 10), raw(30000, 20), raw(59000, 30),
		raw(61000, 40),
		raw(125000, 100),
	}))

	jobs := NewJobs(st, Config{Retention: RetentionPolicy{Raw: time.Minute}}, nil)

	// Nothing has been rolled up yet: the raw cutoff clamps to watermark 0
	// and no sample is lost.
	jobs.RunRetention(ctx, 200000)
	pts, err := st.ReadRawSince(ctx, -1, 0)
	require.NoError(t, err)
	assert.Len(t, pts, 5)

	// After rollup the watermark has advanced and pruning may proceed up to it.
	jobs.RunRollups(ctx, 125000)
	jobs.RunRetention(ctx, 200000)
	pts, err = st.ReadRawSince(ctx, -1, 0)
	require.NoError(t, err)
	require.Len(t, pts, 1)
	assert.Equal(t, int64(125000), pts[0].Ts)
}

func TestJobsRollUpOnTheMinuteTicker(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.AppendBatch(ctx, []telemetry.Point{
		raw(1000, 10), raw(30000, 20), raw(59000, 30),
	}))

	clk := clock.NewMock()
	jobs := NewJobs(st, Config{}, clk)
	jobs.Start()
	defer jobs.Stop()

	// Let the loop arm its tickers, then advance one minute.
	time.Sleep(20 * time.Millisecond)
	clk.Add(time.Minute)

	require.Eventually(t, func() bool {
		rows, err := st.ReadAggregatesSince(ctx, store.TableTelemetry1m, -1, 0)
		return err == nil && len(rows) == 1
	}, time.Second, 5*time.Millisecond)
}
