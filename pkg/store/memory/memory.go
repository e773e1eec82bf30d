// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

// Package memory implements the store contract in process memory. It backs
// tests and the simulation-only mode; it enforces the same invariants as the
// durable implementation.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/scadaflow/scadaflow/pkg/store"
	"github.com/scadaflow/scadaflow/pkg/telemetry"
)

type latestKey struct {
	deviceID string
	tagID    string
}

type openKey struct {
	code     string
	deviceID string
	tagID    string
}

type baselineKey struct {
	deviceID     string
	baselineType string
}

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	points []telemetry.Point
	latest map[latestKey]telemetry.Point

	devices map[string]telemetry.Device
	tags    map[string]telemetry.Tag

	alarmRules      map[string]telemetry.AlarmRule
	collectionRules map[string]telemetry.CollectionRule

	alarms     map[string]telemetry.AlarmRecord
	openAlarms map[openKey]string

	segments      map[string]telemetry.Segment
	segmentPoints map[string][]telemetry.Point

	baselines map[baselineKey][]byte

	revision   int64
	watermarks map[string]int64

	aggregates map[string]map[latestKey]map[int64]store.Bucket // table → (device,tag) → bucket ts
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		latest:          make(map[latestKey]telemetry.Point),
		devices:         make(map[string]telemetry.Device),
		tags:            make(map[string]telemetry.Tag),
		alarmRules:      make(map[string]telemetry.AlarmRule),
		collectionRules: make(map[string]telemetry.CollectionRule),
		alarms:          make(map[string]telemetry.AlarmRecord),
		openAlarms:      make(map[openKey]string),
		segments:        make(map[string]telemetry.Segment),
		segmentPoints:   make(map[string][]telemetry.Point),
		baselines:       make(map[baselineKey][]byte),
		watermarks:      make(map[string]int64),
		aggregates:      make(map[string]map[latestKey]map[int64]store.Bucket),
	}
}

// Close is a no-op; the backend holds no external resources.
func (s *Store) Close() error { return nil }

// AppendBatch persists the batch and refreshes the latest-value view.
func (s *Store) AppendBatch(_ context.Context, points []telemetry.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range points {
		s.points = append(s.points, p)
		k := latestKey{p.DeviceID, p.TagID}
		if cur, ok := s.latest[k]; !ok || p.Ts > cur.Ts || (p.Ts == cur.Ts && p.Seq > cur.Seq) {
			s.latest[k] = p
		}
	}
	return nil
}

// GetLatest serves from the latest-value view.
func (s *Store) GetLatest(_ context.Context, deviceID, tagID string) ([]telemetry.Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []telemetry.Point
	for k, p := range s.latest {
		if deviceID != "" && k.deviceID != deviceID {
			continue
		}
		if tagID != "" && k.tagID != tagID {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].TagID < out[j].TagID
	})
	return out, nil
}

// QueryRange iterates raw samples strictly forward in (ts, seq) order.
func (s *Store) QueryRange(_ context.Context, q store.RangeQuery) ([]telemetry.Point, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var afterTs int64 = -1
	var afterSeq uint64
	if q.Cursor != "" {
		ts, seq, err := store.DecodeCursor(q.Cursor)
		if err != nil {
			return nil, "", err
		}
		afterTs, afterSeq = ts, seq
	}

	matched := make([]telemetry.Point, 0, len(s.points))
	for _, p := range s.points {
		if q.DeviceID != "" && p.DeviceID != q.DeviceID {
			continue
		}
		if q.TagID != "" && p.TagID != q.TagID {
			continue
		}
		if q.StartTs != 0 && p.Ts < q.StartTs {
			continue
		}
		if q.EndTs != 0 && p.Ts > q.EndTs {
			continue
		}
		matched = append(matched, p)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Ts != matched[j].Ts {
			return matched[i].Ts < matched[j].Ts
		}
		return matched[i].Seq < matched[j].Seq
	})

	var out []telemetry.Point
	for _, p := range matched {
		if afterTs >= 0 && (p.Ts < afterTs || (p.Ts == afterTs && p.Seq <= afterSeq)) {
			continue
		}
		out = append(out, p)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}

	next := ""
	if q.Limit > 0 && len(out) == q.Limit && len(out) < len(matched) {
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
	points, _, err := s.QueryRange(ctx, store.RangeQuery{DeviceID: deviceID, TagID: tagID, StartTs: startTs, EndTs: endTs})
	if err != nil {
		return nil, err
	}
	buckets := make(map[int64]*store.Bucket)
	for _, p := range points {
		v, ok := p.Value.Float64()
		if !ok {
			continue
		}
		b := (p.Ts / bucketMs) * bucketMs
		agg, ok := buckets[b]
		if !ok {
			agg = &store.Bucket{DeviceID: deviceID, TagID: tagID, TsBucket: b, Min: v, Max: v, First: v}
			buckets[b] = agg
		}
		if v < agg.Min {
			agg.Min = v
		}
		if v > agg.Max {
			agg.Max = v
		}
		agg.Avg += v // running sum; divided below
		agg.Last = v
		agg.Count++
	}
	out := make([]store.Bucket, 0, len(buckets))
	for _, b := range buckets {
		if b.Count > 0 {
			b.Avg /= float64(b.Count)
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TsBucket < out[j].TsBucket })
	return out, nil
}
