// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

// Package store defines the persistence contract the core depends on:
// durable samples, alarms, segments, rules, baselines, the config-revision
// counter and the aggregation watermarks. Implementations live in the
// postgres and memory subpackages.
package store

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/scadaflow/scadaflow/pkg/telemetry"
)

// Aggregate table names used by the rollup jobs and the watermark store.
const (
	TableTelemetryRaw = "telemetry"
	TableTelemetry1m  = "telemetry_1m"
	TableTelemetry1h  = "telemetry_1h"
)

// RangeQuery selects raw samples forward in time. Zero-valued filters match
// everything; Cursor resumes a previous query strictly after its last row.
type RangeQuery struct {
	DeviceID string
	TagID    string
	StartTs  int64
	EndTs    int64
	Limit    int
	Cursor   string
}

// EncodeCursor encodes the (ts, seq) of the last returned row.
func EncodeCursor(ts int64, seq uint64) string {
	raw := strconv.FormatInt(ts, 10) + ":" + strconv.FormatUint(seq, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor is the inverse of EncodeCursor.
func DecodeCursor(cursor string) (ts int64, seq uint64, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, 0, fmt.Errorf("cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("cursor: malformed")
	}
	if ts, err = strconv.ParseInt(parts[0], 10, 64); err != nil {
		return 0, 0, fmt.Errorf("cursor: %w", err)
	}
	if seq, err = strconv.ParseUint(parts[1], 10, 64); err != nil {
		return 0, 0, fmt.Errorf("cursor: %w", err)
	}
	return ts, seq, nil
}

// AggregateFn selects the aggregate projection of Aggregate queries.
type AggregateFn string

// Supported aggregate projections.
const (
	AggAvg   AggregateFn = "avg"
	AggMin   AggregateFn = "min"
	AggMax   AggregateFn = "max"
	AggSum   AggregateFn = "sum"
	AggCount AggregateFn = "count"
)

// Bucket is one aggregate bucket row for a (device, tag) pair.
type Bucket struct {
	DeviceID string
	TagID    string
	TsBucket int64
	Min      float64
	Max      float64
	Avg      float64
	First    float64
	Last     float64
	Count    int64
}

// TelemetryStore persists and queries raw samples.
type TelemetryStore interface {
	// AppendBatch atomically persists a batch of samples and refreshes the
	// latest-value table. Failures are classified transient or permanent.
	AppendBatch(ctx context.Context, points []telemetry.Point) error

	// GetLatest returns the most recent sample per (device, tag) matching the
	// filters, served from the latest-value table rather than a raw scan.
	GetLatest(ctx context.Context, deviceID, tagID string) ([]telemetry.Point, error)

	// QueryRange iterates raw samples strictly forward in time.
	QueryRange(ctx context.Context, q RangeQuery) (points []telemetry.Point, nextCursor string, err error)

	// Aggregate computes bucketed aggregates over raw samples.
	Aggregate(ctx context.Context, deviceID, tagID string, startTs, endTs, bucketMs int64, fn AggregateFn) ([]Bucket, error)
}

// ConfigStore owns devices, tags and rules. Every mutation increments the
// config revision exactly once.
type ConfigStore interface {
	ListDevices(ctx context.Context) ([]telemetry.Device, error)
	UpsertDevice(ctx context.Context, d telemetry.Device) error
	// DeleteDevice cascades to owned tags and fails with ErrReferenced while
	// collection rules still reference the device.
	DeleteDevice(ctx context.Context, deviceID string) error

	ListTags(ctx context.Context, deviceID string) ([]telemetry.Tag, error)
	UpsertTag(ctx context.Context, t telemetry.Tag) error
	DeleteTag(ctx context.Context, tagID string) error

	ListAlarmRules(ctx context.Context) ([]telemetry.AlarmRule, error)
	UpsertAlarmRule(ctx context.Context, r telemetry.AlarmRule) error
	DeleteAlarmRule(ctx context.Context, ruleID string) error

	ListCollectionRules(ctx context.Context) ([]telemetry.CollectionRule, error)
	UpsertCollectionRule(ctx context.Context, r telemetry.CollectionRule) error
	DeleteCollectionRule(ctx context.Context, ruleID string) error
	// RecordTrigger bumps a collection rule's trigger statistics. Operational
	// counters, not configuration: no revision bump.
	RecordTrigger(ctx context.Context, ruleID string) error
}

// AlarmStore persists alarm records with the status-transition invariants.
type AlarmStore interface {
	InsertAlarm(ctx context.Context, a telemetry.AlarmRecord) error
	GetAlarm(ctx context.Context, alarmID string) (telemetry.AlarmRecord, error)
	// GetOpenAlarm returns the open alarm for (code, deviceID, tagID), or
	// ErrNotFound. At most one can exist.
	GetOpenAlarm(ctx context.Context, code, deviceID, tagID string) (telemetry.AlarmRecord, error)
	// AcknowledgeAlarm moves Open→Acknowledged. Any other source state is
	// refused with ErrInvalidTransition.
	AcknowledgeAlarm(ctx context.Context, alarmID, ackedBy, note string) error
	// CloseAlarm moves Open or Acknowledged→Closed.
	CloseAlarm(ctx context.Context, alarmID string) error
	ListAlarms(ctx context.Context, status *telemetry.AlarmStatus, limit int) ([]telemetry.AlarmRecord, error)
}

// SegmentStore persists collection segments and their captured samples.
type SegmentStore interface {
	InsertSegment(ctx context.Context, s telemetry.Segment) error
	AppendSegmentPoints(ctx context.Context, segmentID string, points []telemetry.Point) error
	// FinalizeSegment sets EndTs and the terminal status. A finalized segment
	// is immutable; re-finalizing is refused with ErrInvalidTransition.
	FinalizeSegment(ctx context.Context, segmentID string, endTs int64, status telemetry.SegmentStatus) error
	GetSegment(ctx context.Context, segmentID string) (telemetry.Segment, error)
	ListSegments(ctx context.Context, ruleID string, limit int) ([]telemetry.Segment, error)
	GetSegmentPoints(ctx context.Context, segmentID string) ([]telemetry.Point, error)
}

// BaselineStore keeps opaque per-device model blobs.
type BaselineStore interface {
	PutBaseline(ctx context.Context, deviceID, baselineType string, payload []byte) error
	GetBaseline(ctx context.Context, deviceID, baselineType string) ([]byte, error)
}

// RevisionStore is the monotonic config-revision counter.
type RevisionStore interface {
	GetRevision(ctx context.Context) (int64, error)
	IncrementRevision(ctx context.Context) (int64, error)
}

// AggregationStore supports the rollup jobs: durable watermarks, aggregate
// upserts and watermark-guarded pruning.
type AggregationStore interface {
	GetWatermark(ctx context.Context, table string) (int64, error)
	SetWatermark(ctx context.Context, table string, ts int64) error
	// UpsertAggregates writes rollup rows into the named aggregate table,
	// replacing rows with the same (device, tag, bucket).
	UpsertAggregates(ctx context.Context, table string, rows []Bucket) error
	// ReadRawSince and ReadAggregatesSince return rollup source rows above
	// the watermark, ordered by ts; bucketing is the caller's job.
	ReadRawSince(ctx context.Context, sinceTs int64, limit int) ([]telemetry.Point, error)
	ReadAggregatesSince(ctx context.Context, table string, sinceTs int64, limit int) ([]Bucket, error)
	// DeleteBefore prunes rows of table with ts below cutoff. The cutoff is
	// clamped to the governing watermark; a cutoff above it is refused with
	// ErrWatermark. Pruning never runs ahead of the watermark.
	DeleteBefore(ctx context.Context, table string, cutoffTs int64) (int64, error)
}

// Store is the full persistence contract.
type Store interface {
	TelemetryStore
	ConfigStore
	AlarmStore
	SegmentStore
	BaselineStore
	RevisionStore
	AggregationStore
}
