// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

// Package metrics holds the process-internal prometheus instruments. The
// registry is plain promauto/default; exposition is left to the host process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PipelineQueueDepth tracks the current depth of the pipeline queue.
	PipelineQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "scadaflow",
		Subsystem: "pipeline",
		Name:      "queue_depth",
		Help:      "Current number of samples queued in the telemetry pipeline.",
	})

	// PipelineOverflowDrops counts samples dropped by the pipeline overflow policy.
	PipelineOverflowDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scadaflow",
		Subsystem: "pipeline",
		Name:      "overflow_drops_total",
		Help:      "Samples dropped by the pipeline DropOldest overflow policy.",
	})

	// PipelinePersistFailures counts batches handed to the overflow exporter
	// after persistence retry exhaustion.
	PipelinePersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scadaflow",
		Subsystem: "pipeline",
		Name:      "persist_failures_total",
		Help:      "Batches dropped after exhausting persistence retries.",
	})

	// SinkDrops counts samples dropped per dispatcher sink.
	SinkDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scadaflow",
		Subsystem: "dispatcher",
		Name:      "sink_drops_total",
		Help:      "Samples dropped per sink by the per-sink DropOldest policy.",
	}, []string{"sink"})

	// AlarmsRaised counts alarm records created by the alarm engine.
	AlarmsRaised = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scadaflow",
		Subsystem: "alarm",
		Name:      "raised_total",
		Help:      "Alarm records created by the alarm engine.",
	})

	// SegmentsFinalized counts collection segments by final status.
	SegmentsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scadaflow",
		Subsystem: "collection",
		Name:      "segments_finalized_total",
		Help:      "Collection segments finalized, by status.",
	}, []string{"status"})

	// CollectorReconnects counts reconnect attempts per device.
	CollectorReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scadaflow",
		Subsystem: "collector",
		Name:      "reconnects_total",
		Help:      "Collector reconnect attempts, by device.",
	}, []string{"device"})
)
