// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package pipeline

import (
	"os"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/scadaflow/scadaflow/pkg/telemetry"
	"github.com/scadaflow/scadaflow/pkg/util/log"
)

var jsonConfig = jsoniter.Config{}.Froze()

// OverflowExporter receives samples the pipeline had to drop: queue
// evictions and batches that exhausted their persistence retries. Export is
// best-effort and must never raise into the caller.
type OverflowExporter interface {
	Export(points []telemetry.Point)
}

// LogExporter logs dropped samples at debug level. This is the default
// exporter; it keeps drops visible without any I/O dependency.
type LogExporter struct{}

// Export logs the dropped samples.
func (LogExporter) Export(points []telemetry.Point) {
	for _, p := range points {
		log.Debugf("overflow: dropped sample %s/%s ts=%d", p.DeviceID, p.TagID, p.Ts)
	}
}

// FileExporter appends dropped samples to a JSON-lines file.
type FileExporter struct {
	mu   sync.Mutex
	path string
}

// NewFileExporter returns an exporter appending to path.
func NewFileExporter(path string) *FileExporter {
	return &FileExporter{path: path}
}

type overflowRecord struct {
	DeviceID string `json:"deviceId"`
	TagID    string `json:"tagId"`
	Ts       int64  `json:"ts"`
	Seq      uint64 `json:"seq"`
	Value    string `json:"value"`
	Quality  byte   `json:"quality"`
}

// Export appends the samples to the overflow file. Failures are logged and
// swallowed.
func (e *FileExporter) Export(points []telemetry.Point) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, err := os.OpenFile(e.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Warnf("overflow exporter: %v", err) //nolint:errcheck
		return
	}
	defer f.Close()
	enc := jsonConfig.NewEncoder(f)
	for _, p := range points {
		rec := overflowRecord{
			DeviceID: p.DeviceID, TagID: p.TagID, Ts: p.Ts, Seq: p.Seq,
			Value: p.Value.String(), Quality: p.Quality,
		}
		if err := enc.Encode(&rec); err != nil {
			log.Warnf("overflow exporter: %v", err) //nolint:errcheck
			return
		}
	}
}
