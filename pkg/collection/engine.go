// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

// Package collection implements the collection-rule engine: per-rule state
// machines that detect when a work event begins and ends on a device and
// capture bounded segments of samples around it, including pre and post
// buffer windows.
package collection

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/scadaflow/scadaflow/pkg/metrics"
	"github.com/scadaflow/scadaflow/pkg/store"
	"github.com/scadaflow/scadaflow/pkg/telemetry"
	"github.com/scadaflow/scadaflow/pkg/util/log"
)

// Defaults for the engine tunables.
const (
	// DefaultAbortCeiling bounds how long a segment may stay open before it
	// is finalized as Aborted.
	DefaultAbortCeiling = time.Hour

	tickInterval   = time.Second
	flushThreshold = 128
)

// TriggerRecorder is implemented by stores that track per-rule trigger
// statistics.
type TriggerRecorder interface {
	RecordTrigger(ctx context.Context, ruleID string) error
}

// Notifier receives finalized segments, e.g. the live broadcaster.
type Notifier interface {
	SegmentFinalized(seg telemetry.Segment)
}

type phase int

const (
	phaseIdle phase = iota
	phaseCollecting
	phasePostBuffer
)

// machine is the state machine for one collection rule.
type machine struct {
	rule         telemetry.CollectionRule
	tagSet       map[string]bool
	startTracker *condTracker
	stopTracker  *condTracker
	buf          *ring

	phase          phase
	segmentID      string
	startTs        int64
	stopDetectedTs int64
	pending        []telemetry.Point
}

func newMachine(rule telemetry.CollectionRule) *machine {
	tagSet := make(map[string]bool, len(rule.Config.TagIDs))
	for _, id := range rule.Config.TagIDs {
		tagSet[id] = true
	}
	return &machine{
		rule:         rule,
		tagSet:       tagSet,
		startTracker: newCondTracker(rule.StartCondition),
		stopTracker:  newCondTracker(rule.StopCondition),
		buf:          newRing(defaultRingCap),
	}
}

func (m *machine) preMs() int64  { return int64(m.rule.Config.PreBufferSeconds) * 1000 }
func (m *machine) postMs() int64 { return int64(m.rule.Config.PostBufferSeconds) * 1000 }

// Engine consumes the sample stream and drives all rule machines. Samples
// arrive on the dispatcher sink goroutine; the tick loop and hot reload run
// on their own goroutines, so all machine access is mutex-guarded.
type Engine struct {
	storage  store.SegmentStore
	recorder TriggerRecorder
	notifier Notifier
	clk      clock.Clock
	ceiling  time.Duration

	mu       sync.Mutex
	machines map[string]*machine
	hashes   map[string]string
	latest   latestValues

	stop chan struct{}
	done chan struct{}
}

// NewEngine returns an engine with an empty rule set. recorder and notifier
// may be nil.
func NewEngine(storage store.SegmentStore, recorder TriggerRecorder, notifier Notifier, clk clock.Clock, abortCeiling time.Duration) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	if abortCeiling <= 0 {
		abortCeiling = DefaultAbortCeiling
	}
	return &Engine{
		storage:  storage,
		recorder: recorder,
		notifier: notifier,
		clk:      clk,
		ceiling:  abortCeiling,
		machines: make(map[string]*machine),
		hashes:   make(map[string]string),
		latest:   make(latestValues),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Name implements dispatcher.Sink.
func (e *Engine) Name() string { return "collection-engine" }

// Start launches the tick loop driving post-buffer completion, abort
// ceilings and ring pruning.
func (e *Engine) Start() {
	go e.run()
}

// Stop halts the tick loop and finalizes any open segment as Aborted so no
// Active segment outlives the process.
func (e *Engine) Stop() {
	close(e.stop)
	<-e.done

	e.mu.Lock()
	defer e.mu.Unlock()
	nowTs := e.clk.Now().UTC().UnixMilli()
	for _, m := range e.machines {
		if m.phase != phaseIdle {
			e.finalize(m, nowTs, telemetry.SegmentAborted)
		}
	}
}

func (e *Engine) run() {
	defer close(e.done)
	ticker := e.clk.Ticker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case now := <-ticker.C:
			e.tick(now.UTC().UnixMilli())
		}
	}
}

// Reload performs a key-preserving replace of the rule set. Machines whose
// rule is gone or whose evaluative fields changed are reset; a machine
// mid-collection is aborted first so its segment is finalized.
func (e *Engine) Reload(rules []telemetry.CollectionRule) {
	active := make(map[string]telemetry.CollectionRule)
	hashes := make(map[string]string)
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if err := r.Validate(); err != nil {
			log.Warnf("collection: skipping rule: %v", err) //nolint:errcheck
			continue
		}
		active[r.ID] = r
		hashes[r.ID] = r.EvalHash()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	nowTs := e.clk.Now().UTC().UnixMilli()
	for id, m := range e.machines {
		if newHash, ok := hashes[id]; ok && newHash == e.hashes[id] {
			continue
		}
		if m.phase != phaseIdle {
			e.finalize(m, nowTs, telemetry.SegmentAborted)
		}
		delete(e.machines, id)
	}
	for id, r := range active {
		if _, ok := e.machines[id]; !ok {
			e.machines[id] = newMachine(r)
		}
	}
	e.hashes = hashes
	log.Infof("collection: rule set reloaded, %d active rules", len(active))
}

// HandlePoint implements dispatcher.Sink.
func (e *Engine) HandlePoint(p telemetry.Point) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := p.Value.Float64(); ok {
		e.latest[p.TagID] = v
	}
	for _, m := range e.machines {
		if m.rule.DeviceID == p.DeviceID {
			e.onSample(m, p)
		}
	}
}

func (e *Engine) onSample(m *machine, p telemetry.Point) {
	switch m.phase {
	case phaseIdle:
		if m.tagSet[p.TagID] {
			m.buf.append(p)
		}
		if m.startTracker.eval(e.latest, p.Ts) {
			e.beginSegment(m, p)
		}
	case phaseCollecting:
		if m.tagSet[p.TagID] {
			m.pending = append(m.pending, p)
			if len(m.pending) >= flushThreshold {
				e.flushPending(m)
			}
		}
		if m.stopTracker.eval(e.latest, p.Ts) {
			m.stopDetectedTs = m.stopTracker.eventBoundaryTs(p.Ts)
			m.phase = phasePostBuffer
			log.Debugf("collection: rule %s stop detected at %d, post-buffering", m.rule.ID, m.stopDetectedTs)
		}
	case phasePostBuffer:
		if m.tagSet[p.TagID] && p.Ts <= m.stopDetectedTs+m.postMs() {
			m.pending = append(m.pending, p)
			if len(m.pending) >= flushThreshold {
				e.flushPending(m)
			}
		}
	}
}

func (e *Engine) beginSegment(m *machine, p telemetry.Point) {
	seg := telemetry.Segment{
		ID:       uuid.NewString(),
		RuleID:   m.rule.ID,
		DeviceID: m.rule.DeviceID,
		StartTs:  p.Ts,
		Status:   telemetry.SegmentActive,
	}
	if err := e.storage.InsertSegment(context.Background(), seg); err != nil {
		log.Errorf("collection: rule %s: creating segment: %v", m.rule.ID, err) //nolint:errcheck
		return
	}
	m.segmentID = seg.ID
	m.startTs = p.Ts
	m.phase = phaseCollecting
	m.stopTracker.reset()

	// Seed from the ring buffer: [StartTs − PreBuffer, StartTs), then the
	// triggering sample itself when it belongs to the captured set.
	m.pending = append(m.pending[:0], m.buf.window(p.Ts-m.preMs(), p.Ts)...)
	if m.tagSet[p.TagID] {
		m.pending = append(m.pending, p)
	}

	if e.recorder != nil {
		if err := e.recorder.RecordTrigger(context.Background(), m.rule.ID); err != nil {
			log.Warnf("collection: rule %s: recording trigger: %v", m.rule.ID, err) //nolint:errcheck
		}
	}
	log.Infof("collection: rule %s triggered, segment %s start=%d", m.rule.ID, seg.ID, p.Ts)
}

func (e *Engine) tick(nowTs int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range e.machines {
		switch m.phase {
		case phaseIdle:
			m.buf.prune(nowTs - m.preMs())
		case phaseCollecting, phasePostBuffer:
			if nowTs-m.startTs > e.ceiling.Milliseconds() {
				log.Warnf("collection: rule %s exceeded collection ceiling, aborting segment %s", //nolint:errcheck
					m.rule.ID, m.segmentID)
				e.finalize(m, nowTs, telemetry.SegmentAborted)
				continue
			}
			if m.phase == phasePostBuffer && nowTs > m.stopDetectedTs+m.postMs() {
				e.finalize(m, m.stopDetectedTs+m.postMs(), telemetry.SegmentCompleted)
			}
		}
	}
}

func (e *Engine) flushPending(m *machine) {
	if len(m.pending) == 0 {
		return
	}
	if err := e.storage.AppendSegmentPoints(context.Background(), m.segmentID, m.pending); err != nil {
		log.Errorf("collection: rule %s: appending %d samples to segment %s: %v", //nolint:errcheck
			m.rule.ID, len(m.pending), m.segmentID, err)
	}
	m.pending = m.pending[:0]
}

func (e *Engine) finalize(m *machine, endTs int64, status telemetry.SegmentStatus) {
	e.flushPending(m)
	if endTs < m.startTs {
		endTs = m.startTs
	}
	if err := e.storage.FinalizeSegment(context.Background(), m.segmentID, endTs, status); err != nil {
		log.Errorf("collection: rule %s: finalizing segment %s: %v", m.rule.ID, m.segmentID, err) //nolint:errcheck
	}
	metrics.SegmentsFinalized.WithLabelValues(status.String()).Inc()
	log.Infof("collection: segment %s %s, end=%d", m.segmentID, status, endTs)
	if e.notifier != nil {
		e.notifier.SegmentFinalized(telemetry.Segment{
			ID: m.segmentID, RuleID: m.rule.ID, DeviceID: m.rule.DeviceID,
			StartTs: m.startTs, EndTs: endTs, Status: status,
		})
	}
	m.phase = phaseIdle
	m.segmentID = ""
	m.startTs = 0
	m.stopDetectedTs = 0
	m.pending = m.pending[:0]
	m.buf.clear()
	m.startTracker.reset()
}
