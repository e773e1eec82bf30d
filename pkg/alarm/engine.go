// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

// Package alarm converts the sample stream plus a rule set into alarm
// records: threshold + duration evaluation with de-duplication against the
// open alarm per (rule, device, tag).
package alarm

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/scadaflow/scadaflow/pkg/metrics"
	"github.com/scadaflow/scadaflow/pkg/store"
	"github.com/scadaflow/scadaflow/pkg/telemetry"
	"github.com/scadaflow/scadaflow/pkg/util/log"
)

// Notifier receives created alarms, e.g. the live broadcaster.
type Notifier interface {
	AlarmCreated(a telemetry.AlarmRecord)
}

// ruleState is the evaluator state for one (rule, device) pair.
type ruleState struct {
	above        bool
	aboveSinceTs int64
	openAlarmID  string
}

type stateKey struct {
	ruleID   string
	deviceID string
}

// ruleSet is an immutable snapshot; hot reload swaps the whole value so a
// sample being evaluated keeps its snapshot without per-evaluation locking.
type ruleSet struct {
	byTag       map[string][]telemetry.AlarmRule
	enabledTags map[string]bool
}

// Engine is the alarm evaluator. It consumes samples from its dispatcher
// sink goroutine; Reload may be called concurrently from the config watcher.
type Engine struct {
	storage  store.AlarmStore
	notifier Notifier

	mu     sync.Mutex
	rules  ruleSet
	hashes map[string]string // ruleID → EvalHash of the loaded rule
	states map[stateKey]*ruleState
}

// NewEngine returns an engine with an empty rule set. notifier may be nil.
func NewEngine(storage store.AlarmStore, notifier Notifier) *Engine {
	return &Engine{
		storage:  storage,
		notifier: notifier,
		rules:    ruleSet{byTag: map[string][]telemetry.AlarmRule{}, enabledTags: map[string]bool{}},
		hashes:   make(map[string]string),
		states:   make(map[stateKey]*ruleState),
	}
}

// Name implements dispatcher.Sink.
func (e *Engine) Name() string { return "alarm-engine" }

// Reload performs a key-preserving replace of the rule set: evaluator state
// is retained for rules whose ID still exists with unchanged evaluative
// fields, and reset otherwise. Invalid or disabled rules are dropped here so
// they never reach evaluation.
func (e *Engine) Reload(rules []telemetry.AlarmRule, enabledTags map[string]bool) {
	byTag := make(map[string][]telemetry.AlarmRule)
	hashes := make(map[string]string, len(rules))
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if err := r.Validate(); err != nil {
			log.Warnf("alarm: skipping rule: %v", err) //nolint:errcheck
			continue
		}
		byTag[r.TagID] = append(byTag[r.TagID], r)
		hashes[r.ID] = r.EvalHash()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.states {
		newHash, ok := hashes[key.ruleID]
		if !ok || newHash != e.hashes[key.ruleID] {
			delete(e.states, key)
		}
	}
	e.rules = ruleSet{byTag: byTag, enabledTags: enabledTags}
	e.hashes = hashes
	log.Infof("alarm: rule set reloaded, %d active rules", len(hashes))
}

// HandlePoint implements dispatcher.Sink: evaluate every rule selecting this
// sample's tag.
func (e *Engine) HandlePoint(p telemetry.Point) {
	e.mu.Lock()
	rs := e.rules
	e.mu.Unlock()

	rules := rs.byTag[p.TagID]
	if len(rules) == 0 {
		return
	}
	if enabled, known := rs.enabledTags[p.TagID]; known && !enabled {
		return
	}
	value, numeric := p.Value.Float64()
	if !numeric {
		return
	}

	for _, rule := range rules {
		if rule.DeviceID != "" && rule.DeviceID != p.DeviceID {
			continue
		}
		e.evaluate(rule, p, value)
	}
}

func (e *Engine) evaluate(rule telemetry.AlarmRule, p telemetry.Point, value float64) {
	key := stateKey{ruleID: rule.ID, deviceID: p.DeviceID}

	e.mu.Lock()
	st, ok := e.states[key]
	if !ok {
		st = &ruleState{}
		e.states[key] = st
	}
	e.mu.Unlock()

	if !rule.Condition.Eval(value, rule.Threshold) {
		// Condition cleared. The open alarm, if any, stays open: closure is
		// an explicit operator action, never an engine one.
		st.above = false
		st.aboveSinceTs = 0
		return
	}

	if !st.above {
		st.above = true
		st.aboveSinceTs = p.Ts
	}
	if p.Ts-st.aboveSinceTs < rule.DurationMs {
		return
	}

	if st.openAlarmID != "" {
		// Re-arm only once the operator closed the previous alarm.
		_, err := e.storage.GetOpenAlarm(context.Background(), rule.ID, p.DeviceID, p.TagID)
		if err == nil {
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			log.Warnf("alarm: open-alarm lookup for rule %s: %v", rule.ID, err) //nolint:errcheck
			return
		}
		st.openAlarmID = ""
	}

	e.raise(rule, p, value, st)
}

func (e *Engine) raise(rule telemetry.AlarmRule, p telemetry.Point, value float64, st *ruleState) {
	record := telemetry.AlarmRecord{
		ID:       uuid.NewString(),
		DeviceID: p.DeviceID,
		TagID:    p.TagID,
		Ts:       p.Ts,
		Severity: rule.Severity,
		Code:     rule.ID,
		Message:  renderMessage(rule, p, value),
		Status:   telemetry.AlarmOpen,
	}
	if err := e.storage.InsertAlarm(context.Background(), record); err != nil {
		if store.IsValidation(err) {
			// Lost a race against an open alarm created elsewhere; adopt it.
			if existing, lookupErr := e.storage.GetOpenAlarm(context.Background(), rule.ID, p.DeviceID, p.TagID); lookupErr == nil {
				st.openAlarmID = existing.ID
			}
			return
		}
		log.Errorf("alarm: persisting alarm for rule %s: %v", rule.ID, err) //nolint:errcheck
		return
	}
	st.openAlarmID = record.ID
	metrics.AlarmsRaised.Inc()
	log.Infof("alarm: raised %s severity=%d rule=%s %s/%s value=%g",
		record.ID, record.Severity, rule.ID, p.DeviceID, p.TagID, value)
	if e.notifier != nil {
		e.notifier.AlarmCreated(record)
	}
}

func renderMessage(rule telemetry.AlarmRule, p telemetry.Point, value float64) string {
	tpl := rule.MessageTemplate
	if tpl == "" {
		tpl = "{tagId} " + string(rule.Condition) + " {threshold} (value {value})"
	}
	return strings.NewReplacer(
		"{value}", strconv.FormatFloat(value, 'g', -1, 64),
		"{threshold}", strconv.FormatFloat(rule.Threshold, 'g', -1, 64),
		"{tagId}", p.TagID,
		"{deviceId}", p.DeviceID,
	).Replace(tpl)
}
