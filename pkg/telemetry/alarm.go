// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package telemetry

import (
	"fmt"
	"time"
)

// AlarmCondition is the comparison an alarm rule applies to a sample value.
type AlarmCondition string

// Supported alarm conditions.
const (
	CondGT  AlarmCondition = "gt"
	CondGTE AlarmCondition = "gte"
	CondLT  AlarmCondition = "lt"
	CondLTE AlarmCondition = "lte"
	CondEQ  AlarmCondition = "eq"
	CondNE  AlarmCondition = "ne"
)

// ValidAlarmCondition reports whether c is one of the supported comparisons.
func ValidAlarmCondition(c AlarmCondition) bool {
	switch c {
	case CondGT, CondGTE, CondLT, CondLTE, CondEQ, CondNE:
		return true
	}
	return false
}

// Eval applies the condition to value against threshold. eq and ne use an
// absolute tolerance of 1e-9 to absorb float64 noise.
func (c AlarmCondition) Eval(value, threshold float64) bool {
	switch c {
	case CondGT:
		return value > threshold
	case CondGTE:
		return value >= threshold
	case CondLT:
		return value < threshold
	case CondLTE:
		return value <= threshold
	case CondEQ:
		return abs(value-threshold) <= 1e-9
	case CondNE:
		return abs(value-threshold) > 1e-9
	}
	return false
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// AlarmRule describes one threshold alarm: fire when the condition holds
// continuously for DurationMs on the selected tag.
type AlarmRule struct {
	ID              string
	TagID           string
	DeviceID        string // empty matches any device
	Condition       AlarmCondition
	Threshold       float64
	DurationMs      int64
	Severity        int // 1..4
	MessageTemplate string
	Enabled         bool
	CreatedUtc      time.Time
	UpdatedUtc      time.Time
}

// Validate rejects rules that must never reach the engine.
func (r AlarmRule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("alarm rule: missing id")
	}
	if r.TagID == "" {
		return fmt.Errorf("alarm rule %s: missing tag id", r.ID)
	}
	if !ValidAlarmCondition(r.Condition) {
		return fmt.Errorf("alarm rule %s: invalid condition %q", r.ID, r.Condition)
	}
	if r.DurationMs < 0 {
		return fmt.Errorf("alarm rule %s: negative duration", r.ID)
	}
	if r.Severity < 1 || r.Severity > 4 {
		return fmt.Errorf("alarm rule %s: severity %d out of range [1..4]", r.ID, r.Severity)
	}
	return nil
}

// EvalHash condenses the evaluative fields of the rule. The engine keys
// retained evaluator state on (ID, EvalHash) across hot reloads: state
// survives a reload only when the fields that drive evaluation are unchanged.
func (r AlarmRule) EvalHash() string {
	return fmt.Sprintf("%s|%s|%s|%g|%d", r.TagID, r.DeviceID, r.Condition, r.Threshold, r.DurationMs)
}

// AlarmStatus is the lifecycle state of an alarm record.
type AlarmStatus int

// Alarm statuses. Transitions are Open→Acknowledged→Closed or Open→Closed;
// a closed alarm cannot be acknowledged.
const (
	AlarmOpen         AlarmStatus = 0
	AlarmAcknowledged AlarmStatus = 1
	AlarmClosed       AlarmStatus = 2
)

func (s AlarmStatus) String() string {
	switch s {
	case AlarmOpen:
		return "open"
	case AlarmAcknowledged:
		return "acknowledged"
	case AlarmClosed:
		return "closed"
	}
	return fmt.Sprintf("alarmstatus(%d)", int(s))
}

// AlarmRecord is one emitted alarm instance.
type AlarmRecord struct {
	ID       string
	DeviceID string
	TagID    string
	Ts       int64
	Severity int
	Code     string // rule ID that raised the alarm
	Message  string
	Status   AlarmStatus
	AckedBy  string
	AckedUtc *time.Time
	AckNote  string
}
