// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package telemetry

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ConditionLogic combines sub-conditions of a collection-rule condition.
type ConditionLogic string

// Supported combinators.
const (
	LogicAnd ConditionLogic = "AND"
	LogicOr  ConditionLogic = "OR"
)

// SubConditionType discriminates the two sub-condition kinds.
type SubConditionType string

// Sub-condition kinds. A tag sub-condition compares the latest value of a
// tag; a duration sub-condition requires the tag branch of the compound to
// have held continuously for a number of seconds.
const (
	SubCondTag      SubConditionType = "tag"
	SubCondDuration SubConditionType = "duration"
)

// SubCondition is one leaf of a collection-rule condition tree.
type SubCondition struct {
	Type     SubConditionType `json:"type"`
	TagID    string           `json:"tagId,omitempty"`
	Operator AlarmCondition   `json:"operator,omitempty"`
	Value    float64          `json:"value,omitempty"`
	Seconds  int              `json:"seconds,omitempty"`
}

// Condition is the parsed form of a collection-rule start or stop condition.
// Conditions are stored as JSON blobs and parsed at load time; validation
// happens at the config write boundary so the engine never sees a malformed
// tree.
type Condition struct {
	Logic      ConditionLogic `json:"logic"`
	Conditions []SubCondition `json:"conditions"`
}

// ParseCondition decodes a stored condition blob.
func ParseCondition(blob []byte) (Condition, error) {
	var c Condition
	if err := json.Unmarshal(blob, &c); err != nil {
		return Condition{}, fmt.Errorf("condition: %w", err)
	}
	return c, nil
}

// Encode serializes the condition back to its stored form.
func (c Condition) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// Validate enforces the condition shape at the config write boundary.
// A bare duration condition is invalid: duration only refines a tag branch
// inside an AND compound.
func (c Condition) Validate() error {
	if c.Logic != LogicAnd && c.Logic != LogicOr {
		return fmt.Errorf("condition: invalid logic %q", c.Logic)
	}
	if len(c.Conditions) == 0 {
		return fmt.Errorf("condition: empty")
	}
	tags, durations := 0, 0
	for i, sc := range c.Conditions {
		switch sc.Type {
		case SubCondTag:
			if sc.TagID == "" {
				return fmt.Errorf("condition[%d]: missing tag id", i)
			}
			if !ValidAlarmCondition(sc.Operator) {
				return fmt.Errorf("condition[%d]: invalid operator %q", i, sc.Operator)
			}
			tags++
		case SubCondDuration:
			if sc.Seconds <= 0 {
				return fmt.Errorf("condition[%d]: duration seconds must be > 0", i)
			}
			durations++
		default:
			return fmt.Errorf("condition[%d]: unknown type %q", i, sc.Type)
		}
	}
	if durations > 0 {
		if tags == 0 {
			return fmt.Errorf("condition: bare duration condition is not allowed")
		}
		if c.Logic != LogicAnd {
			return fmt.Errorf("condition: duration condition requires AND logic")
		}
	}
	return nil
}

// CollectionConfig selects the tags captured into a segment and the pre/post
// buffer windows around the detected work event.
type CollectionConfig struct {
	TagIDs            []string `json:"tagIds"`
	PreBufferSeconds  int      `json:"preBufferSeconds"`
	PostBufferSeconds int      `json:"postBufferSeconds"`
}

// Validate checks the capture configuration.
func (c CollectionConfig) Validate() error {
	if len(c.TagIDs) == 0 {
		return fmt.Errorf("collection config: no tag ids")
	}
	if c.PreBufferSeconds < 0 || c.PostBufferSeconds < 0 {
		return fmt.Errorf("collection config: negative buffer window")
	}
	return nil
}

// CollectionRule detects work events on a device and captures bounded
// segments of samples around them.
type CollectionRule struct {
	ID             string
	DeviceID       string
	Enabled        bool
	StartCondition Condition
	StopCondition  Condition
	Config         CollectionConfig
	TriggerCount   int64
	LastTriggerUtc *time.Time
}

// Validate rejects rules that must never reach the engine.
func (r CollectionRule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("collection rule: missing id")
	}
	if r.DeviceID == "" {
		return fmt.Errorf("collection rule %s: missing device id", r.ID)
	}
	if err := r.StartCondition.Validate(); err != nil {
		return fmt.Errorf("collection rule %s: start %w", r.ID, err)
	}
	if err := r.StopCondition.Validate(); err != nil {
		return fmt.Errorf("collection rule %s: stop %w", r.ID, err)
	}
	if err := r.Config.Validate(); err != nil {
		return fmt.Errorf("collection rule %s: %w", r.ID, err)
	}
	return nil
}

// EvalHash condenses the evaluative fields of the rule, used to retain or
// reset state-machine state across hot reloads.
func (r CollectionRule) EvalHash() string {
	start, _ := r.StartCondition.Encode()
	stop, _ := r.StopCondition.Encode()
	return fmt.Sprintf("%s|%s|%s|%v|%d|%d", r.DeviceID, start, stop, r.Config.TagIDs,
		r.Config.PreBufferSeconds, r.Config.PostBufferSeconds)
}
