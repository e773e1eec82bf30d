// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tagSub(tagID string, op AlarmCondition, value float64) SubCondition {
	return SubCondition{Type: SubCondTag, TagID: tagID, Operator: op, Value: value}
}

func durSub(seconds int) SubCondition {
	return SubCondition{Type: SubCondDuration, Seconds: seconds}
}

func TestConditionValidate(t *testing.T) {
	ok := Condition{Logic: LogicAnd, Conditions: []SubCondition{tagSub("t1", CondGT, 10), durSub(5)}}
	assert.NoError(t, ok.Validate())

	orOnly := Condition{Logic: LogicOr, Conditions: []SubCondition{tagSub("t1", CondGT, 10), tagSub("t2", CondLT, 1)}}
	assert.NoError(t, orOnly.Validate())

	bareDuration := Condition{Logic: LogicAnd, Conditions: []SubCondition{durSub(5)}}
	assert.Error(t, bareDuration.Validate(), "duration without a tag branch is meaningless")

	durationInOr := Condition{Logic: LogicOr, Conditions: []SubCondition{tagSub("t1", CondGT, 10), durSub(5)}}
	assert.Error(t, durationInOr.Validate())

	empty := Condition{Logic: LogicAnd}
	assert.Error(t, empty.Validate())

	badLogic := Condition{Logic: "XOR", Conditions: []SubCondition{tagSub("t1", CondGT, 10)}}
	assert.Error(t, badLogic.Validate())

	zeroSeconds := Condition{Logic: LogicAnd, Conditions: []SubCondition{tagSub("t1", CondGT, 10), durSub(0)}}
	assert.Error(t, zeroSeconds.Validate())
}

func TestParseConditionRoundTrip(t *testing.T) {
	c := Condition{Logic: LogicAnd, Conditions: []SubCondition{tagSub("speed", CondGT, 100), durSub(10)}}
	blob, err := c.Encode()
	require.NoError(t, err)

	parsed, err := ParseCondition(blob)
	require.NoError(t, err)
	assert.Equal(t, c, parsed)

	_, err = ParseCondition([]byte("{not json"))
	assert.Error(t, err)
}

func TestCollectionRuleEvalHash(t *testing.T) {
	r := CollectionRule{
		ID:       "cr1",
		DeviceID: "d1",
		Enabled:  true,
		StartCondition: Condition{Logic: LogicAnd,
			Conditions: []SubCondition{tagSub("run", CondEQ, 1)}},
		StopCondition: Condition{Logic: LogicAnd,
			Conditions: []SubCondition{tagSub("run", CondEQ, 0)}},
		Config: CollectionConfig{TagIDs: []string{"speed"}, PreBufferSeconds: 5, PostBufferSeconds: 5},
	}
	require.NoError(t, r.Validate())

	same := r
	same.TriggerCount = 99
	assert.Equal(t, r.EvalHash(), same.EvalHash())

	changed := r
	changed.Config.PostBufferSeconds = 30
	assert.NotEqual(t, r.EvalHash(), changed.EvalHash())
}
