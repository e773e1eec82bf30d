// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package collection

import (
	"github.com/scadaflow/scadaflow/pkg/telemetry"
)

// eqTolerance is the absolute tolerance for eq/ne tag comparisons.
const eqTolerance = 1e-4

// latestValues is the engine-wide view of the most recent numeric value per
// tag, fed from the sample stream. Tag conditions read from it; a tag with
// no known value evaluates to false.
type latestValues map[string]float64

// condTracker evaluates one start or stop condition over time. It tracks how
// long the tag branch of the compound has been continuously true, which the
// duration sub-condition requires.
type condTracker struct {
	cond            telemetry.Condition
	tagTrueSinceTs  int64
	tagBranchActive bool
}

func newCondTracker(cond telemetry.Condition) *condTracker {
	return &condTracker{cond: cond, tagTrueSinceTs: -1}
}

func (t *condTracker) reset() {
	t.tagTrueSinceTs = -1
	t.tagBranchActive = false
}

func evalTagSub(sc telemetry.SubCondition, latest latestValues) bool {
	v, known := latest[sc.TagID]
	if !known {
		return false
	}
	switch sc.Operator {
	case telemetry.CondEQ:
		return absf(v-sc.Value) <= eqTolerance
	case telemetry.CondNE:
		return absf(v-sc.Value) > eqTolerance
	default:
		return sc.Operator.Eval(v, sc.Value)
	}
}

func absf(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// eval advances the tracker to nowTs and reports whether the whole condition
// holds. The tag branch is evaluated first; duration sub-conditions then
// require it to have held for their configured window.
func (t *condTracker) eval(latest latestValues, nowTs int64) bool {
	tagResults := make([]bool, 0, len(t.cond.Conditions))
	hasDuration := false
	for _, sc := range t.cond.Conditions {
		if sc.Type == telemetry.SubCondDuration {
			hasDuration = true
			continue
		}
		tagResults = append(tagResults, evalTagSub(sc, latest))
	}

	tagBranch := combine(t.cond.Logic, tagResults)
	if tagBranch && !t.tagBranchActive {
		t.tagBranchActive = true
		t.tagTrueSinceTs = nowTs
	} else if !tagBranch {
		t.tagBranchActive = false
		t.tagTrueSinceTs = -1
	}

	if !hasDuration {
		return tagBranch
	}
	// Validation guarantees duration appears only inside an AND compound.
	if !tagBranch || t.tagTrueSinceTs < 0 {
		return false
	}
	for _, sc := range t.cond.Conditions {
		if sc.Type != telemetry.SubCondDuration {
			continue
		}
		if nowTs-t.tagTrueSinceTs < int64(sc.Seconds)*1000 {
			return false
		}
	}
	return true
}

// eventBoundaryTs returns the timestamp to stamp the detected transition
// with, given that eval just returned true at nowTs. A duration sub-condition
// only confirms a state change that happened when the tag branch began
// holding, so that earlier instant is the boundary; without one the boundary
// is the evaluated sample itself.
func (t *condTracker) eventBoundaryTs(nowTs int64) int64 {
	if t.tagTrueSinceTs < 0 {
		return nowTs
	}
	for _, sc := range t.cond.Conditions {
		if sc.Type == telemetry.SubCondDuration {
			return t.tagTrueSinceTs
		}
	}
	return nowTs
}

func combine(logic telemetry.ConditionLogic, results []bool) bool {
	if len(results) == 0 {
		return false
	}
	if logic == telemetry.LogicOr {
		for _, r := range results {
			if r {
				return true
			}
		}
		return false
	}
	for _, r := range results {
		if !r {
			return false
		}
	}
	return true
}
