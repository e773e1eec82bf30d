// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package alarm

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scadaflow/scadaflow/pkg/store/memory"
	"github.com/scadaflow/scadaflow/pkg/telemetry"
)

type recordingNotifier struct {
	mu      sync.Mutex
	records []telemetry.AlarmRecord
}

func (n *recordingNotifier) AlarmCreated(a telemetry.AlarmRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.records = append(n.records, a)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.records)
}

func tempRule() telemetry.AlarmRule {
	return telemetry.AlarmRule{
		ID:         "r1",
		TagID:      "temp",
		Condition:  telemetry.CondGT,
		Threshold:  80,
		DurationMs: 5000,
		Severity:   3,
		Enabled:    true,
	}
}

func sample(deviceID string, ts int64, value float64) telemetry.Point {
	return telemetry.Point{
		DeviceID: deviceID, TagID: "temp", Ts: ts, Seq: telemetry.NextSeq(),
		Value: telemetry.Float64Value(value), Quality: telemetry.QualityGood,
	}
}

func openAlarms(t *testing.T, st *memory.Store) []telemetry.AlarmRecord {
	t.Helper()
	status := telemetry.AlarmOpen
	out, err := st.ListAlarms(context.Background(), &status, 0)
	require.NoError(t, err)
	return out
}

func TestDurationMustHoldBeforeRaising(t *testing.T) {
	st := memory.New()
	notifier := &recordingNotifier{}
	e := NewEngine(st, notifier)
	e.Reload([]telemetry.AlarmRule{tempRule()}, nil)

	e.HandlePoint(sample("d1", 0, 85))    // condition starts holding
	e.HandlePoint(sample("d1", 3000, 86)) // held 3s, below the 5s requirement
	assert.Empty(t, openAlarms(t, st))

	e.HandlePoint(sample("d1", 6000, 87)) // held 6s
	records := openAlarms(t, st)
	require.Len(t, records, 1)
	assert.Equal(t, "r1", records[0].Code)
	assert.Equal(t, int64(6000), records[0].Ts)
	assert.Equal(t, 3, records[0].Severity)
	assert.Equal(t, 1, notifier.count())
}

func TestConditionClearResetsDurationButKeepsAlarmOpen(t *testing.T) {
	st := memory.New()
	e := NewEngine(st, nil)
	e.Reload([]telemetry.AlarmRule{tempRule()}, nil)

	e.HandlePoint(sample("d1", 0, 85))
	e.HandlePoint(sample("d1", 6000, 85))
	require.Len(t, openAlarms(t, st), 1)

	// Clearing the condition never closes the alarm.
	e.HandlePoint(sample("d1", 7000, 70))
	require.Len(t, openAlarms(t, st), 1)

	// A fresh excursion must hold the full duration again, and the still-open
	// alarm suppresses a duplicate.
	e.HandlePoint(sample("d1", 8000, 85))
	e.HandlePoint(sample("d1", 14000, 85))
	assert.Len(t, openAlarms(t, st), 1)
}

func TestInterruptedExcursionRestartsDurationWindow(t *testing.T) {
	st := memory.New()
	notifier := &recordingNotifier{}
	e := NewEngine(st, notifier)
	e.Reload([]telemetry.AlarmRule{tempRule()}, nil)

	trace := []struct {
		ts    int64
		value float64
	}{
		{0, 70},    // below threshold
		{1000, 85}, // excursion starts
		{3000, 90}, // held 2s
		{5500, 75}, // dip: the window resets
		{6000, 82}, // second excursion starts
		{6500, 83}, // held 0.5s
	}
	for _, s := range trace {
		e.HandlePoint(sample("d1", s.ts, s.value))
	}
	assert.Empty(t, openAlarms(t, st), "neither excursion has held 5s yet")

	// Sparse sampling: the next sample arrives with the condition held 6s.
	e.HandlePoint(sample("d1", 12000, 84))
	records := openAlarms(t, st)
	require.Len(t, records, 1)
	assert.Equal(t, int64(12000), records[0].Ts)
	assert.Equal(t, 1, notifier.count())
}

func TestOpenAlarmSuppressesAllFurtherRecords(t *testing.T) {
	st := memory.New()
	e := NewEngine(st, nil)
	e.Reload([]telemetry.AlarmRule{tempRule()}, nil)

	e.HandlePoint(sample("d1", 0, 85))
	e.HandlePoint(sample("d1", 5000, 86))
	require.Len(t, openAlarms(t, st), 1)

	// Oscillation around the threshold, then a re-excursion held past the
	// duration: with the alarm still open none of it may produce a record.
	for i, v := range []float64{75, 85, 75, 85, 75} {
		e.HandlePoint(sample("d1", 6000+int64(i)*500, v))
	}
	for ts := int64(10000); ts <= 16000; ts += 1000 {
		e.HandlePoint(sample("d1", ts, 85))
	}

	all, err := st.ListAlarms(context.Background(), nil, 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestReArmAfterOperatorClose(t *testing.T) {
	st := memory.New()
	e := NewEngine(st, nil)
	e.Reload([]telemetry.AlarmRule{tempRule()}, nil)

	e.HandlePoint(sample("d1", 0, 85))
	e.HandlePoint(sample("d1", 5000, 85))
	first := openAlarms(t, st)
	require.Len(t, first, 1)

	require.NoError(t, st.CloseAlarm(context.Background(), first[0].ID))

	// Condition still holds after the close: the engine re-arms and raises a
	// new alarm.
	e.HandlePoint(sample("d1", 12000, 85))
	second := openAlarms(t, st)
	require.Len(t, second, 1)
	assert.NotEqual(t, first[0].ID, second[0].ID)
	assert.Equal(t, int64(12000), second[0].Ts)
}

// wrappingStore adds context to lookup errors the way a SQL-backed store
// does, so the sentinel arrives wrapped rather than bare.
type wrappingStore struct {
	*memory.Store
}

func (w wrappingStore) GetOpenAlarm(ctx context.Context, code, deviceID, tagID string) (telemetry.AlarmRecord, error) {
	a, err := w.Store.GetOpenAlarm(ctx, code, deviceID, tagID)
	if err != nil {
		return a, errors.Wrap(err, "get open alarm")
	}
	return a, nil
}

func TestReArmWithWrappedNotFound(t *testing.T) {
	st := memory.New()
	e := NewEngine(wrappingStore{st}, nil)
	e.Reload([]telemetry.AlarmRule{tempRule()}, nil)

	e.HandlePoint(sample("d1", 0, 85))
	e.HandlePoint(sample("d1", 5000, 85))
	first := openAlarms(t, st)
	require.Len(t, first, 1)

	require.NoError(t, st.CloseAlarm(context.Background(), first[0].ID))

	// The wrapped not-found still re-arms the rule.
	e.HandlePoint(sample("d1", 12000, 85))
	second := openAlarms(t, st)
	require.Len(t, second, 1)
	assert.NotEqual(t, first[0].ID, second[0].ID)
}

func TestDeviceFilter(t *testing.T) {
	st := memory.New()
	rule := tempRule()
	rule.DeviceID = "d1"
	rule.DurationMs = 0
	e := NewEngine(st, nil)
	e.Reload([]telemetry.AlarmRule{rule}, nil)

	e.HandlePoint(sample("d2", 1000, 99))
	assert.Empty(t, openAlarms(t, st))

	e.HandlePoint(sample("d1", 1000, 99))
	assert.Len(t, openAlarms(t, st), 1)
}

func TestPerDeviceStateIsIndependent(t *testing.T) {
	st := memory.New()
	rule := tempRule()
	rule.DurationMs = 0
	e := NewEngine(st, nil)
	e.Reload([]telemetry.AlarmRule{rule}, nil)

	e.HandlePoint(sample("d1", 1000, 99))
	e.HandlePoint(sample("d2", 1000, 99))
	assert.Len(t, openAlarms(t, st), 2, "one alarm per device")
}

func TestDisabledTagSuppressesEvaluation(t *testing.T) {
	st := memory.New()
	rule := tempRule()
	rule.DurationMs = 0
	e := NewEngine(st, nil)
	e.Reload([]telemetry.AlarmRule{rule}, map[string]bool{"temp": false})

	e.HandlePoint(sample("d1", 1000, 99))
	assert.Empty(t, openAlarms(t, st))
}

func TestReloadKeepsStateWhenHashUnchanged(t *testing.T) {
	st := memory.New()
	e := NewEngine(st, nil)
	rule := tempRule()
	e.Reload([]telemetry.AlarmRule{rule}, nil)

	e.HandlePoint(sample("d1", 0, 85)) // excursion in progress

	// Reload with only non-evaluative changes: the in-progress duration
	// window survives.
	rule.MessageTemplate = "temp high"
	e.Reload([]telemetry.AlarmRule{rule}, nil)
	e.HandlePoint(sample("d1", 5000, 85))
	assert.Len(t, openAlarms(t, st), 1)
}

func TestReloadResetsStateWhenThresholdChanges(t *testing.T) {
	st := memory.New()
	e := NewEngine(st, nil)
	rule := tempRule()
	e.Reload([]telemetry.AlarmRule{rule}, nil)

	e.HandlePoint(sample("d1", 0, 85))

	rule.Threshold = 82
	e.Reload([]telemetry.AlarmRule{rule}, nil)

	// The old excursion no longer counts: the window restarts at 5000.
	e.HandlePoint(sample("d1", 5000, 85))
	assert.Empty(t, openAlarms(t, st))
	e.HandlePoint(sample("d1", 10000, 85))
	assert.Len(t, openAlarms(t, st), 1)
}

func TestAdoptsExistingOpenAlarm(t *testing.T) {
	st := memory.New()
	// An open alarm from a previous process run is already in the store.
	require.NoError(t, st.InsertAlarm(context.Background(), telemetry.AlarmRecord{
		ID: "prior", Code: "r1", DeviceID: "d1", TagID: "temp", Ts: 100,
		Severity: 3, Status: telemetry.AlarmOpen,
	}))

	e := NewEngine(st, nil)
	e.Reload([]telemetry.AlarmRule{tempRule()}, nil)

	e.HandlePoint(sample("d1", 0, 85))
	e.HandlePoint(sample("d1", 5000, 85))

	// The store refuses a duplicate open alarm; the engine adopts the prior
	// one instead of raising.
	records := openAlarms(t, st)
	require.Len(t, records, 1)
	assert.Equal(t, "prior", records[0].ID)
}

func TestMessageTemplateRendering(t *testing.T) {
	st := memory.New()
	rule := tempRule()
	rule.DurationMs = 0
	rule.MessageTemplate = "{tagId} on {deviceId}: {value} exceeded {threshold}"
	e := NewEngine(st, nil)
	e.Reload([]telemetry.AlarmRule{rule}, nil)

	e.HandlePoint(sample("press-07", 1000, 91.5))
	records := openAlarms(t, st)
	require.Len(t, records, 1)
	assert.Equal(t, "temp on press-07: 91.5 exceeded 80", records[0].Message)
}

func TestNonNumericSamplesAreIgnored(t *testing.T) {
	st := memory.New()
	rule := tempRule()
	rule.DurationMs = 0
	e := NewEngine(st, nil)
	e.Reload([]telemetry.AlarmRule{rule}, nil)

	e.HandlePoint(telemetry.Point{
		DeviceID: "d1", TagID: "temp", Ts: 1000, Seq: telemetry.NextSeq(),
		Value: telemetry.StringValue("overheat"),
	})
	assert.Empty(t, openAlarms(t, st))
}
