// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package configwatch

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scadaflow/scadaflow/pkg/store/memory"
	"github.com/scadaflow/scadaflow/pkg/telemetry"
)

func TestInitialCheckAppliesCurrentRevision(t *testing.T) {
	st := memory.New()
	w := New(st, 0, nil)

	var applied []string
	w.Register("first", func(context.Context) error {
		applied = append(applied, "first")
		return nil
	})
	w.Register("second", func(context.Context) error {
		applied = append(applied, "second")
		return nil
	})

	require.NoError(t, w.Check(context.Background()))
	assert.Equal(t, []string{"first", "second"}, applied, "callbacks run in registration order")
}

func TestUnchangedRevisionIsANoOp(t *testing.T) {
	st := memory.New()
	w := New(st, 0, nil)

	calls := 0
	w.Register("cb", func(context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, w.Check(context.Background()))
	require.NoError(t, w.Check(context.Background()))
	assert.Equal(t, 1, calls)
}

func TestMutationTriggersReapply(t *testing.T) {
	st := memory.New()
	w := New(st, 0, nil)

	calls := 0
	w.Register("cb", func(context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, w.Check(context.Background()))
	require.NoError(t, st.UpsertDevice(context.Background(), telemetry.Device{ID: "d1"}))
	require.NoError(t, w.Check(context.Background()))
	assert.Equal(t, 2, calls)
}

func TestFailingCallbackDoesNotStopOthersAndIsRetried(t *testing.T) {
	st := memory.New()
	w := New(st, 0, nil)

	fail := true
	firstCalls, secondCalls := 0, 0
	w.Register("failing", func(context.Context) error {
		firstCalls++
		if fail {
			return fmt.Errorf("transient")
		}
		return nil
	})
	w.Register("healthy", func(context.Context) error {
		secondCalls++
		return nil
	})

	// The failing callback does not prevent the healthy one from running,
	// and the revision stays unapplied.
	assert.Error(t, w.Check(context.Background()))
	assert.Equal(t, 1, firstCalls)
	assert.Equal(t, 1, secondCalls)

	// Next check retries the whole pass.
	fail = false
	require.NoError(t, w.Check(context.Background()))
	assert.Equal(t, 2, firstCalls)
	assert.Equal(t, 2, secondCalls)

	// Now the revision is applied; no further work.
	require.NoError(t, w.Check(context.Background()))
	assert.Equal(t, 2, firstCalls)
}
