// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package collector

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/scadaflow/scadaflow/pkg/telemetry"
)

func TestSessionRunnerReconnectsAfterFailure(t *testing.T) {
	attempts := atomic.NewInt32(0)
	r := NewSessionRunner("d1", func(ctx context.Context) error {
		n := attempts.Inc()
		if n == 1 {
			return fmt.Errorf("connection refused")
		}
		// Second session holds until Stop.
		<-ctx.Done()
		return nil
	})
	r.Start()
	defer r.Stop()

	// First attempt fails, a reconnect follows after ~1s of backoff.
	require.Eventually(t, func() bool { return attempts.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)

	h := r.Health()
	assert.Equal(t, "d1", h.DeviceID)
	assert.GreaterOrEqual(t, h.ReconnectCount, uint64(1))
	assert.Contains(t, h.LastError, "connection refused")
}

func TestSessionRunnerStopIsIdempotent(t *testing.T) {
	r := NewSessionRunner("d1", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	r.Start()

	r.Stop()
	r.Stop()
	assert.Equal(t, StateStopped, r.Health().State)
}

func TestSessionRunnerHealthTracksSamples(t *testing.T) {
	r := NewSessionRunner("d1", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	r.Start()
	defer r.Stop()

	require.Eventually(t, func() bool {
		return r.Health().State == StateConnecting
	}, time.Second, 5*time.Millisecond)

	r.MarkConnected()
	assert.Equal(t, StateConnected, r.Health().State)

	r.NoteSample(telemetry.Point{Ts: 1700000000000})
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), r.Health().LastSampleUtc)
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "unknown", State(99).String())
}
