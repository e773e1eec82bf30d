// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package collector

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/atomic"

	"github.com/scadaflow/scadaflow/pkg/metrics"
	"github.com/scadaflow/scadaflow/pkg/telemetry"
	"github.com/scadaflow/scadaflow/pkg/util/log"
)

// Reconnect backoff bounds: 1s doubling to 30s with ±20% jitter, until Stop.
const (
	reconnectInitial = time.Second
	reconnectMax     = 30 * time.Second
	reconnectJitter  = 0.2
)

// SessionFunc opens one protocol session and runs it until it fails or ctx
// is cancelled. Returning nil means the session ended cleanly (only expected
// on cancellation); any error triggers a reconnect.
type SessionFunc func(ctx context.Context) error

// SessionRunner drives the shared collector state machine: Connecting →
// Connected → Reconnecting → Connected, with exponential-backoff reconnects,
// until Stop. Concrete collectors embed it and supply their SessionFunc.
type SessionRunner struct {
	deviceID string
	session  SessionFunc

	state      *atomic.Int32
	lastSample *atomic.Int64
	reconnects *atomic.Uint64
	lastErr    *atomic.String

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewSessionRunner builds a runner for deviceID around session.
func NewSessionRunner(deviceID string, session SessionFunc) *SessionRunner {
	return &SessionRunner{
		deviceID:   deviceID,
		session:    session,
		state:      atomic.NewInt32(int32(StateDisconnected)),
		lastSample: atomic.NewInt64(0),
		reconnects: atomic.NewUint64(0),
		lastErr:    atomic.NewString(""),
		done:       make(chan struct{}),
	}
}

// Start launches the session loop.
func (r *SessionRunner) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.loop(ctx)
}

// Stop cancels the session and waits for the loop to exit. Idempotent.
func (r *SessionRunner) Stop() {
	r.once.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		<-r.done
		r.state.Store(int32(StateStopped))
	})
}

// MarkConnected flips the state once the protocol session is established.
// The SessionFunc calls it after its connect phase succeeds.
func (r *SessionRunner) MarkConnected() {
	r.state.Store(int32(StateConnected))
	log.Infof("collector %s: connected", r.deviceID)
}

// NoteSample records that a sample was produced, for health reporting.
func (r *SessionRunner) NoteSample(p telemetry.Point) {
	r.lastSample.Store(p.Ts)
}

// Health implements the Collector health snapshot for embedders.
func (r *SessionRunner) Health() Health {
	h := Health{
		DeviceID:       r.deviceID,
		State:          State(r.state.Load()),
		ReconnectCount: r.reconnects.Load(),
		LastError:      r.lastErr.Load(),
	}
	if ts := r.lastSample.Load(); ts > 0 {
		h.LastSampleUtc = time.UnixMilli(ts).UTC()
	}
	return h
}

func (r *SessionRunner) loop(ctx context.Context) {
	defer close(r.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectInitial
	bo.Multiplier = 2
	bo.MaxInterval = reconnectMax
	bo.RandomizationFactor = reconnectJitter
	bo.MaxElapsedTime = 0

	first := true
	for {
		if ctx.Err() != nil {
			return
		}
		if first {
			r.state.Store(int32(StateConnecting))
			first = false
		} else {
			r.state.Store(int32(StateReconnecting))
		}

		sessionStart := time.Now()
		err := r.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(sessionStart) > time.Minute {
			// A session that held for a while earns a fresh backoff schedule.
			bo.Reset()
		}
		if err != nil {
			r.lastErr.Store(err.Error())
			log.Warnf("collector %s: session lost: %v", r.deviceID, err) //nolint:errcheck
		}

		wait := bo.NextBackOff()
		r.reconnects.Inc()
		metrics.CollectorReconnects.WithLabelValues(r.deviceID).Inc()
		log.Debugf("collector %s: reconnecting in %s", r.deviceID, wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
