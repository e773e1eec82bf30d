// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

// Package configwatch polls the durable config revision counter and drives
// the hot-reload callbacks when it moves. Every config mutation bumps the
// counter in the same transaction, so one watched integer covers devices,
// tags, alarm rules and collection rules.
package configwatch

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"

	"github.com/scadaflow/scadaflow/pkg/store"
	"github.com/scadaflow/scadaflow/pkg/util/log"
)

// DefaultPollInterval between revision checks.
const DefaultPollInterval = 5 * time.Second

// Callback applies one subsystem's view of the current configuration.
// Callbacks must be idempotent: they run again on the next revision bump and
// after any failed pass.
type Callback struct {
	Name  string
	Apply func(ctx context.Context) error
}

// Watcher polls the revision and fans out to callbacks in registration
// order. A failing callback is logged and does not stop the others; the
// revision is only marked applied when every callback succeeded, so a
// failed pass is retried on the next tick.
type Watcher struct {
	revisions store.RevisionStore
	callbacks []Callback
	interval  time.Duration
	clk       clock.Clock

	applied int64

	stop chan struct{}
	done chan struct{}
}

// New builds a watcher. interval <= 0 selects the default.
func New(revisions store.RevisionStore, interval time.Duration, clk clock.Clock) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Watcher{
		revisions: revisions,
		interval:  interval,
		clk:       clk,
		applied:   -1,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Register appends a callback. Order of registration is order of invocation.
// Not safe to call after Start.
func (w *Watcher) Register(name string, apply func(ctx context.Context) error) {
	w.callbacks = append(w.callbacks, Callback{Name: name, Apply: apply})
}

// Start performs an initial synchronous pass so subsystems hold a config
// before anything else starts, then launches the poll loop.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.Check(ctx); err != nil {
		return err
	}
	go w.run()
	return nil
}

// Stop halts the poll loop.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Watcher) run() {
	defer close(w.done)
	ticker := w.clk.Ticker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.Check(context.Background()); err != nil {
				log.Warnf("configwatch: %v", err) //nolint:errcheck
			}
		}
	}
}

// Check reads the revision and, if it moved, runs the callbacks. Exposed for
// tests and for the initial load.
func (w *Watcher) Check(ctx context.Context) error {
	rev, err := w.revisions.GetRevision(ctx)
	if err != nil {
		return err
	}
	if rev == w.applied {
		return nil
	}

	log.Infof("configwatch: applying configuration revision %d", rev)
	var errs *multierror.Error
	for _, cb := range w.callbacks {
		if err := cb.Apply(ctx); err != nil {
			log.Errorf("configwatch: callback %s: %v", cb.Name, err) //nolint:errcheck
			errs = multierror.Append(errs, err)
		}
	}
	if errs.ErrorOrNil() != nil {
		return errs.ErrorOrNil()
	}
	w.applied = rev
	return nil
}
