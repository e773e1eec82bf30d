// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package aggregation

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/scadaflow/scadaflow/pkg/store"
	"github.com/scadaflow/scadaflow/pkg/util/log"
)

// Job scheduling defaults.
const (
	DefaultRollupInterval     = time.Minute
	DefaultHourRollupInterval = time.Hour
	DefaultRetentionInterval  = 10 * time.Minute
)

// RetentionPolicy sets how long each tier is kept. A zero duration disables
// pruning for that tier.
type RetentionPolicy struct {
	Raw    time.Duration
	Minute time.Duration
	Hour   time.Duration
}

// Config sets the job schedules and retention horizons. Zero intervals
// select the defaults.
type Config struct {
	RollupInterval     time.Duration // raw → minute cadence
	HourRollupInterval time.Duration // minute → hour cadence
	RetentionInterval  time.Duration
	Retention          RetentionPolicy
}

func (c Config) withDefaults() Config {
	if c.RollupInterval <= 0 {
		c.RollupInterval = DefaultRollupInterval
	}
	if c.HourRollupInterval <= 0 {
		c.HourRollupInterval = DefaultHourRollupInterval
	}
	if c.RetentionInterval <= 0 {
		c.RetentionInterval = DefaultRetentionInterval
	}
	return c
}

// Jobs runs the rollup and retention loops against one store.
type Jobs struct {
	st  store.AggregationStore
	clk clock.Clock
	cfg Config

	stop chan struct{}
	done chan struct{}
}

// NewJobs builds the job runner.
func NewJobs(st store.AggregationStore, cfg Config, clk clock.Clock) *Jobs {
	if clk == nil {
		clk = clock.New()
	}
	return &Jobs{
		st:   st,
		clk:  clk,
		cfg:  cfg.withDefaults(),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start launches the background loops.
func (j *Jobs) Start() {
	go j.run()
}

// Stop halts the loops; an in-flight pass finishes first.
func (j *Jobs) Stop() {
	close(j.stop)
	<-j.done
}

func (j *Jobs) run() {
	defer close(j.done)
	minute := j.clk.Ticker(j.cfg.RollupInterval)
	defer minute.Stop()
	hour := j.clk.Ticker(j.cfg.HourRollupInterval)
	defer hour.Stop()
	retention := j.clk.Ticker(j.cfg.RetentionInterval)
	defer retention.Stop()
	for {
		select {
		case <-j.stop:
			return
		case now := <-minute.C:
			j.runMinuteRollup(context.Background(), now.UTC().UnixMilli())
		case now := <-hour.C:
			j.runHourRollup(context.Background(), now.UTC().UnixMilli())
		case now := <-retention.C:
			j.RunRetention(context.Background(), now.UTC().UnixMilli())
		}
	}
}

func (j *Jobs) runMinuteRollup(ctx context.Context, nowTs int64) {
	if n, err := rollupRaw(ctx, j.st, nowTs, rollupBatchLimit); err != nil {
		log.Errorf("aggregation: minute rollup: %v", err) //nolint:errcheck
	} else if n > 0 {
		log.Debugf("aggregation: wrote %d minute buckets", n)
	}
}

func (j *Jobs) runHourRollup(ctx context.Context, nowTs int64) {
	if n, err := rollupMinutes(ctx, j.st, nowTs, rollupBatchLimit); err != nil {
		log.Errorf("aggregation: hour rollup: %v", err) //nolint:errcheck
	} else if n > 0 {
		log.Debugf("aggregation: wrote %d hour buckets", n)
	}
}

// RunRollups executes one pass of both tiers. Exposed for tests.
func (j *Jobs) RunRollups(ctx context.Context, nowTs int64) {
	j.runMinuteRollup(ctx, nowTs)
	j.runHourRollup(ctx, nowTs)
}

// RunRetention executes one pruning pass over the configured tiers.
// Exposed for tests.
func (j *Jobs) RunRetention(ctx context.Context, nowTs int64) {
	tiers := []struct {
		table     string
		retention time.Duration
	}{
		{store.TableTelemetryRaw, j.cfg.Retention.Raw},
		{store.TableTelemetry1m, j.cfg.Retention.Minute},
		{store.TableTelemetry1h, j.cfg.Retention.Hour},
	}
	for _, tier := range tiers {
		if tier.retention <= 0 {
			continue
		}
		cutoff, err := pruneCutoff(ctx, j.st, tier.table, tier.retention, nowTs)
		if err != nil {
			log.Errorf("aggregation: retention %s: %v", tier.table, err) //nolint:errcheck
			continue
		}
		deleted, err := j.st.DeleteBefore(ctx, tier.table, cutoff)
		if err != nil {
			log.Errorf("aggregation: retention %s: %v", tier.table, err) //nolint:errcheck
			continue
		}
		if deleted > 0 {
			log.Infof("aggregation: pruned %d rows from %s", deleted, tier.table)
		}
	}
}
