// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

// Package app assembles and supervises the host process: store, pipeline,
// dispatcher with its sinks, collectors, config watcher and background jobs,
// started leaves-first and stopped in the reverse order so no stage writes
// into a stopped one.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/scadaflow/scadaflow/pkg/aggregation"
	"github.com/scadaflow/scadaflow/pkg/alarm"
	"github.com/scadaflow/scadaflow/pkg/collection"
	"github.com/scadaflow/scadaflow/pkg/collector"
	"github.com/scadaflow/scadaflow/pkg/collector/modbusc"
	"github.com/scadaflow/scadaflow/pkg/collector/mqttc"
	"github.com/scadaflow/scadaflow/pkg/collector/simulation"
	"github.com/scadaflow/scadaflow/pkg/config"
	"github.com/scadaflow/scadaflow/pkg/configwatch"
	"github.com/scadaflow/scadaflow/pkg/dispatcher"
	"github.com/scadaflow/scadaflow/pkg/pipeline"
	"github.com/scadaflow/scadaflow/pkg/store"
	"github.com/scadaflow/scadaflow/pkg/store/memory"
	"github.com/scadaflow/scadaflow/pkg/store/postgres"
	"github.com/scadaflow/scadaflow/pkg/telemetry"
	"github.com/scadaflow/scadaflow/pkg/util/log"
)

// Storage is the store capability set plus teardown.
type Storage interface {
	store.Store
	Close() error
}

// App is the assembled host process.
type App struct {
	storage     Storage
	pipeline    *pipeline.Pipeline
	dispatcher  *dispatcher.Dispatcher
	broadcaster *dispatcher.Broadcaster
	alarms      *alarm.Engine
	collection  *collection.Engine
	collectors  *collector.Supervisor
	watcher     *configwatch.Watcher
	jobs        *aggregation.Jobs

	grace time.Duration
}

// New builds every stage from the loaded configuration. Nothing runs yet.
func New(ctx context.Context) (*App, error) {
	storage, err := openStorage(ctx)
	if err != nil {
		return nil, err
	}

	var exporter pipeline.OverflowExporter
	if path := config.C.GetString("pipeline.overflow_export_path"); path != "" {
		exporter = pipeline.NewFileExporter(path)
	}

	disp := dispatcher.New(config.C.GetInt("dispatcher.sink_queue_size"))
	pipe := pipeline.New(pipeline.Config{
		Capacity:      config.C.GetInt("pipeline.capacity"),
		BatchSize:     config.C.GetInt("pipeline.batch_size"),
		FlushInterval: config.C.GetDuration("pipeline.flush_interval"),
	}, storage, disp, exporter, nil)

	broadcaster := dispatcher.NewBroadcaster(config.C.GetInt("dispatcher.sink_queue_size"))
	alarms := alarm.NewEngine(storage, alarmEvents{broadcaster})
	coll := collection.NewEngine(storage, storage, segmentEvents{broadcaster}, nil,
		config.C.GetDuration("collection.abort_ceiling"))

	disp.Register(alarms)
	disp.Register(coll)
	disp.Register(broadcaster)

	collectors := collector.NewSupervisor(pipe)
	collectors.Register(telemetry.ProtocolSimulation, simulation.New)
	collectors.Register(telemetry.ProtocolModbus, modbusc.New)
	collectors.Register(telemetry.ProtocolMqtt, mqttc.New)
	collectors.SetSimulationMode(config.C.GetBool("collectors.simulation_mode"))

	a := &App{
		storage:     storage,
		pipeline:    pipe,
		dispatcher:  disp,
		broadcaster: broadcaster,
		alarms:      alarms,
		collection:  coll,
		collectors:  collectors,
		jobs: aggregation.NewJobs(storage, aggregation.Config{
			RollupInterval:     config.C.GetDuration("aggregation.rollup_interval"),
			HourRollupInterval: config.C.GetDuration("aggregation.hour_rollup_interval"),
			RetentionInterval:  config.C.GetDuration("aggregation.retention_interval"),
			Retention: aggregation.RetentionPolicy{
				Raw:    config.C.GetDuration("aggregation.retention.raw"),
				Minute: config.C.GetDuration("aggregation.retention.minute"),
				Hour:   config.C.GetDuration("aggregation.retention.hour"),
			},
		}, nil),
		grace: config.C.GetDuration("shutdown.grace_period"),
	}

	a.watcher = configwatch.New(storage, config.C.GetDuration("config_watcher.poll_interval"), nil)
	a.watcher.Register("collectors", a.reloadCollectors)
	a.watcher.Register("alarm-rules", a.reloadAlarmRules)
	a.watcher.Register("collection-rules", a.reloadCollectionRules)
	return a, nil
}

func openStorage(ctx context.Context) (Storage, error) {
	backend := config.C.GetString("store.backend")
	switch backend {
	case "memory":
		return memory.New(), nil
	case "postgres":
		return postgres.Open(ctx, config.C.GetString("store.postgres.dsn"), config.C.GetInt("store.postgres.max_conns"))
	}
	return nil, fmt.Errorf("unknown store backend %q", backend)
}

// Start brings the stages up: persistence path first, then the engines, then
// the initial config load (which starts the collectors), then the background
// jobs.
func (a *App) Start(ctx context.Context) error {
	a.pipeline.Start()
	a.collection.Start()
	if err := a.watcher.Start(ctx); err != nil {
		return errors.Wrap(err, "loading initial configuration")
	}
	a.jobs.Start()
	log.Info("scadaflow: all stages running")
	return nil
}

// Stop tears the stages down in reverse dependency order: stop producing,
// drain the pipeline within the grace period, then stop the consumers.
func (a *App) Stop() error {
	var errs *multierror.Error

	a.collectors.StopAll()
	a.watcher.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), a.grace)
	defer cancel()
	if err := a.pipeline.Stop(ctx); err != nil {
		errs = multierror.Append(errs, errors.Wrap(err, "draining pipeline"))
	}

	a.dispatcher.Stop()
	a.collection.Stop()
	a.jobs.Stop()

	if err := a.storage.Close(); err != nil {
		errs = multierror.Append(errs, errors.Wrap(err, "closing store"))
	}
	log.Info("scadaflow: shutdown complete")
	return errs.ErrorOrNil()
}

// Broadcaster exposes the live-subscription sink.
func (a *App) Broadcaster() *dispatcher.Broadcaster { return a.broadcaster }

// CollectorHealth reports the per-device collector snapshots.
func (a *App) CollectorHealth() []collector.Health { return a.collectors.HealthSnapshots() }

func (a *App) reloadCollectors(ctx context.Context) error {
	devices, err := a.storage.ListDevices(ctx)
	if err != nil {
		return err
	}
	tags, err := a.storage.ListTags(ctx, "")
	if err != nil {
		return err
	}
	a.collectors.Reload(devices, tags)
	return nil
}

func (a *App) reloadAlarmRules(ctx context.Context) error {
	rules, err := a.storage.ListAlarmRules(ctx)
	if err != nil {
		return err
	}
	tags, err := a.storage.ListTags(ctx, "")
	if err != nil {
		return err
	}
	// Disabled tags must be present with false: the engine treats a tag it
	// has no entry for as enabled.
	enabled := make(map[string]bool, len(tags))
	for _, t := range tags {
		enabled[t.ID] = t.Enabled
	}
	a.alarms.Reload(rules, enabled)
	return nil
}

func (a *App) reloadCollectionRules(ctx context.Context) error {
	rules, err := a.storage.ListCollectionRules(ctx)
	if err != nil {
		return err
	}
	a.collection.Reload(rules)
	return nil
}

// alarmEvents forwards created alarms to live subscribers.
type alarmEvents struct{ b *dispatcher.Broadcaster }

func (n alarmEvents) AlarmCreated(a telemetry.AlarmRecord) {
	n.b.PublishEvent(dispatcher.Event{Type: "alarm.created", Payload: a})
}

// segmentEvents forwards finalized segments to live subscribers.
type segmentEvents struct{ b *dispatcher.Broadcaster }

func (n segmentEvents) SegmentFinalized(s telemetry.Segment) {
	n.b.PublishEvent(dispatcher.Event{Type: "segment.finalized", Payload: s})
}
