// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package postgres

import "context"

// Idempotent schema bootstrap. The layout follows the persistence contract:
// raw telemetry indexable by (device, tag, ts, seq), aggregate tables with a
// UNIQUE (device, tag, bucket), single-row watermark and revision tables.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS telemetry (
		device_id   TEXT NOT NULL,
		tag_id      TEXT NOT NULL,
		ts          BIGINT NOT NULL,
		seq         BIGINT NOT NULL,
		value_type  SMALLINT NOT NULL,
		value_num   DOUBLE PRECISION,
		value_str   TEXT,
		value_bytes BYTEA,
		value_time  TIMESTAMPTZ,
		quality     SMALLINT NOT NULL DEFAULT 0,
		unit        TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (device_id, tag_id, ts, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS telemetry_ts_idx ON telemetry (ts)`,

	`CREATE TABLE IF NOT EXISTS telemetry_latest (
		device_id   TEXT NOT NULL,
		tag_id      TEXT NOT NULL,
		ts          BIGINT NOT NULL,
		seq         BIGINT NOT NULL,
		value_type  SMALLINT NOT NULL,
		value_num   DOUBLE PRECISION,
		value_str   TEXT,
		value_bytes BYTEA,
		value_time  TIMESTAMPTZ,
		quality     SMALLINT NOT NULL DEFAULT 0,
		unit        TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (device_id, tag_id)
	)`,

	`CREATE TABLE IF NOT EXISTS telemetry_1m (
		device_id TEXT NOT NULL,
		tag_id    TEXT NOT NULL,
		ts_bucket BIGINT NOT NULL,
		min_value DOUBLE PRECISION NOT NULL,
		max_value DOUBLE PRECISION NOT NULL,
		avg_value DOUBLE PRECISION NOT NULL,
		first_value DOUBLE PRECISION NOT NULL,
		last_value  DOUBLE PRECISION NOT NULL,
		sample_count BIGINT NOT NULL,
		PRIMARY KEY (device_id, tag_id, ts_bucket)
	)`,

	`CREATE TABLE IF NOT EXISTS telemetry_1h (
		device_id TEXT NOT NULL,
		tag_id    TEXT NOT NULL,
		ts_bucket BIGINT NOT NULL,
		min_value DOUBLE PRECISION NOT NULL,
		max_value DOUBLE PRECISION NOT NULL,
		avg_value DOUBLE PRECISION NOT NULL,
		first_value DOUBLE PRECISION NOT NULL,
		last_value  DOUBLE PRECISION NOT NULL,
		sample_count BIGINT NOT NULL,
		PRIMARY KEY (device_id, tag_id, ts_bucket)
	)`,

	`CREATE TABLE IF NOT EXISTS device (
		id                TEXT PRIMARY KEY,
		name              TEXT NOT NULL,
		protocol          TEXT NOT NULL,
		host              TEXT NOT NULL DEFAULT '',
		port              INT NOT NULL DEFAULT 0,
		connection_string TEXT NOT NULL DEFAULT '',
		enabled           BOOLEAN NOT NULL DEFAULT TRUE,
		metadata          JSONB NOT NULL DEFAULT '{}',
		created_utc       TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_utc       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS tag (
		id               TEXT PRIMARY KEY,
		device_id        TEXT NOT NULL REFERENCES device(id) ON DELETE CASCADE,
		name             TEXT NOT NULL,
		data_type        SMALLINT NOT NULL,
		enabled          BOOLEAN NOT NULL DEFAULT TRUE,
		address          TEXT NOT NULL DEFAULT '',
		scan_interval_ms INT NOT NULL DEFAULT 1000,
		tag_group        TEXT NOT NULL DEFAULT '',
		metadata         JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS tag_device_idx ON tag (device_id)`,

	`CREATE TABLE IF NOT EXISTS alarm_rule (
		id               TEXT PRIMARY KEY,
		tag_id           TEXT NOT NULL,
		device_id        TEXT NOT NULL DEFAULT '',
		condition_type   TEXT NOT NULL,
		threshold        DOUBLE PRECISION NOT NULL,
		duration_ms      BIGINT NOT NULL DEFAULT 0,
		severity         SMALLINT NOT NULL,
		message_template TEXT NOT NULL DEFAULT '',
		enabled          BOOLEAN NOT NULL DEFAULT TRUE,
		created_utc      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_utc      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS alarm (
		id        TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		tag_id    TEXT NOT NULL DEFAULT '',
		ts        BIGINT NOT NULL,
		severity  SMALLINT NOT NULL,
		code      TEXT NOT NULL,
		message   TEXT NOT NULL DEFAULT '',
		status    SMALLINT NOT NULL DEFAULT 0,
		acked_by  TEXT NOT NULL DEFAULT '',
		acked_utc TIMESTAMPTZ,
		ack_note  TEXT NOT NULL DEFAULT ''
	)`,
	// At most one open alarm per (rule, device, tag).
	`CREATE UNIQUE INDEX IF NOT EXISTS alarm_open_idx
		ON alarm (code, device_id, tag_id) WHERE status = 0`,

	`CREATE TABLE IF NOT EXISTS collection_rule (
		id               TEXT PRIMARY KEY,
		device_id        TEXT NOT NULL REFERENCES device(id),
		enabled          BOOLEAN NOT NULL DEFAULT TRUE,
		start_condition  JSONB NOT NULL,
		stop_condition   JSONB NOT NULL,
		config           JSONB NOT NULL,
		trigger_count    BIGINT NOT NULL DEFAULT 0,
		last_trigger_utc TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS collection_segment (
		id        TEXT PRIMARY KEY,
		rule_id   TEXT NOT NULL,
		device_id TEXT NOT NULL,
		start_ts  BIGINT NOT NULL,
		end_ts    BIGINT NOT NULL DEFAULT 0,
		status    SMALLINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS segment_rule_idx ON collection_segment (rule_id, start_ts)`,

	`CREATE TABLE IF NOT EXISTS segment_point (
		segment_id  TEXT NOT NULL,
		device_id   TEXT NOT NULL,
		tag_id      TEXT NOT NULL,
		ts          BIGINT NOT NULL,
		seq         BIGINT NOT NULL,
		value_type  SMALLINT NOT NULL,
		value_num   DOUBLE PRECISION,
		value_str   TEXT,
		value_bytes BYTEA,
		value_time  TIMESTAMPTZ,
		quality     SMALLINT NOT NULL DEFAULT 0,
		unit        TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (segment_id, device_id, tag_id, ts, seq)
	)`,

	`CREATE TABLE IF NOT EXISTS baseline (
		device_id     TEXT NOT NULL,
		baseline_type TEXT NOT NULL,
		payload       JSONB NOT NULL,
		updated_utc   TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (device_id, baseline_type)
	)`,

	`CREATE TABLE IF NOT EXISTS config_revision (
		id       SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
		revision BIGINT NOT NULL DEFAULT 0
	)`,
	`INSERT INTO config_revision (id, revision) VALUES (1, 0) ON CONFLICT DO NOTHING`,

	`CREATE TABLE IF NOT EXISTS aggregate_state (
		table_name        TEXT PRIMARY KEY,
		last_processed_ts BIGINT NOT NULL DEFAULT 0
	)`,
}

func (s *Store) bootstrap(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
