// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package postgres

import (
	"context"
	"database/sql"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/jmoiron/sqlx"

	"github.com/scadaflow/scadaflow/pkg/store"
	"github.com/scadaflow/scadaflow/pkg/telemetry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type deviceRow struct {
	ID               string    `db:"id"`
	Name             string    `db:"name"`
	Protocol         string    `db:"protocol"`
	Host             string    `db:"host"`
	Port             int       `db:"port"`
	ConnectionString string    `db:"connection_string"`
	Enabled          bool      `db:"enabled"`
	Metadata         []byte    `db:"metadata"`
	CreatedUtc       time.Time `db:"created_utc"`
	UpdatedUtc       time.Time `db:"updated_utc"`
}

func (r deviceRow) toDevice() telemetry.Device {
	d := telemetry.Device{
		ID: r.ID, Name: r.Name, Protocol: telemetry.Protocol(r.Protocol),
		Host: r.Host, Port: r.Port, ConnectionString: r.ConnectionString,
		Enabled: r.Enabled, CreatedUtc: r.CreatedUtc, UpdatedUtc: r.UpdatedUtc,
	}
	if len(r.Metadata) > 0 {
		_ = json.Unmarshal(r.Metadata, &d.Metadata)
	}
	return d
}

// withRevision runs fn in a transaction and bumps the config revision in the
// same transaction, so every config mutation increments it exactly once.
func (s *Store) withRevision(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback() //nolint:errcheck
	if err := fn(tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE config_revision SET revision = revision + 1 WHERE id = 1`); err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}

// ListDevices returns all devices sorted by ID.
func (s *Store) ListDevices(ctx context.Context) ([]telemetry.Device, error) {
	var rows []deviceRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM device ORDER BY id`); err != nil {
		return nil, classify(err)
	}
	out := make([]telemetry.Device, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDevice())
	}
	return out, nil
}

// UpsertDevice creates or replaces a device.
func (s *Store) UpsertDevice(ctx context.Context, d telemetry.Device) error {
	if d.ID == "" {
		return store.Validationf("device: missing id")
	}
	meta, err := json.Marshal(d.Metadata)
	if err != nil {
		return store.Validationf("device %s: metadata: %v", d.ID, err)
	}
	return s.withRevision(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO device
			(id, name, protocol, host, port, connection_string, enabled, metadata, updated_utc)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name, protocol = EXCLUDED.protocol, host = EXCLUDED.host,
				port = EXCLUDED.port, connection_string = EXCLUDED.connection_string,
				enabled = EXCLUDED.enabled, metadata = EXCLUDED.metadata, updated_utc = now()`,
			d.ID, d.Name, string(d.Protocol), d.Host, d.Port, d.ConnectionString, d.Enabled, meta)
		return classify(err)
	})
}

// DeleteDevice cascades to owned tags; refused while collection rules still
// reference the device.
func (s *Store) DeleteDevice(ctx context.Context, deviceID string) error {
	return s.withRevision(ctx, func(tx *sqlx.Tx) error {
		var refs int
		if err := tx.GetContext(ctx, &refs,
			`SELECT COUNT(*) FROM collection_rule WHERE device_id = $1`, deviceID); err != nil {
			return classify(err)
		}
		if refs > 0 {
			return store.ErrReferenced
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM device WHERE id = $1`, deviceID)
		if err != nil {
			return classify(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

type tagRow struct {
	ID             string `db:"id"`
	DeviceID       string `db:"device_id"`
	Name           string `db:"name"`
	DataType       int    `db:"data_type"`
	Enabled        bool   `db:"enabled"`
	Address        string `db:"address"`
	ScanIntervalMs int    `db:"scan_interval_ms"`
	Group          string `db:"tag_group"`
	Metadata       []byte `db:"metadata"`
}

func (r tagRow) toTag() telemetry.Tag {
	t := telemetry.Tag{
		ID: r.ID, DeviceID: r.DeviceID, Name: r.Name,
		DataType: telemetry.ValueType(r.DataType), Enabled: r.Enabled,
		Address: r.Address, ScanIntervalMs: r.ScanIntervalMs, Group: r.Group,
	}
	if len(r.Metadata) > 0 {
		_ = json.Unmarshal(r.Metadata, &t.Metadata)
	}
	return t
}

// ListTags returns the tags of one device, or all tags when deviceID is empty.
func (s *Store) ListTags(ctx context.Context, deviceID string) ([]telemetry.Tag, error) {
	var rows []tagRow
	var err error
	if deviceID == "" {
		err = s.db.SelectContext(ctx, &rows, `SELECT * FROM tag ORDER BY id`)
	} else {
		err = s.db.SelectContext(ctx, &rows, `SELECT * FROM tag WHERE device_id = $1 ORDER BY id`, deviceID)
	}
	if err != nil {
		return nil, classify(err)
	}
	out := make([]telemetry.Tag, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toTag())
	}
	return out, nil
}

// UpsertTag creates or replaces a tag.
func (s *Store) UpsertTag(ctx context.Context, t telemetry.Tag) error {
	if t.ID == "" {
		return store.Validationf("tag: missing id")
	}
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return store.Validationf("tag %s: metadata: %v", t.ID, err)
	}
	return s.withRevision(ctx, func(tx *sqlx.Tx) error {
		var exists bool
		if err := tx.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM device WHERE id = $1)`, t.DeviceID); err != nil {
			return classify(err)
		}
		if !exists {
			return store.Validationf("tag %s: unknown device %q", t.ID, t.DeviceID)
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO tag
			(id, device_id, name, data_type, enabled, address, scan_interval_ms, tag_group, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE SET
				device_id = EXCLUDED.device_id, name = EXCLUDED.name,
				data_type = EXCLUDED.data_type, enabled = EXCLUDED.enabled,
				address = EXCLUDED.address, scan_interval_ms = EXCLUDED.scan_interval_ms,
				tag_group = EXCLUDED.tag_group, metadata = EXCLUDED.metadata`,
			t.ID, t.DeviceID, t.Name, int(t.DataType), t.Enabled, t.Address, t.ScanIntervalMs, t.Group, meta)
		return classify(err)
	})
}

// DeleteTag removes a tag.
func (s *Store) DeleteTag(ctx context.Context, tagID string) error {
	return s.withRevision(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM tag WHERE id = $1`, tagID)
		if err != nil {
			return classify(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

type alarmRuleRow struct {
	ID              string    `db:"id"`
	TagID           string    `db:"tag_id"`
	DeviceID        string    `db:"device_id"`
	ConditionType   string    `db:"condition_type"`
	Threshold       float64   `db:"threshold"`
	DurationMs      int64     `db:"duration_ms"`
	Severity        int       `db:"severity"`
	MessageTemplate string    `db:"message_template"`
	Enabled         bool      `db:"enabled"`
	CreatedUtc      time.Time `db:"created_utc"`
	UpdatedUtc      time.Time `db:"updated_utc"`
}

// ListAlarmRules returns all alarm rules sorted by ID.
func (s *Store) ListAlarmRules(ctx context.Context) ([]telemetry.AlarmRule, error) {
	var rows []alarmRuleRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM alarm_rule ORDER BY id`); err != nil {
		return nil, classify(err)
	}
	out := make([]telemetry.AlarmRule, 0, len(rows))
	for _, r := range rows {
		out = append(out, telemetry.AlarmRule{
			ID: r.ID, TagID: r.TagID, DeviceID: r.DeviceID,
			Condition: telemetry.AlarmCondition(r.ConditionType), Threshold: r.Threshold,
			DurationMs: r.DurationMs, Severity: r.Severity, MessageTemplate: r.MessageTemplate,
			Enabled: r.Enabled, CreatedUtc: r.CreatedUtc, UpdatedUtc: r.UpdatedUtc,
		})
	}
	return out, nil
}

// UpsertAlarmRule validates and stores a rule.
func (s *Store) UpsertAlarmRule(ctx context.Context, r telemetry.AlarmRule) error {
	if err := r.Validate(); err != nil {
		return store.Validationf("%v", err)
	}
	return s.withRevision(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO alarm_rule
			(id, tag_id, device_id, condition_type, threshold, duration_ms, severity, message_template, enabled, updated_utc)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
			ON CONFLICT (id) DO UPDATE SET
				tag_id = EXCLUDED.tag_id, device_id = EXCLUDED.device_id,
				condition_type = EXCLUDED.condition_type, threshold = EXCLUDED.threshold,
				duration_ms = EXCLUDED.duration_ms, severity = EXCLUDED.severity,
				message_template = EXCLUDED.message_template, enabled = EXCLUDED.enabled,
				updated_utc = now()`,
			r.ID, r.TagID, r.DeviceID, string(r.Condition), r.Threshold, r.DurationMs,
			r.Severity, r.MessageTemplate, r.Enabled)
		return classify(err)
	})
}

// DeleteAlarmRule removes a rule.
func (s *Store) DeleteAlarmRule(ctx context.Context, ruleID string) error {
	return s.withRevision(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM alarm_rule WHERE id = $1`, ruleID)
		if err != nil {
			return classify(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

type collectionRuleRow struct {
	ID             string       `db:"id"`
	DeviceID       string       `db:"device_id"`
	Enabled        bool         `db:"enabled"`
	StartCondition []byte       `db:"start_condition"`
	StopCondition  []byte       `db:"stop_condition"`
	Config         []byte       `db:"config"`
	TriggerCount   int64        `db:"trigger_count"`
	LastTriggerUtc sql.NullTime `db:"last_trigger_utc"`
}

// ListCollectionRules returns all collection rules with parsed conditions.
func (s *Store) ListCollectionRules(ctx context.Context) ([]telemetry.CollectionRule, error) {
	var rows []collectionRuleRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM collection_rule ORDER BY id`); err != nil {
		return nil, classify(err)
	}
	out := make([]telemetry.CollectionRule, 0, len(rows))
	for _, r := range rows {
		start, err := telemetry.ParseCondition(r.StartCondition)
		if err != nil {
			return nil, err
		}
		stop, err := telemetry.ParseCondition(r.StopCondition)
		if err != nil {
			return nil, err
		}
		var cfg telemetry.CollectionConfig
		if err := json.Unmarshal(r.Config, &cfg); err != nil {
			return nil, err
		}
		rule := telemetry.CollectionRule{
			ID: r.ID, DeviceID: r.DeviceID, Enabled: r.Enabled,
			StartCondition: start, StopCondition: stop, Config: cfg,
			TriggerCount: r.TriggerCount,
		}
		if r.LastTriggerUtc.Valid {
			t := r.LastTriggerUtc.Time
			rule.LastTriggerUtc = &t
		}
		out = append(out, rule)
	}
	return out, nil
}

// UpsertCollectionRule validates shape and device reference, then stores the
// rule with re-serialized condition blobs.
func (s *Store) UpsertCollectionRule(ctx context.Context, r telemetry.CollectionRule) error {
	if err := r.Validate(); err != nil {
		return store.Validationf("%v", err)
	}
	start, err := r.StartCondition.Encode()
	if err != nil {
		return store.Validationf("collection rule %s: %v", r.ID, err)
	}
	stop, err := r.StopCondition.Encode()
	if err != nil {
		return store.Validationf("collection rule %s: %v", r.ID, err)
	}
	cfg, err := json.Marshal(r.Config)
	if err != nil {
		return store.Validationf("collection rule %s: %v", r.ID, err)
	}
	return s.withRevision(ctx, func(tx *sqlx.Tx) error {
		var exists bool
		if err := tx.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM device WHERE id = $1)`, r.DeviceID); err != nil {
			return classify(err)
		}
		if !exists {
			return store.Validationf("collection rule %s: unknown device %q", r.ID, r.DeviceID)
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO collection_rule
			(id, device_id, enabled, start_condition, stop_condition, config)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				device_id = EXCLUDED.device_id, enabled = EXCLUDED.enabled,
				start_condition = EXCLUDED.start_condition,
				stop_condition = EXCLUDED.stop_condition, config = EXCLUDED.config`,
			r.ID, r.DeviceID, r.Enabled, start, stop, cfg)
		return classify(err)
	})
}

// DeleteCollectionRule removes a rule.
func (s *Store) DeleteCollectionRule(ctx context.Context, ruleID string) error {
	return s.withRevision(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM collection_rule WHERE id = $1`, ruleID)
		if err != nil {
			return classify(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

// RecordTrigger bumps a rule's trigger statistics when a segment starts.
func (s *Store) RecordTrigger(ctx context.Context, ruleID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE collection_rule SET trigger_count = trigger_count + 1, last_trigger_utc = now() WHERE id = $1`,
		ruleID)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
