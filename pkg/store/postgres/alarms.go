// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package postgres

import (
	"context"
	"database/sql"

	"github.com/scadaflow/scadaflow/pkg/store"
	"github.com/scadaflow/scadaflow/pkg/telemetry"
)

type alarmRow struct {
	ID       string       `db:"id"`
	DeviceID string       `db:"device_id"`
	TagID    string       `db:"tag_id"`
	Ts       int64        `db:"ts"`
	Severity int          `db:"severity"`
	Code     string       `db:"code"`
	Message  string       `db:"message"`
	Status   int          `db:"status"`
	AckedBy  string       `db:"acked_by"`
	AckedUtc sql.NullTime `db:"acked_utc"`
	AckNote  string       `db:"ack_note"`
}

func (r alarmRow) toAlarm() telemetry.AlarmRecord {
	a := telemetry.AlarmRecord{
		ID: r.ID, DeviceID: r.DeviceID, TagID: r.TagID, Ts: r.Ts,
		Severity: r.Severity, Code: r.Code, Message: r.Message,
		Status: telemetry.AlarmStatus(r.Status), AckedBy: r.AckedBy, AckNote: r.AckNote,
	}
	if r.AckedUtc.Valid {
		t := r.AckedUtc.Time
		a.AckedUtc = &t
	}
	return a
}

// InsertAlarm persists a new alarm record. The partial unique index on open
// alarms enforces at most one open alarm per (code, device, tag).
func (s *Store) InsertAlarm(ctx context.Context, a telemetry.AlarmRecord) error {
	if a.ID == "" {
		return store.Validationf("alarm: missing id")
	}
	s.alarmMu.Lock()
	defer s.alarmMu.Unlock()
	_, err := s.db.ExecContext(ctx, `INSERT INTO alarm
		(id, device_id, tag_id, ts, severity, code, message, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.DeviceID, a.TagID, a.Ts, a.Severity, a.Code, a.Message, int(a.Status))
	return classify(err)
}

// GetAlarm returns one alarm record.
func (s *Store) GetAlarm(ctx context.Context, alarmID string) (telemetry.AlarmRecord, error) {
	var r alarmRow
	if err := s.db.GetContext(ctx, &r, `SELECT * FROM alarm WHERE id = $1`, alarmID); err != nil {
		return telemetry.AlarmRecord{}, classify(err)
	}
	return r.toAlarm(), nil
}

// GetOpenAlarm returns the open alarm for (code, deviceID, tagID).
func (s *Store) GetOpenAlarm(ctx context.Context, code, deviceID, tagID string) (telemetry.AlarmRecord, error) {
	var r alarmRow
	err := s.db.GetContext(ctx, &r,
		`SELECT * FROM alarm WHERE code = $1 AND device_id = $2 AND tag_id = $3 AND status = 0`,
		code, deviceID, tagID)
	if err != nil {
		return telemetry.AlarmRecord{}, classify(err)
	}
	return r.toAlarm(), nil
}

// AcknowledgeAlarm moves Open→Acknowledged. The status predicate in the
// UPDATE makes any other source state a refused no-op.
func (s *Store) AcknowledgeAlarm(ctx context.Context, alarmID, ackedBy, note string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alarm SET status = 1, acked_by = $2, acked_utc = now(), ack_note = $3
		 WHERE id = $1 AND status = 0`,
		alarmID, ackedBy, note)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := s.db.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM alarm WHERE id = $1)`, alarmID); err != nil {
			return classify(err)
		}
		if !exists {
			return store.ErrNotFound
		}
		return store.ErrInvalidTransition
	}
	return nil
}

// CloseAlarm moves Open or Acknowledged→Closed.
func (s *Store) CloseAlarm(ctx context.Context, alarmID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alarm SET status = 2 WHERE id = $1 AND status IN (0, 1)`, alarmID)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := s.db.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM alarm WHERE id = $1)`, alarmID); err != nil {
			return classify(err)
		}
		if !exists {
			return store.ErrNotFound
		}
		return store.ErrInvalidTransition
	}
	return nil
}

// ListAlarms returns alarms, optionally filtered by status, newest first.
func (s *Store) ListAlarms(ctx context.Context, status *telemetry.AlarmStatus, limit int) ([]telemetry.AlarmRecord, error) {
	query := `SELECT * FROM alarm`
	args := []interface{}{}
	if status != nil {
		args = append(args, int(*status))
		query += ` WHERE status = $1`
	}
	query += ` ORDER BY ts DESC`
	if limit > 0 {
		args = append(args, limit)
		if status != nil {
			query += ` LIMIT $2`
		} else {
			query += ` LIMIT $1`
		}
	}
	var rows []alarmRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, classify(err)
	}
	out := make([]telemetry.AlarmRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toAlarm())
	}
	return out, nil
}
