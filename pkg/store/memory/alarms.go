// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package memory

import (
	"context"
	"sort"
	"time"

	"github.com/scadaflow/scadaflow/pkg/store"
	"github.com/scadaflow/scadaflow/pkg/telemetry"
)

// InsertAlarm persists a new alarm record. Inserting a second open alarm for
// the same (code, device, tag) is refused: the open-alarm index enforces the
// at-most-one invariant at the store boundary too.
func (s *Store) InsertAlarm(_ context.Context, a telemetry.AlarmRecord) error {
	if a.ID == "" {
		return store.Validationf("alarm: missing id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.Status == telemetry.AlarmOpen {
		k := openKey{a.Code, a.DeviceID, a.TagID}
		if _, exists := s.openAlarms[k]; exists {
			return store.Validationf("alarm: open alarm already exists for rule %s on %s/%s", a.Code, a.DeviceID, a.TagID)
		}
		s.openAlarms[k] = a.ID
	}
	s.alarms[a.ID] = a
	return nil
}

// GetAlarm returns one alarm record.
func (s *Store) GetAlarm(_ context.Context, alarmID string) (telemetry.AlarmRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alarms[alarmID]
	if !ok {
		return telemetry.AlarmRecord{}, store.ErrNotFound
	}
	return a, nil
}

// GetOpenAlarm returns the open alarm for (code, deviceID, tagID).
func (s *Store) GetOpenAlarm(_ context.Context, code, deviceID, tagID string) (telemetry.AlarmRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.openAlarms[openKey{code, deviceID, tagID}]
	if !ok {
		return telemetry.AlarmRecord{}, store.ErrNotFound
	}
	return s.alarms[id], nil
}

// AcknowledgeAlarm moves Open→Acknowledged.
func (s *Store) AcknowledgeAlarm(_ context.Context, alarmID, ackedBy, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alarms[alarmID]
	if !ok {
		return store.ErrNotFound
	}
	if a.Status != telemetry.AlarmOpen {
		return store.ErrInvalidTransition
	}
	now := time.Now().UTC()
	a.Status = telemetry.AlarmAcknowledged
	a.AckedBy = ackedBy
	a.AckedUtc = &now
	a.AckNote = note
	s.alarms[alarmID] = a
	return nil
}

// CloseAlarm moves Open or Acknowledged→Closed and clears the open index.
func (s *Store) CloseAlarm(_ context.Context, alarmID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alarms[alarmID]
	if !ok {
		return store.ErrNotFound
	}
	if a.Status == telemetry.AlarmClosed {
		return store.ErrInvalidTransition
	}
	a.Status = telemetry.AlarmClosed
	s.alarms[alarmID] = a
	delete(s.openAlarms, openKey{a.Code, a.DeviceID, a.TagID})
	return nil
}

// ListAlarms returns alarms, optionally filtered by status, newest first.
func (s *Store) ListAlarms(_ context.Context, status *telemetry.AlarmStatus, limit int) ([]telemetry.AlarmRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []telemetry.AlarmRecord
	for _, a := range s.alarms {
		if status != nil && a.Status != *status {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ts > out[j].Ts })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
