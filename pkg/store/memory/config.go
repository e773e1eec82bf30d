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

// ListDevices returns all devices sorted by ID.
func (s *Store) ListDevices(_ context.Context) ([]telemetry.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]telemetry.Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertDevice creates or replaces a device and bumps the revision.
func (s *Store) UpsertDevice(_ context.Context, d telemetry.Device) error {
	if d.ID == "" {
		return store.Validationf("device: missing id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.ID] = d
	s.revision++
	return nil
}

// DeleteDevice cascades to owned tags; refused while collection rules still
// reference the device.
func (s *Store) DeleteDevice(_ context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[deviceID]; !ok {
		return store.ErrNotFound
	}
	for _, r := range s.collectionRules {
		if r.DeviceID == deviceID {
			return store.ErrReferenced
		}
	}
	delete(s.devices, deviceID)
	for id, t := range s.tags {
		if t.DeviceID == deviceID {
			delete(s.tags, id)
		}
	}
	s.revision++
	return nil
}

// ListTags returns the tags of one device, or all tags when deviceID is empty.
func (s *Store) ListTags(_ context.Context, deviceID string) ([]telemetry.Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []telemetry.Tag
	for _, t := range s.tags {
		if deviceID != "" && t.DeviceID != deviceID {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertTag creates or replaces a tag and bumps the revision.
func (s *Store) UpsertTag(_ context.Context, t telemetry.Tag) error {
	if t.ID == "" {
		return store.Validationf("tag: missing id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[t.DeviceID]; !ok {
		return store.Validationf("tag %s: unknown device %q", t.ID, t.DeviceID)
	}
	s.tags[t.ID] = t
	s.revision++
	return nil
}

// DeleteTag removes a tag and bumps the revision.
func (s *Store) DeleteTag(_ context.Context, tagID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tags[tagID]; !ok {
		return store.ErrNotFound
	}
	delete(s.tags, tagID)
	s.revision++
	return nil
}

// ListAlarmRules returns all alarm rules sorted by ID.
func (s *Store) ListAlarmRules(_ context.Context) ([]telemetry.AlarmRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]telemetry.AlarmRule, 0, len(s.alarmRules))
	for _, r := range s.alarmRules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertAlarmRule validates, stores and bumps the revision.
func (s *Store) UpsertAlarmRule(_ context.Context, r telemetry.AlarmRule) error {
	if err := r.Validate(); err != nil {
		return store.Validationf("%v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alarmRules[r.ID] = r
	s.revision++
	return nil
}

// DeleteAlarmRule removes a rule and bumps the revision.
func (s *Store) DeleteAlarmRule(_ context.Context, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alarmRules[ruleID]; !ok {
		return store.ErrNotFound
	}
	delete(s.alarmRules, ruleID)
	s.revision++
	return nil
}

// ListCollectionRules returns all collection rules sorted by ID.
func (s *Store) ListCollectionRules(_ context.Context) ([]telemetry.CollectionRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]telemetry.CollectionRule, 0, len(s.collectionRules))
	for _, r := range s.collectionRules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertCollectionRule validates, checks the device reference, stores and
// bumps the revision.
func (s *Store) UpsertCollectionRule(_ context.Context, r telemetry.CollectionRule) error {
	if err := r.Validate(); err != nil {
		return store.Validationf("%v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[r.DeviceID]; !ok {
		return store.Validationf("collection rule %s: unknown device %q", r.ID, r.DeviceID)
	}
	s.collectionRules[r.ID] = r
	s.revision++
	return nil
}

// RecordTrigger bumps a rule's trigger statistics when a segment starts.
// Trigger statistics are operational, not configuration: no revision bump.
func (s *Store) RecordTrigger(_ context.Context, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.collectionRules[ruleID]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	r.TriggerCount++
	r.LastTriggerUtc = &now
	s.collectionRules[ruleID] = r
	return nil
}

// DeleteCollectionRule removes a rule and bumps the revision.
func (s *Store) DeleteCollectionRule(_ context.Context, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collectionRules[ruleID]; !ok {
		return store.ErrNotFound
	}
	delete(s.collectionRules, ruleID)
	s.revision++
	return nil
}
