// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package collector

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/scadaflow/scadaflow/pkg/telemetry"
	"github.com/scadaflow/scadaflow/pkg/util/log"
)

// managed is one running collector plus the config fingerprint it was built
// from, so Reload can tell restart from in-place update.
type managed struct {
	collector Collector
	connKey   string
	tagsKey   string
}

// Supervisor owns the running collector set and reconciles it against
// durable configuration on every reload. A device gets a restart only when
// its connection-affecting fields change; tag changes are handed to the
// running collector via ApplyConfig.
type Supervisor struct {
	out PointWriter

	mu        sync.Mutex
	factories map[telemetry.Protocol]Factory
	running   map[string]*managed
	simulate  bool
}

// NewSupervisor returns a supervisor with no registered protocols.
func NewSupervisor(out PointWriter) *Supervisor {
	return &Supervisor{
		out:       out,
		factories: make(map[telemetry.Protocol]Factory),
		running:   make(map[string]*managed),
	}
}

// Register installs the factory serving a protocol. Later registrations for
// the same protocol win.
func (s *Supervisor) Register(p telemetry.Protocol, f Factory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factories[p] = f
}

// SetSimulationMode routes every device started afterwards to the simulation
// collector regardless of its protocol, for environments without field
// devices.
func (s *Supervisor) SetSimulationMode(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.simulate = on
}

// Reload reconciles the running set with the given devices and tags:
// added or enabled devices are started, removed or disabled devices are
// stopped, devices whose connection key changed are restarted, and tag-only
// changes are applied in place.
func (s *Supervisor) Reload(devices []telemetry.Device, tags []telemetry.Tag) {
	tagsByDevice := make(map[string][]telemetry.Tag)
	for _, t := range tags {
		if t.Enabled {
			tagsByDevice[t.DeviceID] = append(tagsByDevice[t.DeviceID], t)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	desired := make(map[string]telemetry.Device)
	for _, d := range devices {
		if d.Enabled {
			desired[d.ID] = d
		}
	}

	for id, m := range s.running {
		d, ok := desired[id]
		if ok && d.ConnKey() == m.connKey {
			continue
		}
		log.Infof("collector supervisor: stopping collector for device %s", id)
		m.collector.Stop()
		delete(s.running, id)
	}

	for id, d := range desired {
		deviceTags := tagsByDevice[id]
		key := tagsKey(deviceTags)
		if m, ok := s.running[id]; ok {
			if m.tagsKey != key {
				m.collector.ApplyConfig(d, deviceTags)
				m.tagsKey = key
				log.Infof("collector supervisor: updated tag set for device %s (%d tags)", id, len(deviceTags))
			}
			continue
		}
		s.start(d, deviceTags, key)
	}
}

func (s *Supervisor) start(d telemetry.Device, tags []telemetry.Tag, key string) {
	proto := d.Protocol
	if s.simulate {
		proto = telemetry.ProtocolSimulation
	}
	factory, ok := s.factories[proto]
	if !ok {
		log.Warnf("collector supervisor: device %s: no collector for protocol %q", d.ID, proto) //nolint:errcheck
		return
	}
	c, err := factory(d, tags, s.out)
	if err != nil {
		log.Errorf("collector supervisor: device %s: building collector: %v", d.ID, err) //nolint:errcheck
		return
	}
	c.Start()
	s.running[d.ID] = &managed{collector: c, connKey: d.ConnKey(), tagsKey: key}
	log.Infof("collector supervisor: started %s collector for device %s (%d tags)", proto, d.ID, len(tags))
}

// HealthSnapshots reports the health of every running collector, sorted by
// device ID.
func (s *Supervisor) HealthSnapshots() []Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Health, 0, len(s.running))
	for _, m := range s.running {
		out = append(out, m.collector.Health())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// StopAll stops every running collector and empties the set.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range s.running {
		m.collector.Stop()
		delete(s.running, id)
	}
	log.Info("collector supervisor: all collectors stopped")
}

// tagsKey fingerprints the acquisition-affecting tag fields.
func tagsKey(tags []telemetry.Tag) string {
	parts := make([]string, 0, len(tags))
	for _, t := range tags {
		parts = append(parts, fmt.Sprintf("%s|%s|%s|%d", t.ID, t.Address, t.DataType, t.ScanIntervalMs))
	}
	sort.Strings(parts)
	return strings.Join(parts, ";")
}
