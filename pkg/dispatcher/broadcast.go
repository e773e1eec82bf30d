// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package dispatcher

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/scadaflow/scadaflow/pkg/telemetry"
)

// SubscriberGroup selects which samples a live subscriber receives.
type SubscriberGroup struct {
	// All receives every sample; otherwise only samples of DeviceID.
	All      bool
	DeviceID string
}

func (g SubscriberGroup) matches(p telemetry.Point) bool {
	return g.All || g.DeviceID == p.DeviceID
}

// Event is an out-of-band notification pushed to live subscribers, e.g.
// alarm.created or segment.completed.
type Event struct {
	Type    string
	Payload interface{}
}

type subscriber struct {
	group   SubscriberGroup
	points  chan telemetry.Point
	events  chan Event
	dropped *atomic.Uint64
}

// Broadcaster is the live-broadcast sink: it forwards samples to external
// subscribers (the delivery mechanism behind the channels is out of scope).
// It is the only sink that filters per subscriber.
type Broadcaster struct {
	mu        sync.RWMutex
	subs      map[string]*subscriber
	queueSize int
}

// NewBroadcaster returns a broadcaster sink. queueSize bounds each
// subscriber's channel.
func NewBroadcaster(queueSize int) *Broadcaster {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Broadcaster{
		subs:      make(map[string]*subscriber),
		queueSize: queueSize,
	}
}

// Name implements Sink.
func (b *Broadcaster) Name() string { return "live-broadcast" }

// HandlePoint implements Sink: forward to every matching subscriber,
// dropping per subscriber when its channel is full.
func (b *Broadcaster) HandlePoint(p telemetry.Point) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.group.matches(p) {
			continue
		}
		select {
		case s.points <- p:
		default:
			s.dropped.Inc()
		}
	}
}

// PublishEvent pushes an out-of-band event to every subscriber.
func (b *Broadcaster) PublishEvent(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.events <- ev:
		default:
			s.dropped.Inc()
		}
	}
}

// Subscribe registers a subscriber and returns its sample and event
// channels. Re-subscribing an existing id replaces its group selector.
func (b *Broadcaster) Subscribe(id string, group SubscriberGroup) (<-chan telemetry.Point, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[id]; ok {
		s.group = group
		return s.points, s.events
	}
	s := &subscriber{
		group:   group,
		points:  make(chan telemetry.Point, b.queueSize),
		events:  make(chan Event, 64),
		dropped: atomic.NewUint64(0),
	}
	b.subs[id] = s
	return s.points, s.events
}

// Unsubscribe removes a subscriber and closes its channels.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(s.points)
		close(s.events)
	}
}
