// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

// Package mqttc implements the MQTT collector. Each tag's Address is the
// topic it subscribes to; payloads are parsed as text and coerced to the
// tag's declared data type.
package mqttc

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"

	"github.com/scadaflow/scadaflow/pkg/collector"
	"github.com/scadaflow/scadaflow/pkg/telemetry"
	"github.com/scadaflow/scadaflow/pkg/util/log"
)

const (
	connectTimeout   = 10 * time.Second
	disconnectGrace  = 250 // milliseconds, handed to paho on teardown
	subscriptionQoS  = 1
	defaultClientFmt = "scadaflow-%s"
)

// Collector subscribes to one broker on behalf of one device.
type Collector struct {
	*collector.SessionRunner

	device telemetry.Device
	out    collector.PointWriter

	mu     sync.Mutex
	tags   map[string]telemetry.Tag // topic -> tag
	client mqtt.Client
}

// New builds an MQTT collector. It satisfies collector.Factory.
func New(device telemetry.Device, tags []telemetry.Tag, out collector.PointWriter) (collector.Collector, error) {
	c := &Collector{
		device: device,
		out:    out,
		tags:   tagsByTopic(tags),
	}
	c.SessionRunner = collector.NewSessionRunner(device.ID, c.session)
	return c, nil
}

func tagsByTopic(tags []telemetry.Tag) map[string]telemetry.Tag {
	out := make(map[string]telemetry.Tag, len(tags))
	for _, t := range tags {
		if t.Address != "" {
			out[t.Address] = t
		}
	}
	return out
}

// ApplyConfig re-subscribes to match the new tag set without dropping the
// broker connection.
func (c *Collector) ApplyConfig(_ telemetry.Device, tags []telemetry.Tag) {
	next := tagsByTopic(tags)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil && c.client.IsConnected() {
		for topic := range c.tags {
			if _, ok := next[topic]; !ok {
				c.client.Unsubscribe(topic)
			}
		}
		for topic := range next {
			if _, ok := c.tags[topic]; !ok {
				c.client.Subscribe(topic, subscriptionQoS, c.onMessage)
			}
		}
	}
	c.tags = next
}

func (c *Collector) session(ctx context.Context) error {
	lost := make(chan error, 1)
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", c.device.Host, c.device.Port)).
		SetClientID(fmt.Sprintf(defaultClientFmt, c.device.ID)).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			select {
			case lost <- err:
			default:
			}
		})
	if u, ok := c.device.Metadata["username"]; ok {
		opts.SetUsername(u)
		opts.SetPassword(c.device.Metadata["password"])
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return errors.Wrap(token.Error(), "connecting")
	}
	defer client.Disconnect(disconnectGrace)
	c.MarkConnected()

	c.mu.Lock()
	c.client = client
	topics := make([]string, 0, len(c.tags))
	for topic := range c.tags {
		topics = append(topics, topic)
	}
	c.mu.Unlock()

	for _, topic := range topics {
		if token := client.Subscribe(topic, subscriptionQoS, c.onMessage); token.Wait() && token.Error() != nil {
			return errors.Wrapf(token.Error(), "subscribing to %s", topic)
		}
	}

	defer func() {
		c.mu.Lock()
		c.client = nil
		c.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-lost:
		return errors.Wrap(err, "connection lost")
	}
}

func (c *Collector) onMessage(_ mqtt.Client, msg mqtt.Message) {
	c.mu.Lock()
	t, ok := c.tags[msg.Topic()]
	c.mu.Unlock()
	if !ok {
		return
	}

	now := time.Now()
	v, err := parsePayload(t.DataType, msg.Payload())
	quality := telemetry.QualityGood
	if err != nil {
		log.Debugf("mqtt %s: tag %s: %v", c.device.ID, t.ID, err)
		v = telemetry.StringValue(string(msg.Payload()))
		quality = telemetry.QualityBad
	}
	p := telemetry.NewPoint(c.device.ID, t.ID, v, quality, now)
	p.Unit = t.Metadata["unit"]
	c.out.Write(p)
	c.NoteSample(p)
}

// parsePayload interprets the textual payload per the tag's declared type.
func parsePayload(t telemetry.ValueType, payload []byte) (telemetry.Value, error) {
	s := string(payload)
	switch t {
	case telemetry.TypeBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return telemetry.Value{}, fmt.Errorf("parsing bool %q: %v", s, err)
		}
		return telemetry.BoolValue(b), nil
	case telemetry.TypeString:
		return telemetry.StringValue(s), nil
	case telemetry.TypeBytes:
		return telemetry.BytesValue(payload), nil
	case telemetry.TypeDateTime:
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return telemetry.Value{}, fmt.Errorf("parsing datetime %q: %v", s, err)
		}
		return telemetry.DateTimeValue(ts), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return telemetry.Value{}, fmt.Errorf("parsing number %q: %v", s, err)
	}
	return telemetry.CoerceValue(t, f)
}
