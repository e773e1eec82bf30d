// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package mqttc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scadaflow/scadaflow/pkg/telemetry"
)

func TestParsePayload(t *testing.T) {
	v, err := parsePayload(telemetry.TypeFloat64, []byte("23.5"))
	require.NoError(t, err)
	f, ok := v.Float64()
	require.True(t, ok)
	assert.Equal(t, 23.5, f)

	v, err = parsePayload(telemetry.TypeBool, []byte("true"))
	require.NoError(t, err)
	assert.True(t, v.Bool())

	v, err = parsePayload(telemetry.TypeInt32, []byte("-42"))
	require.NoError(t, err)
	f, _ = v.Float64()
	assert.Equal(t, -42.0, f)

	v, err = parsePayload(telemetry.TypeString, []byte("running"))
	require.NoError(t, err)
	assert.Equal(t, "running", v.String())

	v, err = parsePayload(telemetry.TypeDateTime, []byte("2026-08-24T10:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC), v.Time())

	_, err = parsePayload(telemetry.TypeFloat64, []byte("not-a-number"))
	assert.Error(t, err)
	_, err = parsePayload(telemetry.TypeBool, []byte("maybe"))
	assert.Error(t, err)
}

func TestTagsByTopic(t *testing.T) {
	tags := []telemetry.Tag{
		{ID: "t1", Address: "plant/line1/temp"},
		{ID: "t2", Address: "plant/line1/speed"},
		{ID: "t3", Address: ""}, // unroutable without a topic
	}
	byTopic := tagsByTopic(tags)
	require.Len(t, byTopic, 2)
	assert.Equal(t, "t1", byTopic["plant/line1/temp"].ID)
}
