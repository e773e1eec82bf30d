// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

// Package telemetry defines the data model shared by collectors, the
// pipeline, the engines and the store: typed tag samples, devices, tags,
// alarm and collection rules, and the records they produce.
package telemetry

import (
	"fmt"
	"strconv"
	"time"
)

// ValueType enumerates the payload types a tag sample can carry.
type ValueType int

// Supported value types.
const (
	TypeBool ValueType = iota
	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt64
	TypeUInt8
	TypeUInt16
	TypeUInt32
	TypeUInt64
	TypeFloat32
	TypeFloat64
	TypeString
	TypeBytes
	TypeDateTime
)

var valueTypeNames = map[ValueType]string{
	TypeBool:     "bool",
	TypeInt8:     "int8",
	TypeInt16:    "int16",
	TypeInt32:    "int32",
	TypeInt64:    "int64",
	TypeUInt8:    "uint8",
	TypeUInt16:   "uint16",
	TypeUInt32:   "uint32",
	TypeUInt64:   "uint64",
	TypeFloat32:  "float32",
	TypeFloat64:  "float64",
	TypeString:   "string",
	TypeBytes:    "bytes",
	TypeDateTime: "datetime",
}

func (t ValueType) String() string {
	if name, ok := valueTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("valuetype(%d)", int(t))
}

// ParseValueType returns the ValueType named by s.
func ParseValueType(s string) (ValueType, error) {
	for t, name := range valueTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown value type %q", s)
}

// Value is a tagged union holding one typed sample payload. Exactly one slot
// is meaningful, selected by Type.
type Value struct {
	Type ValueType

	boolVal  bool
	intVal   int64
	uintVal  uint64
	floatVal float64
	strVal   string
	bytesVal []byte
	timeVal  time.Time
}

// BoolValue returns a Value of type bool.
func BoolValue(v bool) Value { return Value{Type: TypeBool, boolVal: v} }

// IntValue returns a Value holding a signed integer of the given width.
func IntValue(t ValueType, v int64) Value { return Value{Type: t, intVal: v} }

// UintValue returns a Value holding an unsigned integer of the given width.
func UintValue(t ValueType, v uint64) Value { return Value{Type: t, uintVal: v} }

// Float32Value returns a Value of type float32.
func Float32Value(v float32) Value { return Value{Type: TypeFloat32, floatVal: float64(v)} }

// Float64Value returns a Value of type float64.
func Float64Value(v float64) Value { return Value{Type: TypeFloat64, floatVal: v} }

// StringValue returns a Value of type string.
func StringValue(v string) Value { return Value{Type: TypeString, strVal: v} }

// BytesValue returns a Value of type bytes.
func BytesValue(v []byte) Value { return Value{Type: TypeBytes, bytesVal: v} }

// DateTimeValue returns a Value of type datetime.
func DateTimeValue(v time.Time) Value { return Value{Type: TypeDateTime, timeVal: v} }

// Bool returns the boolean payload.
func (v Value) Bool() bool { return v.boolVal }

// String returns a human-readable rendering of the payload.
func (v Value) String() string {
	switch v.Type {
	case TypeBool:
		return strconv.FormatBool(v.boolVal)
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		return strconv.FormatInt(v.intVal, 10)
	case TypeUInt8, TypeUInt16, TypeUInt32, TypeUInt64:
		return strconv.FormatUint(v.uintVal, 10)
	case TypeFloat32, TypeFloat64:
		return strconv.FormatFloat(v.floatVal, 'g', -1, 64)
	case TypeString:
		return v.strVal
	case TypeBytes:
		return fmt.Sprintf("%x", v.bytesVal)
	case TypeDateTime:
		return v.timeVal.UTC().Format(time.RFC3339Nano)
	}
	return ""
}

// Bytes returns the raw bytes payload.
func (v Value) Bytes() []byte { return v.bytesVal }

// Time returns the datetime payload.
func (v Value) Time() time.Time { return v.timeVal }

// Float64 coerces the payload to a float64. The engines evaluate thresholds
// and conditions on this projection. ok is false for string, bytes and
// datetime payloads, which never fire numeric rules.
func (v Value) Float64() (value float64, ok bool) {
	switch v.Type {
	case TypeBool:
		if v.boolVal {
			return 1, true
		}
		return 0, true
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		return float64(v.intVal), true
	case TypeUInt8, TypeUInt16, TypeUInt32, TypeUInt64:
		return float64(v.uintVal), true
	case TypeFloat32, TypeFloat64:
		return v.floatVal, true
	}
	return 0, false
}

// CoerceValue converts a raw reading into a Value of the declared type.
// Collectors call this to honor the Tag's configured DataType regardless of
// what the protocol layer handed back.
func CoerceValue(t ValueType, raw interface{}) (Value, error) {
	switch t {
	case TypeBool:
		switch x := raw.(type) {
		case bool:
			return BoolValue(x), nil
		case float64:
			return BoolValue(x != 0), nil
		case int64:
			return BoolValue(x != 0), nil
		case uint16:
			return BoolValue(x != 0), nil
		}
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		if n, ok := toInt64(raw); ok {
			return IntValue(t, n), nil
		}
	case TypeUInt8, TypeUInt16, TypeUInt32, TypeUInt64:
		if n, ok := toInt64(raw); ok && n >= 0 {
			return UintValue(t, uint64(n)), nil
		}
	case TypeFloat32:
		if f, ok := toFloat64(raw); ok {
			return Float32Value(float32(f)), nil
		}
	case TypeFloat64:
		if f, ok := toFloat64(raw); ok {
			return Float64Value(f), nil
		}
	case TypeString:
		if s, ok := raw.(string); ok {
			return StringValue(s), nil
		}
		return StringValue(fmt.Sprintf("%v", raw)), nil
	case TypeBytes:
		if b, ok := raw.([]byte); ok {
			return BytesValue(b), nil
		}
	case TypeDateTime:
		if ts, ok := raw.(time.Time); ok {
			return DateTimeValue(ts), nil
		}
	}
	return Value{}, fmt.Errorf("cannot coerce %T to %s", raw, t)
}

func toInt64(raw interface{}) (int64, bool) {
	switch x := raw.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		return int64(x), true
	case float32:
		return int64(x), true
	case float64:
		return int64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func toFloat64(raw interface{}) (float64, bool) {
	switch x := raw.(type) {
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	default:
		if n, ok := toInt64(raw); ok {
			return float64(n), true
		}
	}
	return 0, false
}
