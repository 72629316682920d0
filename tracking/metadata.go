package tracking

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// ValueKind tells which member of a Value is set.
type ValueKind int

// The kinds of values metadata can hold.
const (
	KindString ValueKind = iota
	KindNumber
	KindBool
	KindMap
)

// A Value is a small serializable union: a string, a number, a bool or a
// nested Metadata map.
type Value struct {
	kind ValueKind
	str  string
	num  float64
	b    bool
	m    *Metadata
}

// String creates a string value.
func String(s string) Value {
	return Value{kind: KindString, str: s}
}

// Number creates a numeric value.
func Number(n float64) Value {
	return Value{kind: KindNumber, num: n}
}

// Int creates a numeric value from an int.
func Int(n int) Value {
	return Number(float64(n))
}

// Bool creates a boolean value.
func Bool(b bool) Value {
	return Value{kind: KindBool, b: b}
}

// Map creates a nested map value. The map is cloned.
func Map(m *Metadata) Value {
	return Value{kind: KindMap, m: m.Clone()}
}

// Kind returns which member of the union is set.
func (v Value) Kind() ValueKind {
	return v.kind
}

// AsString returns the string member.
func (v Value) AsString() (string, bool) {
	return v.str, v.kind == KindString
}

// AsNumber returns the numeric member.
func (v Value) AsNumber() (float64, bool) {
	return v.num, v.kind == KindNumber
}

// AsBool returns the boolean member.
func (v Value) AsBool() (bool, bool) {
	return v.b, v.kind == KindBool
}

// AsMap returns the nested map member.
func (v Value) AsMap() (*Metadata, bool) {
	return v.m, v.kind == KindMap
}

// Text renders the value for humans. Nested maps are rendered as JSON.
func (v Value) Text() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindMap:
		b, err := json.Marshal(v.m)
		if err != nil {
			return "{}"
		}

		return string(b)
	default:
		return ""
	}
}

func (v Value) clone() Value {
	if v.kind == KindMap {
		v.m = v.m.Clone()
	}

	return v
}

// MarshalJSON encodes the value as a plain JSON scalar or object. NaN and
// infinite numbers have no JSON form and are encoded as the strings "NaN",
// "+Inf" and "-Inf".
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return json.Marshal(v.Text())
		}

		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindMap:
		if v.m == nil {
			return []byte("{}"), nil
		}

		return v.m.MarshalJSON()
	default:
		return nil, fmt.Errorf("unknown value kind %d", v.kind)
	}
}

// UnmarshalJSON decodes a JSON scalar or object into the value.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	decoded, err := decodeValue(dec)
	if err != nil {
		return err
	}

	*v = decoded

	return nil
}

// Metadata is an insertion-ordered map from string keys to Values. It is
// attached to entries verbatim and never interpreted by the tracker.
//
// A Metadata is not safe for concurrent mutation. The registry stores clones.
type Metadata struct {
	keys   []string
	values map[string]Value
}

// NewMetadata creates an empty Metadata.
func NewMetadata() *Metadata {
	return &Metadata{values: make(map[string]Value)}
}

// Set stores a value under key, keeping the original position when the key
// already exists. It returns the receiver so calls can be chained.
func (m *Metadata) Set(key string, v Value) *Metadata {
	if m.values == nil {
		m.values = make(map[string]Value)
	}

	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}

	m.values[key] = v

	return m
}

// Get returns the value stored under key.
func (m *Metadata) Get(key string) (Value, bool) {
	if m == nil {
		return Value{}, false
	}

	v, ok := m.values[key]

	return v, ok
}

// Keys returns the keys in insertion order.
func (m *Metadata) Keys() []string {
	if m == nil {
		return nil
	}

	keys := make([]string, len(m.keys))
	copy(keys, m.keys)

	return keys
}

// Len returns the number of keys.
func (m *Metadata) Len() int {
	if m == nil {
		return 0
	}

	return len(m.keys)
}

// Clone returns a deep copy. Cloning nil returns nil.
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}

	c := &Metadata{
		keys:   make([]string, len(m.keys)),
		values: make(map[string]Value, len(m.values)),
	}

	copy(c.keys, m.keys)

	for k, v := range m.values {
		c.values[k] = v.clone()
	}

	return c
}

// MarshalJSON encodes the map as a JSON object, preserving key order.
func (m *Metadata) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}

	buf := bytes.NewBufferString("{")

	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}

		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}

		buf.Write(key)
		buf.WriteByte(':')

		value, err := m.values[k].MarshalJSON()
		if err != nil {
			return nil, err
		}

		buf.Write(value)
	}

	buf.WriteByte('}')

	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, preserving key order.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}

	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errors.New("metadata must be a JSON object")
	}

	decoded, err := decodeObject(dec)
	if err != nil {
		return err
	}

	*m = *decoded

	return nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}

	switch t := tok.(type) {
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, err
		}

		return Number(f), nil
	case json.Delim:
		if t != '{' {
			return Value{}, fmt.Errorf("unsupported metadata value %q", t)
		}

		m, err := decodeObject(dec)
		if err != nil {
			return Value{}, err
		}

		return Value{kind: KindMap, m: m}, nil
	default:
		return Value{}, fmt.Errorf("unsupported metadata value %v", tok)
	}
}

func decodeObject(dec *json.Decoder) (*Metadata, error) {
	m := NewMetadata()

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}

		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected metadata key %v", tok)
		}

		v, err := decodeValue(dec)
		if err != nil {
			return nil, fmt.Errorf("metadata key %q: %w", key, err)
		}

		m.Set(key, v)
	}

	if _, err := dec.Token(); err != nil {
		return nil, err
	}

	return m, nil
}
