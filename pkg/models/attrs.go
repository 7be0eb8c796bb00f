package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// AttrKind discriminates the closed value union carried by span and
// span-event attributes.
type AttrKind int

// Attribute value kinds. OTLP kvlist and bytes values are dropped at
// ingestion, so they have no representation here.
const (
	AttrString AttrKind = iota
	AttrInt
	AttrDouble
	AttrBool
	AttrStringSlice
)

// AttrValue holds one attribute value: a scalar or a string array.
type AttrValue struct {
	Kind    AttrKind
	Str     string
	Int     int64
	Double  float64
	Bool    bool
	Strings []string
}

// StringValue creates a string attribute value.
func StringValue(s string) AttrValue { return AttrValue{Kind: AttrString, Str: s} }

// IntValue creates an integer attribute value.
func IntValue(i int64) AttrValue { return AttrValue{Kind: AttrInt, Int: i} }

// DoubleValue creates a float attribute value.
func DoubleValue(f float64) AttrValue { return AttrValue{Kind: AttrDouble, Double: f} }

// BoolValue creates a boolean attribute value.
func BoolValue(b bool) AttrValue { return AttrValue{Kind: AttrBool, Bool: b} }

// StringsValue creates a string-array attribute value.
func StringsValue(ss []string) AttrValue { return AttrValue{Kind: AttrStringSlice, Strings: ss} }

// MarshalJSON encodes the underlying scalar or array directly.
func (v AttrValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case AttrString:
		return json.Marshal(v.Str)
	case AttrInt:
		return json.Marshal(v.Int)
	case AttrDouble:
		return json.Marshal(v.Double)
	case AttrBool:
		return json.Marshal(v.Bool)
	case AttrStringSlice:
		if v.Strings == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.Strings)
	default:
		return nil, fmt.Errorf("unknown attribute kind: %d", v.Kind)
	}
}

// UnmarshalJSON decodes a scalar or string array back into the union.
// Numbers without a fractional part decode as integers.
func (v *AttrValue) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}

	switch t := tok.(type) {
	case string:
		*v = StringValue(t)
		return nil
	case bool:
		*v = BoolValue(t)
		return nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			*v = IntValue(i)
			return nil
		}
		f, err := t.Float64()
		if err != nil {
			return fmt.Errorf("decoding attribute number: %w", err)
		}
		*v = DoubleValue(f)
		return nil
	case json.Delim:
		if t != '[' {
			return fmt.Errorf("unsupported attribute value: %s", string(data))
		}
		var ss []string
		if err := json.Unmarshal(data, &ss); err != nil {
			return fmt.Errorf("decoding attribute array: %w", err)
		}
		*v = StringsValue(ss)
		return nil
	default:
		return fmt.Errorf("unsupported attribute value: %s", string(data))
	}
}

// Attr is one key-value pair in an AttrMap.
type Attr struct {
	Key   string
	Value AttrValue
}

// AttrMap is an insertion-ordered attribute map. Ordering makes JSON
// serialization deterministic, which keeps stored rows and notification
// payloads byte-stable for identical inputs.
type AttrMap []Attr

// Set appends a key or overwrites an existing one in place.
func (m *AttrMap) Set(key string, value AttrValue) {
	for i := range *m {
		if (*m)[i].Key == key {
			(*m)[i].Value = value
			return
		}
	}
	*m = append(*m, Attr{Key: key, Value: value})
}

// Get returns the value for key and whether it was present.
func (m AttrMap) Get(key string) (AttrValue, bool) {
	for _, a := range m {
		if a.Key == key {
			return a.Value, true
		}
	}
	return AttrValue{}, false
}

// GetString returns the string value for key, or "" when the key is
// absent or not a string.
func (m AttrMap) GetString(key string) string {
	v, ok := m.Get(key)
	if !ok || v.Kind != AttrString {
		return ""
	}
	return v.Str
}

// MarshalJSON encodes the map as a JSON object in insertion order.
func (m AttrMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, a := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(a.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		v, err := json.Marshal(a.Value)
		if err != nil {
			return nil, fmt.Errorf("encoding attribute %q: %w", a.Key, err)
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object preserving its key order.
func (m *AttrMap) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("expected JSON object for attribute map")
	}

	out := AttrMap{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("expected string key in attribute map")
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("decoding attribute %q: %w", key, err)
		}
		var v AttrValue
		if err := v.UnmarshalJSON(raw); err != nil {
			return fmt.Errorf("decoding attribute %q: %w", key, err)
		}
		out = append(out, Attr{Key: key, Value: v})
	}

	*m = out
	return nil
}
