// Copyright 2024 The Prometheus Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package value implements the tagged union that key-value entries store,
// the statically typed stand-in for the dynamically typed values the log
// entries carry on the wire.
package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// Kind identifies which alternative of the union a Value holds.
type Kind int

const (
	// KindNull is the absent/null value.
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindSequence
	KindMapping
)

// Value is a dynamically typed value that can be logged, checksummed, and
// serialized to JSON. The WAL never interprets a Value; it only needs to
// round-trip it faithfully.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	seq  []Value
	m    map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{kind: KindNull} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int wraps a 64-bit integer.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float wraps a 64-bit float.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// String wraps a UTF-8 string.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Sequence wraps an ordered list of values.
func Sequence(vs []Value) Value { return Value{kind: KindSequence, seq: vs} }

// Mapping wraps a string-keyed mapping of values.
func Mapping(m map[string]Value) Value { return Value{kind: KindMapping, m: m} }

// Kind reports which alternative v holds.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is the null value.
func (v Value) IsNull() bool { return v.kind == KindNull }

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindInt:
		return json.Marshal(v.i)
	case KindFloat:
		return json.Marshal(v.f)
	case KindString:
		return json.Marshal(v.s)
	case KindSequence:
		return json.Marshal(v.seq)
	case KindMapping:
		return json.Marshal(v.m)
	default:
		return nil, errors.Errorf("value: unknown kind %d", v.kind)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return errors.Wrap(err, "value: decode json")
	}
	conv, err := fromInterface(raw)
	if err != nil {
		return err
	}
	*v = conv
	return nil
}

func fromInterface(raw interface{}) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, errors.Wrap(err, "value: decode number")
		}
		return Float(f), nil
	case string:
		return String(t), nil
	case []interface{}:
		out := make([]Value, len(t))
		for i, e := range t {
			cv, err := fromInterface(e)
			if err != nil {
				return Value{}, err
			}
			out[i] = cv
		}
		return Sequence(out), nil
	case map[string]interface{}:
		out := make(map[string]Value, len(t))
		for k, e := range t {
			cv, err := fromInterface(e)
			if err != nil {
				return Value{}, err
			}
			out[k] = cv
		}
		return Mapping(out), nil
	default:
		return Value{}, errors.Errorf("value: unsupported json type %T", raw)
	}
}

// CanonicalString renders v deterministically, used as the checksum input
// for a log entry. Mapping keys are sorted so the same logical value always
// produces the same bytes.
func (v Value) CanonicalString() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindFloat:
		return fmt.Sprintf("%g", v.f)
	case KindString:
		return v.s
	case KindSequence:
		out := "["
		for i, e := range v.seq {
			if i > 0 {
				out += ","
			}
			out += e.CanonicalString()
		}
		return out + "]"
	case KindMapping:
		keys := make([]string, 0, len(v.m))
		for k := range v.m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := "{"
		for i, k := range keys {
			if i > 0 {
				out += ","
			}
			out += k + ":" + v.m[k].CanonicalString()
		}
		return out + "}"
	default:
		return ""
	}
}

// Equal reports whether v and other represent the same logical value.
func Equal(v, other Value) bool {
	if v.kind != other.kind || len(v.seq) != len(other.seq) || len(v.m) != len(other.m) {
		return false
	}
	for i := range v.seq {
		if !Equal(v.seq[i], other.seq[i]) {
			return false
		}
	}
	for k, e := range v.m {
		if o, ok := other.m[k]; !ok || !Equal(e, o) {
			return false
		}
	}
	return v.CanonicalString() == other.CanonicalString()
}
