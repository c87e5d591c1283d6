package hipaa

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// Kind enumerates the variants of Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// Value is a JSON-shaped tagged union that the classifier walks. Numbers keep
// their source text so numeric ids survive unchanged.
type Value struct {
	kind Kind
	b    bool
	s    string
	arr  []Value
	obj  map[string]Value
}

func Null() Value { return Value{} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func String(s string) Value { return Value{kind: KindString, s: s} }
func Number(text string) Value { return Value{kind: KindNumber, s: text} }
func Array(items ...Value) Value { return Value{kind: KindArray, arr: items} }
func Object(fields map[string]Value) Value { return Value{kind: KindObject, obj: fields} }

func (v Value) Kind() Kind { return v.kind }

// Text returns the scalar text of a string or number.
func (v Value) Text() (string, bool) {
	if v.kind == KindString || v.kind == KindNumber {
		return v.s, true
	}
	return "", false
}

// Boolean returns the value of a bool.
func (v Value) Boolean() (bool, bool) {
	return v.b, v.kind == KindBool
}

// Field returns the member named key of an object.
func (v Value) Field(key string) (Value, bool) {
	if v.kind != KindObject {
		return Value{}, false
	}
	f, ok := v.obj[key]
	return f, ok
}

// Keys returns the object's member names in sorted order.
func (v Value) Keys() []string {
	if v.kind != KindObject {
		return nil
	}
	keys := make([]string, 0, len(v.obj))
	for k := range v.obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Items returns the elements of an array.
func (v Value) Items() []Value {
	if v.kind != KindArray {
		return nil
	}
	return v.arr
}

// ParseValue decodes a JSON document. Empty input is Null.
func ParseValue(data []byte) (Value, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Null(), nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return Value{}, fmt.Errorf("%w: malformed json: %v", ErrInvalidInput, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Value{}, fmt.Errorf("%w: trailing data after json document", ErrInvalidInput)
	}
	return fromRaw(raw), nil
}

func fromRaw(raw interface{}) Value {
	switch t := raw.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case json.Number:
		return Number(t.String())
	case string:
		return String(t)
	case []interface{}:
		items := make([]Value, len(t))
		for i, item := range t {
			items[i] = fromRaw(item)
		}
		return Array(items...)
	case map[string]interface{}:
		fields := make(map[string]Value, len(t))
		for k, item := range t {
			fields[k] = fromRaw(item)
		}
		return Object(fields)
	default:
		return Null()
	}
}
