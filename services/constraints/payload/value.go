// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package payload models the free-form nested records carried by trace
// events.
//
// Records are decoded into an ordered tree so that field iteration follows
// the same order the browser side used when it enumerated the record:
// array-index-like keys first in ascending numeric order, then every other
// key in insertion order.
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// Kind identifies the shape of a Value.
type Kind int

const (
	// KindNull is the JSON null value (and the zero Value).
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// String returns the lowercase kind name.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Field is one key/value pair of an object Value.
type Field struct {
	Key   string
	Value *Value
}

// Value is an immutable node of a decoded record.
//
// Description:
//
//	Value preserves field order for objects and keeps numbers in their
//	textual form so that re-encoding a value is lossless. The zero Value is
//	null.
//
// Thread Safety: Immutable after decoding; safe for concurrent reads.
type Value struct {
	kind   Kind
	text   string // string contents or number literal
	flag   bool
	items  []*Value
	fields []Field
}

// ErrEmptyInput is returned when decoding an empty document.
var ErrEmptyInput = errors.New("payload: empty input")

// Null returns a null Value.
func Null() *Value { return &Value{} }

// String returns a string Value.
func String(s string) *Value { return &Value{kind: KindString, text: s} }

// Bool returns a boolean Value.
func Bool(b bool) *Value { return &Value{kind: KindBool, flag: b} }

// Number returns a number Value from its literal text.
func Number(literal string) *Value { return &Value{kind: KindNumber, text: literal} }

// Array returns an array Value holding items in order.
func Array(items ...*Value) *Value {
	return &Value{kind: KindArray, items: items}
}

// Object returns an object Value. Fields are placed in canonical order and
// duplicate keys keep the position of their first occurrence with the value
// of their last.
func Object(fields ...Field) *Value {
	return &Value{kind: KindObject, fields: canonicalOrder(fields)}
}

// Kind reports the kind of v. A nil Value is null.
func (v *Value) Kind() Kind {
	if v == nil {
		return KindNull
	}
	return v.kind
}

// Text returns the string contents of a string Value or the literal of a
// number Value. It returns "" for every other kind.
func (v *Value) Text() string {
	if v == nil {
		return ""
	}
	if v.kind == KindString || v.kind == KindNumber {
		return v.text
	}
	return ""
}

// BoolValue returns the boolean held by v, false for non-booleans.
func (v *Value) BoolValue() bool {
	return v != nil && v.kind == KindBool && v.flag
}

// Truthy reports whether v would be truthy in the browser runtime.
func (v *Value) Truthy() bool {
	switch v.Kind() {
	case KindNull:
		return false
	case KindBool:
		return v.flag
	case KindString:
		return v.text != ""
	case KindNumber:
		f, err := strconv.ParseFloat(v.text, 64)
		return err == nil && f != 0
	default:
		return true
	}
}

// Items returns the elements of an array Value.
func (v *Value) Items() []*Value {
	if v.Kind() != KindArray {
		return nil
	}
	return v.items
}

// Fields returns the fields of an object Value in canonical order.
func (v *Value) Fields() []Field {
	if v.Kind() != KindObject {
		return nil
	}
	return v.fields
}

// Get returns the value of the named field of an object Value.
func (v *Value) Get(key string) (*Value, bool) {
	for _, f := range v.Fields() {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// GetString returns the named field when it holds a string.
func (v *Value) GetString(key string) (string, bool) {
	f, ok := v.Get(key)
	if !ok || f.Kind() != KindString {
		return "", false
	}
	return f.text, true
}

// Path follows a chain of object keys and returns the final value.
func (v *Value) Path(keys ...string) (*Value, bool) {
	cur := v
	for _, k := range keys {
		next, ok := cur.Get(k)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// Len returns the number of items or fields of a container Value.
func (v *Value) Len() int {
	switch v.Kind() {
	case KindArray:
		return len(v.items)
	case KindObject:
		return len(v.fields)
	default:
		return 0
	}
}

// =============================================================================
// Decoding
// =============================================================================

// Parse decodes a single JSON document into a Value.
//
// Outputs:
//
//	*Value - The decoded tree. Never nil on success.
//	error - Non-nil if data is empty, not valid JSON, or has trailing data.
func Parse(data []byte) (*Value, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyInput
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("payload: unexpected trailing data")
	}
	return v, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*v = *parsed
	return nil
}

func decodeValue(dec *json.Decoder) (*Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	return decodeToken(dec, tok)
}

func decodeToken(dec *json.Decoder, tok json.Token) (*Value, error) {
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		return Number(t.String()), nil
	case string:
		return String(t), nil
	case json.Delim:
		switch t {
		case '[':
			items := make([]*Value, 0)
			for dec.More() {
				item, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				items = append(items, item)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return Array(items...), nil
		case '{':
			fields := make([]Field, 0)
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("object key must be a string, got %v", keyTok)
				}
				val, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				fields = append(fields, Field{Key: key, Value: val})
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return Object(fields...), nil
		}
	}
	return nil, fmt.Errorf("unexpected token %v", tok)
}

// canonicalOrder collapses duplicate keys and moves array-index-like keys
// ahead of the rest in ascending numeric order.
func canonicalOrder(fields []Field) []Field {
	seen := make(map[string]int, len(fields))
	merged := make([]Field, 0, len(fields))
	for _, f := range fields {
		if i, ok := seen[f.Key]; ok {
			merged[i].Value = f.Value
			continue
		}
		seen[f.Key] = len(merged)
		merged = append(merged, f)
	}

	var indexed, named []Field
	for _, f := range merged {
		if _, ok := arrayIndex(f.Key); ok {
			indexed = append(indexed, f)
		} else {
			named = append(named, f)
		}
	}
	if len(indexed) == 0 {
		return merged
	}
	sort.SliceStable(indexed, func(i, j int) bool {
		a, _ := arrayIndex(indexed[i].Key)
		b, _ := arrayIndex(indexed[j].Key)
		return a < b
	})
	return append(indexed, named...)
}

// arrayIndex reports whether key is a canonical array index ("0", "17", but
// not "017" or "-1").
func arrayIndex(key string) (uint64, bool) {
	if key == "" || (len(key) > 1 && key[0] == '0') {
		return 0, false
	}
	n, err := strconv.ParseUint(key, 10, 32)
	if err != nil || n == 1<<32-1 {
		return 0, false
	}
	return n, true
}

// =============================================================================
// Encoding
// =============================================================================

// MarshalJSON implements json.Marshaler and preserves field order.
func (v *Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v *Value) encode(buf *bytes.Buffer) error {
	switch v.Kind() {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.flag))
	case KindNumber:
		buf.WriteString(v.text)
	case KindString:
		b, err := json.Marshal(v.text)
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindArray:
		buf.WriteByte('[')
		for i, item := range v.items {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindObject:
		buf.WriteByte('{')
		for i, f := range v.fields {
			if i > 0 {
				buf.WriteByte(',')
			}
			k, err := json.Marshal(f.Key)
			if err != nil {
				return err
			}
			buf.Write(k)
			buf.WriteByte(':')
			if err := f.Value.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	}
	return nil
}

// Canonical returns the compact JSON encoding of v, used as a set key.
func (v *Value) Canonical() string {
	b, err := v.MarshalJSON()
	if err != nil {
		return ""
	}
	return string(b)
}
