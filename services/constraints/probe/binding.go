// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package probe correlates synthetic probe values with the expressions that
// carried them through an instrumented page.
package probe

import (
	"github.com/AleutianAI/constraintminer/services/constraints/payload"
	"github.com/AleutianAI/constraintminer/services/constraints/tracelog"
)

// Bindings maps probe values to the set of field reference descriptors they
// were typed into. Iteration follows insertion order.
//
// Thread Safety: Not safe for concurrent use; callers serialize access.
type Bindings struct {
	order []string
	refs  map[string]*referenceSet
}

type referenceSet struct {
	seen   map[string]struct{}
	values []*payload.Value
}

// NewBindings returns an empty binding table.
func NewBindings() *Bindings {
	return &Bindings{refs: make(map[string]*referenceSet)}
}

// Add binds ref to value. Descriptors are compared by canonical JSON so the
// same reference is stored once per value.
func (b *Bindings) Add(value string, ref *payload.Value) {
	set, ok := b.refs[value]
	if !ok {
		set = &referenceSet{seen: make(map[string]struct{})}
		b.refs[value] = set
		b.order = append(b.order, value)
	}
	key := ref.Canonical()
	if _, dup := set.seen[key]; dup {
		return
	}
	set.seen[key] = struct{}{}
	set.values = append(set.values, ref)
}

// AddDeclarations binds every declaration of an interaction start.
func (b *Bindings) AddDeclarations(decls []tracelog.ProbeDeclaration) {
	for _, d := range decls {
		b.Add(d.Value, d.Reference)
	}
}

// References returns the descriptors bound to value in insertion order.
func (b *Bindings) References(value string) []*payload.Value {
	set, ok := b.refs[value]
	if !ok {
		return nil
	}
	out := make([]*payload.Value, len(set.values))
	copy(out, set.values)
	return out
}

// Values returns every bound probe value in insertion order.
func (b *Bindings) Values() []string {
	out := make([]string, len(b.order))
	copy(out, b.order)
	return out
}

// Len returns the number of bound probe values.
func (b *Bindings) Len() int { return len(b.order) }

// Reset removes every binding.
func (b *Bindings) Reset() {
	b.order = nil
	b.refs = make(map[string]*referenceSet)
}

// =============================================================================
// Expression to Field Map
// =============================================================================

// FieldBinding describes the form field an expression was seen carrying.
type FieldBinding struct {
	References      []*payload.Value   `json:"references"`
	GeneralLocation *tracelog.Location `json:"generalLocation,omitempty"`
}

// FirstReference returns the first bound descriptor, nil if there is none.
func (f FieldBinding) FirstReference() *payload.Value {
	if len(f.References) == 0 {
		return nil
	}
	return f.References[0]
}

// ExpressionMap maps expression text to the field whose probe value it
// carried. Later observations of the same expression replace earlier ones.
//
// Thread Safety: Not safe for concurrent use; callers serialize access.
type ExpressionMap struct {
	entries map[string]FieldBinding
}

// NewExpressionMap returns an empty map.
func NewExpressionMap() *ExpressionMap {
	return &ExpressionMap{entries: make(map[string]FieldBinding)}
}

// Set records the binding for expression.
func (m *ExpressionMap) Set(expression string, binding FieldBinding) {
	m.entries[expression] = binding
}

// Lookup returns the binding recorded for expression.
func (m *ExpressionMap) Lookup(expression string) (FieldBinding, bool) {
	if m == nil {
		return FieldBinding{}, false
	}
	b, ok := m.entries[expression]
	return b, ok
}

// Len returns the number of recorded expressions.
func (m *ExpressionMap) Len() int { return len(m.entries) }

// Reset removes every entry.
func (m *ExpressionMap) Reset() {
	m.entries = make(map[string]FieldBinding)
}
