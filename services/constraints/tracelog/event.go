// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tracelog stores, reads and segments the trace events emitted by
// instrumented pages.
package tracelog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/AleutianAI/constraintminer/services/constraints/payload"
)

// =============================================================================
// Action Kinds
// =============================================================================

// ActionKind names what an instrumented statement did.
type ActionKind string

const (
	ActionInteractionStart      ActionKind = "INTERACTION_START"
	ActionInteractionEnd        ActionKind = "INTERACTION_END"
	ActionValueInput            ActionKind = "VALUE_INPUT"
	ActionAttemptSubmit         ActionKind = "ATTEMPT_SUBMIT"
	ActionNamedFunctionCall     ActionKind = "NAMED_FUNCTION_CALL"
	ActionUnnamedFunctionCall   ActionKind = "UNNAMED_FUNCTION_CALL"
	ActionVariableDeclaration   ActionKind = "VARIABLE_DECLARATION"
	ActionVariableAssignment    ActionKind = "VARIABLE_ASSIGNMENT"
	ActionConditionalExpression ActionKind = "CONDITIONAL_EXPRESSION"
	ActionConditionalStatement  ActionKind = "CONDITIONAL_STATEMENT"
	ActionBinaryExpression      ActionKind = "BINARY_EXPRESSION"
)

// Known reports whether k is one of the declared action kinds.
func (k ActionKind) Known() bool {
	switch k {
	case ActionInteractionStart, ActionInteractionEnd, ActionValueInput,
		ActionAttemptSubmit, ActionNamedFunctionCall, ActionUnnamedFunctionCall,
		ActionVariableDeclaration, ActionVariableAssignment,
		ActionConditionalExpression, ActionConditionalStatement,
		ActionBinaryExpression:
		return true
	}
	return false
}

// Origin tells whether an event was emitted by the page itself or by an
// instrumented script file.
type Origin string

const (
	OriginPage             Origin = "page"
	OriginInstrumentedFile Origin = "instrumented-file"
)

// =============================================================================
// Location
// =============================================================================

// Location addresses a source range. Lines are 1-based.
type Location struct {
	File      string `json:"file"`
	StartLine int    `json:"startLine"`
	StartCol  int    `json:"startCol"`
	EndLine   int    `json:"endLine"`
	EndCol    int    `json:"endCol"`
}

type position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// UnmarshalJSON accepts the flat form used by this service and the nested
// {start:{line,column}, end:{line,column}} form emitted by the babel plugins.
func (l *Location) UnmarshalJSON(data []byte) error {
	var raw struct {
		File      string    `json:"file"`
		StartLine *int      `json:"startLine"`
		StartCol  int       `json:"startCol"`
		EndLine   int       `json:"endLine"`
		EndCol    int       `json:"endCol"`
		Start     *position `json:"start"`
		End       *position `json:"end"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*l = Location{File: raw.File}
	if raw.StartLine != nil {
		l.StartLine, l.StartCol = *raw.StartLine, raw.StartCol
		l.EndLine, l.EndCol = raw.EndLine, raw.EndCol
		return nil
	}
	if raw.Start != nil {
		l.StartLine, l.StartCol = raw.Start.Line, raw.Start.Column
	}
	if raw.End != nil {
		l.EndLine, l.EndCol = raw.End.Line, raw.End.Column
	}
	return nil
}

// =============================================================================
// Event
// =============================================================================

// Event is one immutable trace record.
//
// Description:
//
//	Args holds the free-form payload. When the payload arrived as a
//	transport-encoded string it is re-parsed; a string that is not valid
//	JSON is kept verbatim as a string value.
type Event struct {
	Kind     ActionKind     `json:"action"`
	Args     *payload.Value `json:"args"`
	Time     int64          `json:"time"`
	Location *Location      `json:"location,omitempty"`
	Origin   Origin         `json:"origin"`
	File     string         `json:"file,omitempty"`
}

// IsPage reports whether the event was emitted by the page.
func (e Event) IsPage() bool {
	return e.Origin == OriginPage
}

// UnmarshalJSON decodes an event, tolerating the legacy field names.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw struct {
		Action   ActionKind      `json:"action"`
		Kind     ActionKind      `json:"kind"`
		Args     json.RawMessage `json:"args"`
		Time     json.Number     `json:"time"`
		Location *Location       `json:"location"`
		Origin   Origin          `json:"origin"`
		PageFile json.RawMessage `json:"pageFile"`
		File     string          `json:"file"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	ev := Event{
		Kind:     raw.Action,
		Location: raw.Location,
		Origin:   raw.Origin,
		File:     raw.File,
	}
	if ev.Kind == "" {
		ev.Kind = raw.Kind
	}
	if ev.Kind == "" {
		return fmt.Errorf("trace event has no action")
	}

	if raw.Time != "" {
		t, err := parseTime(raw.Time)
		if err != nil {
			return fmt.Errorf("trace event time: %w", err)
		}
		ev.Time = t
	}

	args, err := decodeArgs(raw.Args)
	if err != nil {
		return fmt.Errorf("trace event args: %w", err)
	}
	ev.Args = args

	if ev.Origin == "" {
		ev.Origin = OriginInstrumentedFile
		if len(raw.PageFile) > 0 {
			flag, err := payload.Parse(raw.PageFile)
			if err == nil && flag.Truthy() {
				ev.Origin = OriginPage
			}
		}
	}

	*e = ev
	return nil
}

// MarshalJSON writes the event with the legacy pageFile flag alongside the
// origin so older consumers of the trace log keep working.
func (e Event) MarshalJSON() ([]byte, error) {
	type wire struct {
		Action   ActionKind     `json:"action"`
		Args     *payload.Value `json:"args"`
		Time     int64          `json:"time"`
		Location *Location      `json:"location,omitempty"`
		Origin   Origin         `json:"origin"`
		PageFile bool           `json:"pageFile"`
		File     string         `json:"file,omitempty"`
	}
	return json.Marshal(wire{
		Action:   e.Kind,
		Args:     e.Args,
		Time:     e.Time,
		Location: e.Location,
		Origin:   e.Origin,
		PageFile: e.IsPage(),
		File:     e.File,
	})
}

func parseTime(n json.Number) (int64, error) {
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	f, err := strconv.ParseFloat(n.String(), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("invalid time %s", n)
	}
	return int64(f), nil
}

func decodeArgs(data json.RawMessage) (*payload.Value, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return payload.Null(), nil
	}
	v, err := payload.Parse(data)
	if err != nil {
		return nil, err
	}
	if v.Kind() != payload.KindString {
		return v, nil
	}
	inner, err := payload.Parse([]byte(v.Text()))
	if err != nil || (inner.Kind() != payload.KindObject && inner.Kind() != payload.KindArray) {
		return v, nil
	}
	return inner, nil
}

// ParseEvent decodes one trace line.
func ParseEvent(line []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}
