// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package results

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Entity is a node of a decoded path result.
type Entity struct {
	ID       string       `json:"id"`
	Label    string       `json:"label"`
	Location CodeLocation `json:"location"`
	HasURL   bool         `json:"-"`
}

type entityURL struct {
	URI         string `json:"uri"`
	StartLine   int    `json:"startLine"`
	StartColumn int    `json:"startColumn"`
	EndLine     int    `json:"endLine"`
	EndColumn   int    `json:"endColumn"`
}

// UnmarshalJSON accepts the entity object written by "bqrs decode
// --entities=id,string,url". The url may be an object or a location string.
func (e *Entity) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID    json.Number     `json:"id"`
		Label string          `json:"label"`
		URL   json.RawMessage `json:"url"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("decoding entity: %w", err)
	}
	*e = Entity{ID: raw.ID.String(), Label: raw.Label}

	trimmed := bytes.TrimSpace(raw.URL)
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
	case trimmed[0] == '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return fmt.Errorf("decoding entity url: %w", err)
		}
		if loc, ok := ParseLocationString(s); ok {
			e.Location, e.HasURL = loc, true
		}
	default:
		var u entityURL
		if err := json.Unmarshal(trimmed, &u); err != nil {
			return fmt.Errorf("decoding entity url: %w", err)
		}
		name := u.URI
		if i := strings.LastIndex(name, "/"); i >= 0 {
			name = name[i+1:]
		}
		e.Location = CodeLocation{
			File:     name,
			StartPos: Position{Line: u.StartLine, Col: u.StartColumn},
			EndPos:   Position{Line: u.EndLine, Col: u.EndColumn},
		}
		e.HasURL = e.Location.Valid()
	}
	return nil
}

// Edge is a directed data-flow step.
type Edge struct {
	From Entity `json:"from"`
	To   Entity `json:"to"`
}

// Select is one (source, sink) pair of a path result.
type Select struct {
	Source Entity `json:"source"`
	Sink   Entity `json:"sink"`
}

// PathResult is a decoded path-shaped query result.
type PathResult struct {
	Edges   []Edge   `json:"edges"`
	Selects []Select `json:"selects"`
}

type tupleSet struct {
	Tuples [][]json.RawMessage `json:"tuples"`
}

// DecodePath reads a JSON-decoded path result.
//
// Description:
//
//	Reads the "#select" and "edges" tuple sets. Select tuples with three or
//	more columns are (element, source, sink, ...); two-column tuples are
//	(source, sink). Non-entity cells are ignored. Tuples that cannot be
//	decoded are counted in skipped.
func DecodePath(r io.Reader) (PathResult, int, error) {
	var doc map[string]tupleSet
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return PathResult{}, 0, fmt.Errorf("decoding path result: %w", err)
	}

	var (
		out     PathResult
		skipped int
	)
	for _, tuple := range doc["edges"].Tuples {
		if len(tuple) < 2 {
			skipped++
			continue
		}
		var from, to Entity
		if json.Unmarshal(tuple[0], &from) != nil || json.Unmarshal(tuple[1], &to) != nil || from.ID == "" || to.ID == "" {
			skipped++
			continue
		}
		out.Edges = append(out.Edges, Edge{From: from, To: to})
	}

	for _, tuple := range doc["#select"].Tuples {
		src, sink := 0, 1
		if len(tuple) >= 3 {
			src, sink = 1, 2
		}
		if len(tuple) < 2 {
			skipped++
			continue
		}
		var s Select
		if json.Unmarshal(tuple[src], &s.Source) != nil || json.Unmarshal(tuple[sink], &s.Sink) != nil || s.Source.ID == "" || s.Sink.ID == "" {
			skipped++
			continue
		}
		out.Selects = append(out.Selects, s)
	}
	return out, skipped, nil
}
