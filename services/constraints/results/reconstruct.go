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
	"errors"
	"fmt"
	"strings"
)

// FieldValuePlaceholder replaces the probed source expression in a
// reconstructed composite expression.
const FieldValuePlaceholder = "__FIELD_VALUE__"

// ErrNoIncomingEdge indicates that backtracking reached a node with no
// incoming edge before reaching the source.
var ErrNoIncomingEdge = errors.New("results: no incoming edge")

// TieBreak selects among several incoming edges while backtracking.
type TieBreak string

const (
	// TieBreakSecond takes the edge at index 1, matching the behavior path
	// results have always been decoded with.
	TieBreakSecond TieBreak = "second"
	TieBreakFirst  TieBreak = "first"
	TieBreakLast   TieBreak = "last"
)

// ParseTieBreak validates a tie-break name. Empty selects TieBreakSecond.
func ParseTieBreak(s string) (TieBreak, error) {
	switch TieBreak(s) {
	case "", TieBreakSecond:
		return TieBreakSecond, nil
	case TieBreakFirst, TieBreakLast:
		return TieBreak(s), nil
	}
	return "", fmt.Errorf("unknown tie-break policy %q", s)
}

func (t TieBreak) pick(n int) int {
	switch t {
	case TieBreakFirst:
		return 0
	case TieBreakLast:
		return n - 1
	default:
		if n > 1 {
			return 1
		}
		return n - 1
	}
}

// Backtrack walks from sel.Sink to sel.Source over incoming edges.
//
// Description:
//
//	At each step the incoming edges of the current node are collected in
//	edge order; a single edge is taken directly, otherwise tie picks one.
//	The walk is bounded by the number of edges so that cycles terminate.
//
// Outputs:
//
//	[]Entity - The visited nodes in source-to-sink order.
//	error - ErrNoIncomingEdge if the source cannot be reached.
func Backtrack(result PathResult, sel Select, tie TieBreak) ([]Entity, error) {
	incoming := make(map[string][]Entity)
	for _, e := range result.Edges {
		incoming[e.To.ID] = append(incoming[e.To.ID], e.From)
	}

	path := []Entity{sel.Sink}
	current := sel.Sink
	for steps := 0; current.ID != sel.Source.ID; steps++ {
		if steps >= len(result.Edges) {
			return nil, fmt.Errorf("%w: walk from %s exceeded %d steps", ErrNoIncomingEdge, sel.Sink.ID, len(result.Edges))
		}
		preds := incoming[current.ID]
		if len(preds) == 0 {
			return nil, fmt.Errorf("%w: node %s (%q)", ErrNoIncomingEdge, current.ID, current.Label)
		}
		current = preds[tie.pick(len(preds))]
		path = append(path, current)
	}

	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// Assignment splits an assignment-shaped slice into its sides.
//
// Description:
//
//	A slice is assignment-shaped when it contains a lone "=" that is not
//	part of ==, ===, !=, <=, >=, =>, or a compound assignment. Declaration
//	keywords are stripped from the left side and a trailing ";" from the
//	right side.
func Assignment(slice string) (lhs, rhs string, ok bool) {
	idx := loneAssign(slice)
	if idx < 0 {
		return "", "", false
	}
	lhs = strings.TrimSpace(slice[:idx])
	for _, kw := range []string{"const ", "let ", "var "} {
		if strings.HasPrefix(lhs, kw) {
			lhs = strings.TrimSpace(strings.TrimPrefix(lhs, kw))
			break
		}
	}
	rhs = strings.TrimSpace(slice[idx+1:])
	rhs = strings.TrimSpace(strings.TrimSuffix(rhs, ";"))
	if lhs == "" || rhs == "" {
		return "", "", false
	}
	return lhs, rhs, true
}

func loneAssign(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] != '=' {
			continue
		}
		if i+1 < len(s) && (s[i+1] == '=' || s[i+1] == '>') {
			i++
			for i+1 < len(s) && s[i+1] == '=' {
				i++
			}
			continue
		}
		if i > 0 && strings.IndexByte("!<>=+-*/%&|^?", s[i-1]) >= 0 {
			continue
		}
		return i
	}
	return -1
}

// ReplaceWord replaces whole-word occurrences of word in s. An occurrence
// must not be preceded by an identifier character or "." and must not be
// followed by an identifier character, so "v" matches in "v.length" but
// not in "obj.v" or "v2".
func ReplaceWord(s, word, replacement string) string {
	if word == "" {
		return s
	}
	var b strings.Builder
	last := 0
	for from := 0; from <= len(s)-len(word); {
		i := strings.Index(s[from:], word)
		if i < 0 {
			break
		}
		start, end := from+i, from+i+len(word)
		if (start > 0 && (isIdentByte(s[start-1]) || s[start-1] == '.')) || (end < len(s) && isIdentByte(s[end])) {
			from = start + 1
			continue
		}
		b.WriteString(s[last:start])
		b.WriteString(replacement)
		last, from = end, end
	}
	b.WriteString(s[last:])
	return b.String()
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '$' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// Fold builds the composite expression of a backtracked path.
//
// Description:
//
//	slices are the code slices of the path in source-to-sink order. The
//	composite starts as the sink slice. Intermediate slices are visited
//	from the sink towards the source; each assignment-shaped slice
//	replaces whole-word occurrences of its left side in the composite by
//	its right side. Finally the source is replaced by
//	FieldValuePlaceholder: its left side when the source slice is itself
//	an assignment, otherwise its text.
func Fold(slices []string) string {
	if len(slices) == 0 {
		return ""
	}
	composite := strings.TrimSpace(slices[len(slices)-1])
	if len(slices) == 1 {
		return composite
	}

	for i := len(slices) - 2; i >= 1; i-- {
		if lhs, rhs, ok := Assignment(slices[i]); ok {
			composite = ReplaceWord(composite, lhs, rhs)
		}
	}

	source := strings.TrimSpace(slices[0])
	if lhs, _, ok := Assignment(source); ok {
		source = lhs
	}
	if source == "" {
		return composite
	}
	if replaced := ReplaceWord(composite, source, FieldValuePlaceholder); replaced != composite {
		return replaced
	}
	return strings.Replace(composite, source, FieldValuePlaceholder, 1)
}
