// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package oracle drives the external static-analysis engine: it specializes
// query templates for a point of interest, runs them against a source
// snapshot database and restores the templates afterwards.
package oracle

import "fmt"

// Kind is the category of constraint a query looks for.
type Kind string

const (
	KindLiteralComp       Kind = "LiteralComp"
	KindLiteralLengthComp Kind = "LiteralLengthComp"
	KindVarComp           Kind = "VarComp"
	KindPatternTest       Kind = "PatternTest"
	KindStringMatch       Kind = "StringMatch"
)

// Type tags written by the queries into the first column of row results.
const (
	TagLiteralComp       = "To Literal Comparison"
	TagVarComp           = "To Variable Comparison"
	TagLiteralLengthComp = "To Literal Length Comparison"
	TagRegexTest         = "To Regex Test"
	TagStringMatch       = "To String Match"
)

// KindForTag maps a row type tag to its constraint kind.
func KindForTag(tag string) (Kind, bool) {
	switch tag {
	case TagLiteralComp:
		return KindLiteralComp, true
	case TagVarComp:
		return KindVarComp, true
	case TagLiteralLengthComp:
		return KindLiteralLengthComp, true
	case TagRegexTest:
		return KindPatternTest, true
	case TagStringMatch:
		return KindStringMatch, true
	}
	return "", false
}

// QuerySpec describes one query template.
type QuerySpec struct {
	// Name is the template file name without the .ql extension.
	Name string `json:"name"`

	// Kind is the constraint category the query reports.
	Kind Kind `json:"kind"`

	// Path marks data-flow queries whose results are decoded as graphs.
	Path bool `json:"path"`

	// HasExpression marks templates with a compared-expression slot.
	HasExpression bool `json:"has_expression"`
}

// Catalog lists every query template shipped with the service.
var Catalog = []QuerySpec{
	{Name: "to_literal_comp", Kind: KindLiteralComp, HasExpression: true},
	{Name: "to_literal_length_comp", Kind: KindLiteralLengthComp, HasExpression: true},
	{Name: "to_var_comp", Kind: KindVarComp, HasExpression: true},
	{Name: "to_literal_comp_path", Kind: KindLiteralComp, Path: true},
	{Name: "to_literal_length_comp_path", Kind: KindLiteralLengthComp, Path: true},
	{Name: "to_regex", Kind: KindPatternTest},
	{Name: "to_string_match", Kind: KindStringMatch},
}

// DefaultActive is the query set run when configuration does not name one.
// The row-shaped literal comparisons are covered by their path variants.
var DefaultActive = []string{
	"to_literal_comp_path",
	"to_literal_length_comp_path",
	"to_regex",
	"to_string_match",
	"to_var_comp",
}

// Lookup returns the catalog entry for name.
func Lookup(name string) (QuerySpec, bool) {
	for _, q := range Catalog {
		if q.Name == name {
			return q, true
		}
	}
	return QuerySpec{}, false
}

// Resolve maps query names to catalog entries, keeping the given order.
func Resolve(names []string) ([]QuerySpec, error) {
	out := make([]QuerySpec, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		q, ok := Lookup(n)
		if !ok {
			return nil, fmt.Errorf("unknown query %q", n)
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, q)
	}
	return out, nil
}
