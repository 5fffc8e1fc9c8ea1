// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package oracle

import (
	"embed"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf16"
)

// =============================================================================
// Embedded Templates
// =============================================================================

//go:embed queries/*.ql queries/qlpack.yml
var queryFS embed.FS

// Placeholder tokens and the line markers that enable them.
const (
	PlaceholderFile       = "FILE"
	PlaceholderLine       = "12345"
	PlaceholderExpression = "NAME"

	markerLocation   = "LOCATION"
	markerExpression = "EXPRESSION"

	// MaxExpressionLength is the longest expression passed through verbatim.
	// The extractor sanitizes longer string literals the same way.
	MaxExpressionLength = 20
)

// Template is the canonical text of one query.
type Template struct {
	Spec QuerySpec
	Text string
}

// TemplateSet holds the canonical templates, read once from the embedded
// query directory.
//
// Thread Safety: Immutable after loading; safe for concurrent use. Runs
// specialize private copies and never touch the canonical text.
type TemplateSet struct {
	templates map[string]Template
	qlpack    []byte
}

// LoadTemplates reads every catalog template from the embedded files.
func LoadTemplates() (*TemplateSet, error) {
	set := &TemplateSet{templates: make(map[string]Template, len(Catalog))}
	for _, spec := range Catalog {
		data, err := queryFS.ReadFile("queries/" + spec.Name + ".ql")
		if err != nil {
			return nil, fmt.Errorf("loading template %s: %w", spec.Name, err)
		}
		set.templates[spec.Name] = Template{Spec: spec, Text: string(data)}
	}
	pack, err := queryFS.ReadFile("queries/qlpack.yml")
	if err != nil {
		return nil, fmt.Errorf("loading qlpack: %w", err)
	}
	set.qlpack = pack
	return set, nil
}

// Get returns the canonical template for name.
func (s *TemplateSet) Get(name string) (Template, bool) {
	t, ok := s.templates[name]
	return t, ok
}

// QLPack returns the pack definition written next to specialized queries.
func (s *TemplateSet) QLPack() []byte {
	return s.qlpack
}

// =============================================================================
// Specialize / Reset
// =============================================================================

// Target is what a template is specialized for.
type Target struct {
	File       string
	Line       int
	Expression string
}

// ShortenExpression truncates expressions longer than MaxExpressionLength
// to their first and last seven characters joined by " ... ".
//
// Lengths and cuts are in UTF-16 code units, the unit JavaScript strings
// and the CodeQL extractor count in. A cut through a surrogate pair
// leaves U+FFFD in its place.
func ShortenExpression(expr string) string {
	units := utf16.Encode([]rune(expr))
	if len(units) <= MaxExpressionLength {
		return expr
	}
	return string(utf16.Decode(units[:7])) + " ... " + string(utf16.Decode(units[len(units)-7:]))
}

var qlStringEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`, "\t", `\t`)

func qlString(s string) string {
	return qlStringEscaper.Replace(s)
}

// Specialize fills the placeholders of text for target.
//
// Description:
//
//	Only lines ending in "LOCATION" or "EXPRESSION" are touched. On a
//	location line the first "12345" becomes the line number and the first
//	"FILE" becomes the file name. On an expression line the first "NAME"
//	becomes the shortened expression. Inserted strings are escaped for
//	QL string literals.
func Specialize(text string, target Target) string {
	lines := strings.Split(text, "\n")
	expr := qlString(ShortenExpression(target.Expression))
	file := qlString(target.File)
	for i, line := range lines {
		body := strings.TrimRight(line, "\r")
		switch {
		case strings.HasSuffix(body, markerLocation):
			line = strings.Replace(line, PlaceholderLine, strconv.Itoa(target.Line), 1)
			line = strings.Replace(line, PlaceholderFile, file, 1)
		case strings.HasSuffix(body, markerExpression):
			line = strings.Replace(line, PlaceholderExpression, expr, 1)
		}
		lines[i] = line
	}
	return strings.Join(lines, "\n")
}

var (
	locationPattern   = regexp.MustCompile(`hasLocation\((\w+),\s*"(?:[^"\\]|\\.)*",\s*-?\d+\)`)
	expressionPattern = regexp.MustCompile(`toString\(\)\s*=\s*"(?:[^"\\]|\\.)*"`)
)

// Reset restores the placeholders of a specialized template.
//
// Description:
//
//	Location lines have their hasLocation(v, "...", n) call rewritten to
//	hasLocation(v, "FILE", 12345). Expression lines have their
//	toString() = "..." comparison rewritten to toString() = "NAME". Both
//	rewrites are pattern based, so resetting a canonical template returns it
//	unchanged.
func Reset(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		body := strings.TrimRight(line, "\r")
		switch {
		case strings.HasSuffix(body, markerLocation):
			lines[i] = locationPattern.ReplaceAllString(line, `hasLocation($1, "`+PlaceholderFile+`", `+PlaceholderLine+`)`)
		case strings.HasSuffix(body, markerExpression):
			lines[i] = expressionPattern.ReplaceAllString(line, `toString() = "`+PlaceholderExpression+`"`)
		}
	}
	return strings.Join(lines, "\n")
}
