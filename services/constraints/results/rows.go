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
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// Column indexes of a "database analyze --format=csv" row.
const (
	colName      = 0
	colMessage   = 3
	colPath      = 4
	colStartLine = 5
	colStartCol  = 6
	colEndLine   = 7
	colEndCol    = 8
)

// Row is one decoded row result.
type Row struct {
	// Type is the type tag of the query that produced the row.
	Type string `json:"type"`

	// Locations are the bracketed locations of the row in message order,
	// or the primary location when the row carries none.
	Locations []CodeLocation `json:"locations"`

	// Labels holds the label of each bracketed location. Empty for raw rows.
	Labels []string `json:"labels,omitempty"`
}

// Key identifies the row for de-duplication.
func (r Row) Key() string {
	var b strings.Builder
	b.WriteString(r.Type)
	for _, l := range r.Locations {
		fmt.Fprintf(&b, "|%s:%d:%d:%d:%d", l.File, l.StartPos.Line, l.StartPos.Col, l.EndPos.Line, l.EndPos.Col)
	}
	return b.String()
}

// RowStats counts decoded and skipped rows.
type RowStats struct {
	Rows      int
	Malformed int
}

// bracketPattern matches [[label|location]] tokens. Quoted labels may
// contain "|" and "]".
var bracketPattern = regexp.MustCompile(`\[\[("(?:[^"\\]|\\.)*"|[^|\]]*)\|("[^"]*"|[^\]]*)\]\]`)

// ParseBracketedLocations returns every [[label|location]] token of s.
// Tokens whose location cannot be parsed are skipped.
func ParseBracketedLocations(s string) (labels []string, locs []CodeLocation) {
	for _, m := range bracketPattern.FindAllStringSubmatch(s, -1) {
		loc, ok := ParseLocationString(m[2])
		if !ok {
			continue
		}
		labels = append(labels, unquoteLabel(m[1]))
		locs = append(locs, loc)
	}
	return labels, locs
}

func unquoteLabel(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	return strings.ReplaceAll(s, `\"`, `"`)
}

// DecodeRows reads row results from CSV.
//
// Description:
//
//	Rows with an empty type tag are ignored. Locations are taken from the
//	bracketed tokens of every column after the type tag; when a row has
//	none, the raw path and position columns are used. Rows with neither
//	are counted as malformed.
//
// Outputs:
//
//	[]Row - Decoded rows, in file order.
//	RowStats - Counters.
//	error - Non-nil only if the reader fails or the CSV is unreadable.
func DecodeRows(r io.Reader) ([]Row, RowStats, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var (
		rows  []Row
		stats RowStats
	)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				stats.Malformed++
				continue
			}
			return rows, stats, fmt.Errorf("reading row results: %w", err)
		}
		if len(record) == 0 || strings.TrimSpace(record[colName]) == "" {
			continue
		}

		row, ok := decodeRecord(record)
		if !ok {
			stats.Malformed++
			continue
		}
		rows = append(rows, row)
		stats.Rows++
	}
	return rows, stats, nil
}

func decodeRecord(record []string) (Row, bool) {
	row := Row{Type: strings.TrimSpace(record[colName])}

	start := colMessage
	if len(record) <= colMessage {
		start = 1
	}
	for _, field := range record[start:] {
		labels, locs := ParseBracketedLocations(field)
		row.Labels = append(row.Labels, labels...)
		row.Locations = append(row.Locations, locs...)
	}
	if len(row.Locations) > 0 {
		return row, true
	}

	if len(record) <= colEndCol {
		return Row{}, false
	}
	raw := fmt.Sprintf("%s:%s:%s:%s:%s",
		strings.TrimSpace(record[colPath]),
		strings.TrimSpace(record[colStartLine]),
		strings.TrimSpace(record[colStartCol]),
		strings.TrimSpace(record[colEndLine]),
		strings.TrimSpace(record[colEndCol]),
	)
	loc, ok := ParseLocationString(raw)
	if !ok {
		return Row{}, false
	}
	row.Locations = []CodeLocation{loc}
	return row, true
}
