// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package results decodes oracle result artifacts and reconstructs data-flow
// paths into code slices ready for classification.
package results

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Position is a 1-based line and column.
type Position struct {
	Line int `json:"line"`
	Col  int `json:"col"`
}

// CodeLocation is a normalized source range. Columns are 1-based and the
// end column is inclusive.
type CodeLocation struct {
	File     string   `json:"file"`
	StartPos Position `json:"startPos"`
	EndPos   Position `json:"endPos"`
}

// Valid reports whether the range is addressable.
func (l CodeLocation) Valid() bool {
	if l.File == "" || l.StartPos.Line < 1 || l.EndPos.Line < l.StartPos.Line {
		return false
	}
	return l.StartPos.Col >= 1 && l.EndPos.Col >= 0
}

// ParseLocationString parses an oracle location string.
//
// Description:
//
//	Accepts "relative:///dir/file.js:3:5:3:14", "file:///abs/file.js:3:5:3:14"
//	and the same with surrounding quotes. Only the base name of the file is
//	kept, because snapshots are flattened by base name. The four position
//	fields are taken from the right so that file names may contain colons.
func ParseLocationString(s string) (CodeLocation, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimSuffix(s, `"`), `"`)
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	parts := strings.Split(s, ":")
	if len(parts) < 5 {
		return CodeLocation{}, false
	}
	n := len(parts)
	nums := make([]int, 4)
	for i := 0; i < 4; i++ {
		v, err := strconv.Atoi(parts[n-4+i])
		if err != nil {
			return CodeLocation{}, false
		}
		nums[i] = v
	}
	loc := CodeLocation{
		File:     strings.Join(parts[:n-4], ":"),
		StartPos: Position{Line: nums[0], Col: nums[1]},
		EndPos:   Position{Line: nums[2], Col: nums[3]},
	}
	return loc, loc.Valid()
}

// ExtractSlice returns the exact source text addressed by loc.
//
// Description:
//
//	Lines [startLine-1, endLine) are taken. The first line is trimmed
//	before startCol and the last line after endCol. On a single line the
//	slice is the endCol-startCol+1 characters starting at startCol.
//	Columns past the end of a line are clamped.
func ExtractSlice(lines []string, loc CodeLocation) (string, error) {
	if !loc.Valid() {
		return "", fmt.Errorf("invalid location %+v", loc)
	}
	if loc.EndPos.Line > len(lines) {
		return "", fmt.Errorf("location %s:%d beyond end of file (%d lines)", loc.File, loc.EndPos.Line, len(lines))
	}

	selected := lines[loc.StartPos.Line-1 : loc.EndPos.Line]
	if len(selected) == 1 {
		r := []rune(selected[0])
		start := clamp(loc.StartPos.Col-1, 0, len(r))
		end := clamp(start+loc.EndPos.Col-loc.StartPos.Col+1, start, len(r))
		return string(r[start:end]), nil
	}

	out := make([]string, len(selected))
	copy(out, selected)
	first := []rune(out[0])
	out[0] = string(first[clamp(loc.StartPos.Col-1, 0, len(first)):])
	last := []rune(out[len(out)-1])
	out[len(out)-1] = string(last[:clamp(loc.EndPos.Col, 0, len(last))])
	return strings.Join(out, "\n"), nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SourceSet reads slices from a flattened source snapshot.
//
// Thread Safety: Safe for concurrent use. File contents are cached.
type SourceSet struct {
	root string

	mu    sync.Mutex
	files map[string][]string
}

// NewSourceSet returns a SourceSet rooted at dir.
func NewSourceSet(dir string) *SourceSet {
	return &SourceSet{root: dir, files: make(map[string][]string)}
}

// Slice extracts the text at loc. The file is looked up by base name.
func (s *SourceSet) Slice(loc CodeLocation) (string, error) {
	lines, err := s.lines(filepath.Base(loc.File))
	if err != nil {
		return "", err
	}
	return ExtractSlice(lines, loc)
}

func (s *SourceSet) lines(name string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lines, ok := s.files[name]; ok {
		return lines, nil
	}
	data, err := os.ReadFile(filepath.Join(s.root, name))
	if err != nil {
		return nil, fmt.Errorf("reading source %s: %w", name, err)
	}
	lines := splitLines(data)
	s.files[name] = lines
	return lines, nil
}

func splitLines(data []byte) []string {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		lines = append(lines, strings.TrimSuffix(sc.Text(), "\r"))
	}
	return lines
}
