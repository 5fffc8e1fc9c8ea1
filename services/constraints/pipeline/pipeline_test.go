// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/AleutianAI/constraintminer/services/constraints/events"
	"github.com/AleutianAI/constraintminer/services/constraints/oracle"
	"github.com/AleutianAI/constraintminer/services/constraints/tracelog"
)

const formSource = "function check(value) {\n  if (value <= 0) {\n    reject();\n  }\n}\n"

const literalRow = `"To Literal Comparison","d","r","Comparison [[""value <= 0""|""relative:///form.js:2:7:2:16""]]","/form.js","2","7","2","16"` + "\n"

// scriptedOracle answers every literal comparison query with literalRow and
// every other query with an empty result.
type scriptedOracle struct {
	mu        sync.Mutex
	outDir    string
	built     []string
	runs      []oracle.Invocation
	cleared   int
	cleanups  int
	buildErr  error
	snapshots [][]string

	// extraRows is appended to every literal comparison result.
	extraRows string
}

func (o *scriptedOracle) BuildDatabase(_ context.Context, sourceDir string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.built = append(o.built, sourceDir)
	entries, _ := os.ReadDir(sourceDir)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	o.snapshots = append(o.snapshots, names)
	return o.buildErr
}

func (o *scriptedOracle) Run(_ context.Context, inv oracle.Invocation) (string, oracle.Format, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs = append(o.runs, inv)
	body := ""
	if inv.Query.Kind == oracle.KindLiteralComp {
		body = literalRow + o.extraRows
	}
	path := filepath.Join(o.outDir, fmt.Sprintf("%s-%d-results.csv", inv.Query.Name, inv.Seq))
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return "", "", err
	}
	return path, oracle.FormatCSV, nil
}

func (o *scriptedOracle) ClearResults() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cleared++
	return nil
}

func (o *scriptedOracle) Cleanup() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cleanups++
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingPublisher) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type fixture struct {
	pl      *Pipeline
	oracle  *scriptedOracle
	pub     *recordingPublisher
	work    string
	srcRoot string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	work := t.TempDir()
	srcRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcRoot, "form.js"), []byte(formSource), 0o644))

	o := &scriptedOracle{outDir: t.TempDir()}
	pub := &recordingPublisher{}
	pl, err := New(Config{
		SourceRoot:      srcRoot,
		SnapshotRoot:    filepath.Join(work, "source"),
		ScratchRoot:     filepath.Join(work, "queries"),
		ActiveQueries:   []string{"to_literal_comp", "to_regex"},
		SnapshotWorkers: 2,
	}, o, WithEvents(pub))
	require.NoError(t, err)
	return &fixture{pl: pl, oracle: o, pub: pub, work: work, srcRoot: srcRoot}
}

func parseTrace(t *testing.T, lines ...string) []tracelog.Event {
	t.Helper()
	evs, stats := tracelog.ParseLines(lines, nil)
	require.Zero(t, stats.Malformed)
	return evs
}

func probeTrace(t *testing.T) []tracelog.Event {
	return parseTrace(t,
		`{"action":"INTERACTION_START","args":{"spec":{"reference":{"id":"amount"}},"values":["P1"]},"time":1}`,
		`{"action":"VALUE_INPUT","args":{"value":"P1"},"time":2}`,
		`{"action":"CONDITIONAL_STATEMENT","args":{"name":"value","expression":"value <= 0","value":"P1"},"time":3,"location":{"file":"form.js","startLine":2,"startCol":7,"endLine":2,"endCol":16},"file":"form.js","pageFile":true}`,
		`{"action":"NAMED_FUNCTION_CALL","args":{"check":"P1"},"time":4,"file":"missing.js","pageFile":true}`,
		`{"action":"INTERACTION_END","args":{},"time":5}`,
	)
}

func TestRun_LiteralComparisonEndToEnd(t *testing.T) {
	f := newFixture(t)

	report, err := f.pl.Run(context.Background(), probeTrace(t))
	require.NoError(t, err)
	require.Len(t, report.Candidates, 1)

	data, err := json.Marshal(report.Candidates[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"LiteralComp","operator":"<=","otherValue":"0"}`, string(data))
	assert.NotEmpty(t, report.RunID)

	require.Len(t, f.oracle.built, 1)
	assert.Equal(t, []string{"form.js"}, f.oracle.snapshots[0], "missing files are skipped, present files flattened")
	assert.Equal(t, 1, f.oracle.cleared)

	_, statErr := os.Stat(f.oracle.built[0])
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "snapshot must be removed after the run")
	_, statErr = os.Stat(filepath.Join(f.work, "queries", report.RunID))
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "query scratch must be removed after the run")

	types := f.pub.types()
	require.NotEmpty(t, types)
	assert.Equal(t, events.TypeRunStarted, types[0])
	assert.Contains(t, types, events.TypePointQueried)
	assert.Equal(t, events.TypeRunFinished, types[len(types)-1])
}

func TestRun_ReportCountsDecodeSkips(t *testing.T) {
	f := newFixture(t)
	f.oracle.extraRows = `"To Literal Comparison","d"` + "\n" +
		`"To Literal Comparison","d","r","Comparison [[""x < 1""|""relative:///ghost.js:1:1:1:5""]]","/ghost.js","1","1","1","5"` + "\n"

	report, err := f.pl.Run(context.Background(), probeTrace(t))
	require.NoError(t, err)
	require.Len(t, report.Candidates, 1)

	literalRuns := 0
	for _, inv := range f.oracle.runs {
		if inv.Query.Kind == oracle.KindLiteralComp {
			literalRuns++
		}
	}
	require.Positive(t, literalRuns)
	assert.Equal(t, literalRuns, report.Decode.Malformed)
	assert.Equal(t, literalRuns, report.Decode.MissingSlices)
	assert.Equal(t, literalRuns, report.Decode.Rows)
	assert.Equal(t, 2*literalRuns, report.Skipped)
}

func TestRun_NoInteractionNeverCallsOracle(t *testing.T) {
	f := newFixture(t)
	evs := parseTrace(t,
		`{"action":"VALUE_INPUT","args":{"value":"P1"},"time":1}`,
		`{"action":"INTERACTION_END","args":{},"time":2}`,
	)
	report, err := f.pl.Run(context.Background(), evs)
	require.NoError(t, err)
	assert.NotNil(t, report.Candidates)
	assert.Empty(t, report.Candidates)
	assert.Empty(t, f.oracle.built)
	assert.Empty(t, f.oracle.runs)
}

func TestRun_NoPointsNeverCallsOracle(t *testing.T) {
	f := newFixture(t)
	evs := parseTrace(t,
		`{"action":"INTERACTION_START","args":{"spec":{"reference":{"id":"amount"}},"values":["P1"]},"time":1}`,
		`{"action":"CONDITIONAL_STATEMENT","args":{"name":"x","value":"unrelated"},"time":2,"file":"form.js","pageFile":true}`,
		`{"action":"INTERACTION_END","args":{},"time":3}`,
	)
	report, err := f.pl.Run(context.Background(), evs)
	require.NoError(t, err)
	assert.Empty(t, report.Candidates)
	assert.Zero(t, report.Points)
	assert.Empty(t, f.oracle.built)
}

func TestRun_DatabaseFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	f.oracle.buildErr = fmt.Errorf("%w: exit status 2", oracle.ErrDatabaseBuild)

	report, err := f.pl.Run(context.Background(), probeTrace(t))
	assert.Nil(t, report)
	require.ErrorIs(t, err, oracle.ErrDatabaseBuild)
	assert.Empty(t, f.oracle.runs)

	entries, _ := os.ReadDir(filepath.Join(f.work, "source"))
	assert.Empty(t, entries, "snapshot must be removed on failure")
	assert.Contains(t, f.pub.types(), events.TypeRunFailed)
}

func TestRun_CanceledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.pl.Run(ctx, probeTrace(t))
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.oracle.runs)
}

func TestRun_StateAccumulatesUntilCleanup(t *testing.T) {
	f := newFixture(t)
	_, err := f.pl.Run(context.Background(), probeTrace(t))
	require.NoError(t, err)

	bindings, _ := f.pl.State().Sizes()
	assert.Equal(t, 1, bindings)

	require.NoError(t, f.pl.Cleanup(context.Background()))
	bindings, exprs := f.pl.State().Sizes()
	assert.Zero(t, bindings)
	assert.Zero(t, exprs)
	assert.Equal(t, 1, f.oracle.cleanups)
}

func TestCleanup_WithoutRun(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.pl.Cleanup(context.Background()))
	require.NoError(t, f.pl.Cleanup(context.Background()))
}

func TestRun_EmitsSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	f := newFixture(t)
	_, err := f.pl.Run(context.Background(), probeTrace(t))
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, s := range exp.GetSpans() {
		names[s.Name] = true
	}
	for _, want := range []string{"pipeline.Run", "oracle.Session.Open", "oracle.Session.RunPoint", "results.Decoder.Decode", "classify.Classifier.Classify"} {
		assert.True(t, names[want], "missing span %s", want)
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{SnapshotRoot: "a", ScratchRoot: "b"}, nil)
	assert.Error(t, err)
	_, err = New(Config{}, &scriptedOracle{})
	assert.Error(t, err)
	_, err = New(Config{SnapshotRoot: "a", ScratchRoot: "b", ActiveQueries: []string{"nope"}}, &scriptedOracle{})
	assert.Error(t, err)
}
