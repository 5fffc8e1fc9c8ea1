// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tracelog

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEvent_Shapes(t *testing.T) {
	t.Run("babel location and pageFile flag", func(t *testing.T) {
		ev, err := ParseEvent([]byte(`{"action":"VARIABLE_ASSIGNMENT","args":{"expression":"x","value":"P"},"time":12,"location":{"file":"a.js","start":{"line":3,"column":4},"end":{"line":3,"column":9}},"pageFile":true}`))
		require.NoError(t, err)
		assert.Equal(t, ActionVariableAssignment, ev.Kind)
		assert.Equal(t, int64(12), ev.Time)
		assert.Equal(t, OriginPage, ev.Origin)
		require.NotNil(t, ev.Location)
		assert.Equal(t, Location{File: "a.js", StartLine: 3, StartCol: 4, EndLine: 3, EndCol: 9}, *ev.Location)
	})

	t.Run("flat location and explicit origin", func(t *testing.T) {
		ev, err := ParseEvent([]byte(`{"kind":"NAMED_FUNCTION_CALL","args":{},"time":1.9,"location":{"file":"b.js","startLine":7,"startCol":1,"endLine":8,"endCol":2},"origin":"instrumented-file"}`))
		require.NoError(t, err)
		assert.Equal(t, ActionNamedFunctionCall, ev.Kind)
		assert.Equal(t, int64(1), ev.Time)
		assert.Equal(t, OriginInstrumentedFile, ev.Origin)
		assert.Equal(t, 7, ev.Location.StartLine)
		assert.Equal(t, 2, ev.Location.EndCol)
	})

	t.Run("string args are re-parsed", func(t *testing.T) {
		ev, err := ParseEvent([]byte(`{"action":"VALUE_INPUT","args":"{\"value\":\"abc\"}","time":3}`))
		require.NoError(t, err)
		got, ok := ev.Args.GetString("value")
		assert.True(t, ok)
		assert.Equal(t, "abc", got)
		assert.False(t, ev.IsPage())
	})

	t.Run("unparsable string args are kept raw", func(t *testing.T) {
		ev, err := ParseEvent([]byte(`{"action":"VALUE_INPUT","args":"not {json","time":3}`))
		require.NoError(t, err)
		assert.Equal(t, "not {json", ev.Args.Text())
	})

	t.Run("missing action is rejected", func(t *testing.T) {
		_, err := ParseEvent([]byte(`{"args":{},"time":3}`))
		assert.Error(t, err)
	})
}

func TestEvent_MarshalRoundTripKeepsLegacyFlag(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"action":"CONDITIONAL_STATEMENT","args":{"name":"a < b"},"time":5,"pageFile":1}`))
	require.NoError(t, err)

	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"pageFile":true`)
	assert.Contains(t, string(data), `"origin":"page"`)

	again, err := ParseEvent(data)
	require.NoError(t, err)
	assert.Equal(t, ev.Args.Canonical(), again.Args.Canonical())
	assert.Equal(t, ev.Origin, again.Origin)
}

func TestReadEvents_ToleratesMalformedLines(t *testing.T) {
	input := strings.Join([]string{
		`{"action":"INTERACTION_START","args":{"values":["P"]},"time":1}`,
		``,
		`{broken`,
		`{"action":"INTERACTION_END","args":{},"time":2}`,
	}, "\n")

	events, stats := ReadEvents(context.Background(), strings.NewReader(input), nil)
	assert.Len(t, events, 2)
	assert.Equal(t, 4, stats.Lines)
	assert.Equal(t, 1, stats.Malformed)
	assert.Equal(t, 2, stats.Events)
}

func TestStore_AppendReadReset(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(filepath.Join(t.TempDir(), "logs", "trace.log"), nil)
	require.NoError(t, err)

	raw, err := store.Raw()
	require.NoError(t, err)
	assert.Empty(t, raw)

	start, _ := ParseEvent([]byte(`{"action":"INTERACTION_START","args":{"values":["P"]},"time":1}`))
	end, _ := ParseEvent([]byte(`{"action":"INTERACTION_END","args":{},"time":2}`))
	require.NoError(t, store.Append(ctx, start))
	require.NoError(t, store.Append(ctx, end))

	events, stats, err := store.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Malformed)
	require.Len(t, events, 2)
	assert.Equal(t, ActionInteractionEnd, events[1].Kind)

	require.NoError(t, store.Reset())
	events, _, err = store.ReadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func mkEvent(t *testing.T, doc string) Event {
	t.Helper()
	ev, err := ParseEvent([]byte(doc))
	require.NoError(t, err)
	return ev
}

func TestSegment(t *testing.T) {
	t.Run("sorts by time before slicing", func(t *testing.T) {
		events := []Event{
			mkEvent(t, `{"action":"INTERACTION_END","args":{},"time":30}`),
			mkEvent(t, `{"action":"VALUE_INPUT","args":{},"time":5}`),
			mkEvent(t, `{"action":"NAMED_FUNCTION_CALL","args":{"a":"1"},"time":20}`),
			mkEvent(t, `{"action":"INTERACTION_START","args":{"values":["P"]},"time":10}`),
			mkEvent(t, `{"action":"NAMED_FUNCTION_CALL","args":{"a":"2"},"time":40}`),
		}
		in, ok := Segment(events)
		require.True(t, ok)
		require.Len(t, in.Events, 3)
		assert.Equal(t, ActionInteractionStart, in.Events[0].Kind)
		assert.Equal(t, ActionNamedFunctionCall, in.Events[1].Kind)
		assert.Equal(t, ActionInteractionEnd, in.Events[2].Kind)
		assert.Equal(t, ActionInteractionEnd, events[0].Kind, "input must not be reordered")
	})

	t.Run("ties keep submission order", func(t *testing.T) {
		events := []Event{
			mkEvent(t, `{"action":"INTERACTION_START","args":{"values":["P"]},"time":1}`),
			mkEvent(t, `{"action":"NAMED_FUNCTION_CALL","args":{"n":"first"},"time":2}`),
			mkEvent(t, `{"action":"NAMED_FUNCTION_CALL","args":{"n":"second"},"time":2}`),
			mkEvent(t, `{"action":"INTERACTION_END","args":{},"time":3}`),
		}
		in, ok := Segment(events)
		require.True(t, ok)
		first, _ := in.Events[1].Args.GetString("n")
		second, _ := in.Events[2].Args.GetString("n")
		assert.Equal(t, "first", first)
		assert.Equal(t, "second", second)
	})

	t.Run("missing markers", func(t *testing.T) {
		_, ok := Segment([]Event{mkEvent(t, `{"action":"INTERACTION_START","args":{},"time":1}`)})
		assert.False(t, ok)
		_, ok = Segment([]Event{mkEvent(t, `{"action":"INTERACTION_END","args":{},"time":1}`)})
		assert.False(t, ok)
		_, ok = Segment(nil)
		assert.False(t, ok)
	})

	t.Run("end before start is ignored", func(t *testing.T) {
		events := []Event{
			mkEvent(t, `{"action":"INTERACTION_END","args":{},"time":1}`),
			mkEvent(t, `{"action":"INTERACTION_START","args":{"values":["P"]},"time":2}`),
			mkEvent(t, `{"action":"INTERACTION_END","args":{},"time":4}`),
		}
		in, ok := Segment(events)
		require.True(t, ok)
		assert.Equal(t, int64(4), in.End.Time)
		assert.Len(t, in.Events, 2)
	})
}

func TestStartSpec(t *testing.T) {
	t.Run("text field", func(t *testing.T) {
		ev := mkEvent(t, `{"action":"INTERACTION_START","args":{"spec":{"reference":{"id":"amount"}},"values":["P","Q"]},"time":1}`)
		spec, ok := ev.StartSpec()
		require.True(t, ok)
		assert.Equal(t, []string{"P", "Q"}, spec.Values)
		require.Len(t, spec.Declarations, 2)
		assert.Equal(t, `{"id":"amount"}`, spec.Declarations[1].Reference.Canonical())
	})

	t.Run("choice field", func(t *testing.T) {
		ev := mkEvent(t, `{"action":"INTERACTION_START","args":{"spec":{"name":"size","options":[{"reference":{"id":"s"},"value":"small"},{"reference":{"id":"l"},"value":"large"}]},"values":["small","large"]},"time":1}`)
		spec, ok := ev.StartSpec()
		require.True(t, ok)
		require.Len(t, spec.Declarations, 2)
		assert.Equal(t, "large", spec.Declarations[1].Value)
		assert.Equal(t, `{"id":"l"}`, spec.Declarations[1].Reference.Canonical())
	})

	t.Run("not a start event", func(t *testing.T) {
		_, ok := mkEvent(t, `{"action":"VALUE_INPUT","args":{"values":["P"]},"time":1}`).StartSpec()
		assert.False(t, ok)
	})
}
