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
	"sort"

	"github.com/AleutianAI/constraintminer/services/constraints/payload"
)

// Interaction is the window of events belonging to one form interaction.
type Interaction struct {
	// Start is the first INTERACTION_START event.
	Start Event

	// End is the first INTERACTION_END event that follows Start.
	End Event

	// Events holds every event with Start.Time <= time <= End.Time, sorted
	// by time with ties kept in submission order. It includes Start and End.
	Events []Event
}

// PageEvents returns the page-origin events of the window in order.
func (in Interaction) PageEvents() []Event {
	out := make([]Event, 0, len(in.Events))
	for _, ev := range in.Events {
		if ev.IsPage() {
			out = append(out, ev)
		}
	}
	return out
}

// Segment extracts the interaction window from events.
//
// Description:
//
//	The events are stable-sorted by time. The window opens at the first
//	INTERACTION_START and closes at the first INTERACTION_END after it.
//	The input slice is not modified.
//
// Outputs:
//
//	Interaction - The window.
//	bool - False when either marker is missing. This is a normal outcome
//	       for runs where no validation logic was observed.
func Segment(events []Event) (Interaction, bool) {
	sorted := make([]Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Time < sorted[j].Time
	})

	startIdx := -1
	for i, ev := range sorted {
		if ev.Kind == ActionInteractionStart {
			startIdx = i
			break
		}
	}
	if startIdx < 0 {
		return Interaction{}, false
	}

	endIdx := -1
	for i := startIdx + 1; i < len(sorted); i++ {
		if sorted[i].Kind == ActionInteractionEnd {
			endIdx = i
			break
		}
	}
	if endIdx < 0 {
		return Interaction{}, false
	}

	start, end := sorted[startIdx], sorted[endIdx]
	window := make([]Event, 0, endIdx-startIdx+1)
	for _, ev := range sorted {
		if ev.Time >= start.Time && ev.Time <= end.Time {
			window = append(window, ev)
		}
	}
	return Interaction{Start: start, End: end, Events: window}, true
}

// =============================================================================
// Interaction Start Payload
// =============================================================================

// ProbeDeclaration pairs one probe value with the descriptor of the field
// it was typed into.
type ProbeDeclaration struct {
	Value     string
	Reference *payload.Value
}

// StartSpec is the typed payload of an INTERACTION_START event.
type StartSpec struct {
	// Values are the probe values declared for the interaction.
	Values []string

	// Declarations bind probe values to field references.
	Declarations []ProbeDeclaration
}

// StartSpec decodes the payload of an INTERACTION_START event.
//
// Description:
//
//	Two shapes are understood. A text field declares
//	{spec:{reference}, values:[...]} and every value binds to the single
//	reference. A choice field declares {spec:{options:[{value, reference}]},
//	values:[...]} and each option value binds to its own reference.
//
// Outputs:
//
//	StartSpec - The decoded payload.
//	bool - False if the event is not an interaction start or declares no
//	       probe values.
func (e Event) StartSpec() (StartSpec, bool) {
	if e.Kind != ActionInteractionStart {
		return StartSpec{}, false
	}
	var spec StartSpec
	if values, ok := e.Args.Get("values"); ok {
		for _, v := range values.Items() {
			if t := v.Text(); t != "" {
				spec.Values = append(spec.Values, t)
			}
		}
	}

	if options, ok := e.Args.Path("spec", "options"); ok && options.Kind() == payload.KindArray {
		for _, opt := range options.Items() {
			val, _ := opt.Get("value")
			ref, _ := opt.Get("reference")
			if val.Text() == "" || ref == nil {
				continue
			}
			spec.Declarations = append(spec.Declarations, ProbeDeclaration{Value: val.Text(), Reference: ref})
		}
	} else if ref, ok := e.Args.Path("spec", "reference"); ok {
		for _, v := range spec.Values {
			spec.Declarations = append(spec.Declarations, ProbeDeclaration{Value: v, Reference: ref})
		}
	}

	if len(spec.Values) == 0 {
		return StartSpec{}, false
	}
	return spec, true
}
