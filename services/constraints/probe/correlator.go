// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package probe

import (
	"fmt"
	"log/slog"

	"github.com/AleutianAI/constraintminer/services/constraints/payload"
	"github.com/AleutianAI/constraintminer/services/constraints/tracelog"
)

// PointOfInterest is a code location where a probe value was observed.
type PointOfInterest struct {
	Expression string            `json:"expression"`
	Location   tracelog.Location `json:"location"`
}

// Key identifies the point by expression, file and start line.
func (p PointOfInterest) Key() string {
	return fmt.Sprintf("%s\x00%s\x00%d", p.Expression, p.Location.File, p.Location.StartLine)
}

// AttributeExpression names the expression that carried a matched probe
// value in ev.
//
// Description:
//
//	container and key are the hit returned by payload.HasValue over ev.Args.
//	The attribution depends on the event kind:
//
//	  NAMED_FUNCTION_CALL           the matched field name (the parameter)
//	  CONDITIONAL_* and BINARY_*    the container "name", else "expression"
//	  VARIABLE_*                    the container "expression"
//	  anything else                 the container "expression" when present
//
// Outputs:
//
//	string - The expression text.
//	bool - False if the event carries no usable expression.
func AttributeExpression(ev tracelog.Event, container *payload.Value, key string) (string, bool) {
	switch ev.Kind {
	case tracelog.ActionNamedFunctionCall:
		return key, key != ""
	case tracelog.ActionConditionalExpression, tracelog.ActionConditionalStatement, tracelog.ActionBinaryExpression:
		if name, ok := container.GetString("name"); ok && name != "" {
			return name, true
		}
		return nonEmpty(container.GetString("expression"))
	default:
		return nonEmpty(container.GetString("expression"))
	}
}

func nonEmpty(s string, ok bool) (string, bool) {
	return s, ok && s != ""
}

// Correlator finds points of interest for one interaction.
//
// Thread Safety: Stateless; safe for concurrent use. The Bindings and
// ExpressionMap passed to Correlate are not.
type Correlator struct {
	logger *slog.Logger
}

// NewCorrelator creates a Correlator. A nil logger uses slog.Default().
func NewCorrelator(logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{logger: logger}
}

// Correlate updates the correlation state from in and returns its points of
// interest.
//
// Description:
//
//	Runs in three steps:
//	  1. Every page event is searched for every probe value already bound by
//	     earlier interactions; hits are recorded in exprs so that a later
//	     variable comparison can be traced back to the other field.
//	  2. The probe values declared by in.Start are added to bindings.
//	  3. FindMagicValues locates the declared probe values of this
//	     interaction.
//
//	Step 1 runs before step 2, so an interaction never maps its own probe
//	values into exprs.
//
// Outputs:
//
//	[]PointOfInterest - Deduplicated points, empty when there are no page
//	                    events or not every declared probe was found.
func (c *Correlator) Correlate(in tracelog.Interaction, bindings *Bindings, exprs *ExpressionMap) []PointOfInterest {
	pageEvents := in.PageEvents()

	for _, value := range bindings.Values() {
		for _, ev := range pageEvents {
			found, container, key := payload.HasValue(ev.Args, value)
			if !found {
				continue
			}
			expression, ok := AttributeExpression(ev, container, key)
			if !ok {
				continue
			}
			exprs.Set(expression, FieldBinding{
				References:      bindings.References(value),
				GeneralLocation: ev.Location,
			})
		}
	}

	spec, ok := in.Start.StartSpec()
	if !ok {
		c.logger.Info("interaction start declares no probe values")
		return []PointOfInterest{}
	}
	bindings.AddDeclarations(spec.Declarations)

	if len(pageEvents) == 0 {
		return []PointOfInterest{}
	}

	points := c.FindMagicValues(pageEvents, spec.Values)
	return dedupe(points)
}

// FindMagicValues requires every probe value to appear in at least one of
// events.
//
// Description:
//
//	For each value, every page event is searched with payload.HasValue and
//	each hit contributes one point. If any value has no hit at all the
//	result is empty: partial coverage is no usable signal. Hits whose event
//	has no location or no attributable expression still count towards the
//	coverage check but do not yield a point.
func (c *Correlator) FindMagicValues(events []tracelog.Event, values []string) []PointOfInterest {
	if len(values) == 0 {
		return []PointOfInterest{}
	}
	points := make([]PointOfInterest, 0)
	for _, value := range values {
		hits := 0
		for _, ev := range events {
			if !ev.IsPage() {
				continue
			}
			found, container, key := payload.HasValue(ev.Args, value)
			if !found {
				continue
			}
			hits++
			expression, ok := AttributeExpression(ev, container, key)
			if !ok || ev.Location == nil {
				c.logger.Debug("probe hit without expression or location",
					slog.String("action", string(ev.Kind)),
					slog.String("key", key),
				)
				continue
			}
			points = append(points, PointOfInterest{Expression: expression, Location: *ev.Location})
		}
		if hits == 0 {
			c.logger.Info("probe value not observed, no usable signal",
				slog.String("probe", value),
				slog.Int("declared", len(values)),
			)
			return []PointOfInterest{}
		}
	}
	return points
}

func dedupe(points []PointOfInterest) []PointOfInterest {
	seen := make(map[string]struct{}, len(points))
	out := make([]PointOfInterest, 0, len(points))
	for _, p := range points {
		k := p.Key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, p)
	}
	return out
}
