// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package classify turns decoded findings into typed constraint candidates.
package classify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/constraintminer/services/constraints/jsast"
	"github.com/AleutianAI/constraintminer/services/constraints/oracle"
	"github.com/AleutianAI/constraintminer/services/constraints/payload"
	"github.com/AleutianAI/constraintminer/services/constraints/probe"
	"github.com/AleutianAI/constraintminer/services/constraints/results"
	"github.com/AleutianAI/constraintminer/services/constraints/telemetry"
)

// Candidate types as consumed by the automation client.
const (
	TypeLiteralComp       = "LiteralComp"
	TypeLiteralLengthComp = "LiteralLengthComp"
	TypeVarComp           = "VarComp"
	TypePatternTest       = "PatternTest"
)

// Kinds of a VarComp otherValue.
const (
	OtherReference       = "reference"
	OtherUnknownVariable = "unknown-variable"
)

// ErrUnsupported indicates a finding kind with no classification handler.
var ErrUnsupported = errors.New("classify: unsupported finding kind")

// ErrNoOperand indicates a comparison lacked the expected operand shape.
var ErrNoOperand = errors.New("classify: comparison has no usable operand")

// Candidate is one inferred constraint.
type Candidate struct {
	Type       string         `json:"type"`
	Operator   string         `json:"operator,omitempty"`
	OtherValue *payload.Value `json:"otherValue,omitempty"`
	Pattern    string         `json:"pattern,omitempty"`
}

// Key identifies the candidate for de-duplication.
func (c Candidate) Key() string {
	return c.Type + "\x00" + c.Operator + "\x00" + c.OtherValue.Canonical() + "\x00" + c.Pattern
}

// ComparisonParser finds the comparison in a code slice.
type ComparisonParser interface {
	FindComparison(ctx context.Context, slice string) (*jsast.Comparison, error)
}

type handler func(ctx context.Context, f results.Finding, exprs *probe.ExpressionMap) (Candidate, error)

// Stats counts classification outcomes.
type Stats struct {
	Candidates int `json:"candidates"`
	Duplicates int `json:"duplicates"`
	Skipped    int `json:"skipped"`
}

// Classifier dispatches findings to a handler per constraint kind.
//
// Thread Safety: Safe for concurrent use if the parser is.
type Classifier struct {
	parser   ComparisonParser
	logger   *slog.Logger
	handlers map[oracle.Kind]handler
}

// NewClassifier creates a Classifier. A nil parser uses jsast.NewSliceParser.
func NewClassifier(parser ComparisonParser, logger *slog.Logger) *Classifier {
	if parser == nil {
		parser = jsast.NewSliceParser()
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Classifier{parser: parser, logger: logger}
	c.handlers = map[oracle.Kind]handler{
		oracle.KindLiteralComp:       c.literal(TypeLiteralComp),
		oracle.KindLiteralLengthComp: c.literal(TypeLiteralLengthComp),
		oracle.KindVarComp:           c.variable,
		oracle.KindPatternTest:       pattern,
		oracle.KindStringMatch:       pattern,
	}
	return c
}

// Classify classifies every finding.
//
// Description:
//
//	Findings whose slice cannot be parsed or lack the expected shape are
//	logged and skipped. Candidates are de-duplicated, keeping the first.
//
// Inputs:
//
//	ctx - Context for tracing.
//	findings - Decoded findings.
//	exprs - The expression to field map used for VarComp resolution. May be nil.
//
// Outputs:
//
//	[]Candidate - Never nil.
//	Stats - Counters.
func (c *Classifier) Classify(ctx context.Context, findings []results.Finding, exprs *probe.ExpressionMap) ([]Candidate, Stats) {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "classify.Classifier.Classify")
	defer span.End()

	out := make([]Candidate, 0, len(findings))
	seen := make(map[string]struct{}, len(findings))
	var stats Stats
	for _, f := range findings {
		cand, err := c.ClassifyOne(ctx, f, exprs)
		if err != nil {
			c.logger.Warn("finding skipped",
				slog.String("kind", string(f.Kind)),
				slog.String("query", f.Query),
				slog.String("slice", f.Slice),
				slog.String("error", err.Error()),
			)
			stats.Skipped++
			continue
		}
		key := cand.Key()
		if _, dup := seen[key]; dup {
			stats.Duplicates++
			continue
		}
		seen[key] = struct{}{}
		out = append(out, cand)
		telemetry.RecordCandidate(cand.Type)
	}
	stats.Candidates = len(out)
	telemetry.RecordSkipped("slice", "unclassifiable", stats.Skipped)

	span.SetAttributes(
		attribute.Int("findings", len(findings)),
		attribute.Int("candidates", stats.Candidates),
		attribute.Int("skipped", stats.Skipped),
	)
	return out, stats
}

// ClassifyOne classifies a single finding.
func (c *Classifier) ClassifyOne(ctx context.Context, f results.Finding, exprs *probe.ExpressionMap) (Candidate, error) {
	h, ok := c.handlers[f.Kind]
	if !ok {
		return Candidate{}, fmt.Errorf("%w: %q", ErrUnsupported, f.Kind)
	}
	return h(ctx, f, exprs)
}

func (c *Classifier) literal(candidateType string) handler {
	return func(ctx context.Context, f results.Finding, _ *probe.ExpressionMap) (Candidate, error) {
		cmp, err := c.parser.FindComparison(ctx, f.Slice)
		if err != nil {
			return Candidate{}, err
		}
		switch {
		case cmp.Right.Literal:
			return Candidate{Type: candidateType, Operator: cmp.Operator, OtherValue: payload.String(cmp.Right.Text)}, nil
		case cmp.Left.Literal:
			return Candidate{Type: candidateType, Operator: jsast.MirrorOperator(cmp.Operator), OtherValue: payload.String(cmp.Left.Text)}, nil
		}
		return Candidate{}, fmt.Errorf("%w: no literal in %q", ErrNoOperand, cmp.Text)
	}
}

func (c *Classifier) variable(ctx context.Context, f results.Finding, exprs *probe.ExpressionMap) (Candidate, error) {
	cmp, err := c.parser.FindComparison(ctx, f.Slice)
	if err != nil {
		return Candidate{}, err
	}

	field, other := cmp.Left, cmp.Right
	operator := cmp.Operator
	if isFieldOperand(cmp.Right.Text, f.Point.Expression) && !isFieldOperand(cmp.Left.Text, f.Point.Expression) {
		field, other = cmp.Right, cmp.Left
		operator = jsast.MirrorOperator(operator)
	}
	if other.Literal {
		return Candidate{}, fmt.Errorf("%w: %q compares %s to a literal", ErrNoOperand, cmp.Text, field.Text)
	}

	value := payload.Object(
		payload.Field{Key: "type", Value: payload.String(OtherUnknownVariable)},
		payload.Field{Key: "value", Value: payload.String(other.Text)},
	)
	if binding, ok := exprs.Lookup(other.Text); ok {
		if ref := binding.FirstReference(); ref != nil {
			value = payload.Object(
				payload.Field{Key: "type", Value: payload.String(OtherReference)},
				payload.Field{Key: "value", Value: ref},
			)
		}
	}
	return Candidate{Type: TypeVarComp, Operator: operator, OtherValue: value}, nil
}

func isFieldOperand(text, expression string) bool {
	text = strings.TrimSpace(text)
	return text == expression || text == results.FieldValuePlaceholder ||
		(expression != "" && text == oracle.ShortenExpression(expression))
}

func pattern(_ context.Context, f results.Finding, _ *probe.ExpressionMap) (Candidate, error) {
	p := strings.TrimSpace(f.Slice)
	if p == "" {
		return Candidate{}, fmt.Errorf("%w: empty pattern", ErrNoOperand)
	}
	if len(p) >= 2 && strings.ContainsRune(`"'`+"`", rune(p[0])) && p[len(p)-1] == p[0] {
		p = p[1 : len(p)-1]
	}
	return Candidate{Type: TypePatternTest, Pattern: p}, nil
}
