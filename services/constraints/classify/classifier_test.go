// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package classify

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/constraintminer/services/constraints/oracle"
	"github.com/AleutianAI/constraintminer/services/constraints/payload"
	"github.com/AleutianAI/constraintminer/services/constraints/probe"
	"github.com/AleutianAI/constraintminer/services/constraints/results"
)

func finding(kind oracle.Kind, slice, expr string) results.Finding {
	return results.Finding{Kind: kind, Slice: slice, Point: probe.PointOfInterest{Expression: expr}}
}

func TestClassify_LiteralComp(t *testing.T) {
	c := NewClassifier(nil, nil)
	cand, err := c.ClassifyOne(context.Background(), finding(oracle.KindLiteralComp, "value <= 0", "value"), nil)
	require.NoError(t, err)

	data, err := json.Marshal(cand)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"LiteralComp","operator":"<=","otherValue":"0"}`, string(data))
}

func TestClassify_LiteralOnLeftIsMirrored(t *testing.T) {
	c := NewClassifier(nil, nil)
	cand, err := c.ClassifyOne(context.Background(), finding(oracle.KindLiteralLengthComp, "8 > __FIELD_VALUE__.length", ""), nil)
	require.NoError(t, err)
	assert.Equal(t, TypeLiteralLengthComp, cand.Type)
	assert.Equal(t, "<", cand.Operator)
	assert.Equal(t, "8", cand.OtherValue.Text())
}

func TestClassify_VarComp(t *testing.T) {
	c := NewClassifier(nil, nil)
	ctx := context.Background()
	ref := payload.Object(payload.Field{Key: "access_method", Value: payload.String("id")}, payload.Field{Key: "access_value", Value: payload.String("amount")})

	exprs := probe.NewExpressionMap()
	exprs.Set("otherValue", probe.FieldBinding{References: []*payload.Value{ref}})

	cand, err := c.ClassifyOne(ctx, finding(oracle.KindVarComp, "otherValue <= value", "value"), exprs)
	require.NoError(t, err)
	data, err := json.Marshal(cand)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"VarComp","operator":">=","otherValue":{"type":"reference","value":{"access_method":"id","access_value":"amount"}}}`, string(data))

	cand, err = c.ClassifyOne(ctx, finding(oracle.KindVarComp, "value < limit", "value"), exprs)
	require.NoError(t, err)
	data, err = json.Marshal(cand)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"VarComp","operator":"<","otherValue":{"type":"unknown-variable","value":"limit"}}`, string(data))

	_, err = c.ClassifyOne(ctx, finding(oracle.KindVarComp, "value < 3", "value"), exprs)
	assert.ErrorIs(t, err, ErrNoOperand)
}

func TestClassify_Patterns(t *testing.T) {
	c := NewClassifier(nil, nil)
	ctx := context.Background()

	cand, err := c.ClassifyOne(ctx, finding(oracle.KindPatternTest, "/^[0-9]{5}$/", ""), nil)
	require.NoError(t, err)
	assert.Equal(t, Candidate{Type: TypePatternTest, Pattern: "/^[0-9]{5}$/"}, cand)

	cand, err = c.ClassifyOne(ctx, finding(oracle.KindStringMatch, `"@"`, ""), nil)
	require.NoError(t, err)
	assert.Equal(t, Candidate{Type: TypePatternTest, Pattern: "@"}, cand)
}

func TestClassify_SkipsBadSlicesAndDedupes(t *testing.T) {
	c := NewClassifier(nil, nil)
	findings := []results.Finding{
		finding(oracle.KindLiteralComp, "value <= 0", "value"),
		finding(oracle.KindLiteralComp, "this is ( not js", "value"),
		finding(oracle.KindLiteralComp, "value <= 0", "value"),
		finding(oracle.Kind("Unknown"), "x", ""),
		finding(oracle.KindPatternTest, "/a/", ""),
	}
	cands, stats := c.Classify(context.Background(), findings, nil)
	require.Len(t, cands, 2)
	assert.Equal(t, TypeLiteralComp, cands[0].Type)
	assert.Equal(t, TypePatternTest, cands[1].Type)
	assert.Equal(t, 2, stats.Skipped)
	assert.Equal(t, 1, stats.Duplicates)
}

func TestClassify_EmptyInputNeverNil(t *testing.T) {
	cands, _ := NewClassifier(nil, nil).Classify(context.Background(), nil, nil)
	assert.NotNil(t, cands)
	assert.Empty(t, cands)
}
