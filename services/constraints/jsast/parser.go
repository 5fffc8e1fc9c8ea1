// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package jsast re-parses JavaScript code slices taken from query results.
package jsast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
)

var (
	// ErrParse indicates a slice could not be parsed or held no comparison.
	ErrParse = errors.New("jsast: parse failed")

	// ErrSliceTooLarge indicates a slice exceeded the configured maximum size.
	ErrSliceTooLarge = errors.New("jsast: slice too large")
)

// Node types used by the comparison search.
const (
	nodeBinaryExpression        = "binary_expression"
	nodeParenthesizedExpression = "parenthesized_expression"
	nodeUnaryExpression         = "unary_expression"
	nodeNumber                  = "number"
	nodeString                  = "string"
	nodeTemplateString          = "template_string"
	nodeTemplateSubstitution    = "template_substitution"
	nodeRegex                   = "regex"
	nodeTrue                    = "true"
	nodeFalse                   = "false"
	nodeNull                    = "null"
	nodeUndefined               = "undefined"
	nodeIdentifier              = "identifier"
)

var comparisonOperators = map[string]string{
	"==":  "==",
	"===": "===",
	"!=":  "!=",
	"!==": "!==",
	"<":   ">",
	"<=":  ">=",
	">":   "<",
	">=":  "<=",
}

// MirrorOperator returns the operator with its operands swapped, so that
// "0 < x" and "x > 0" read the same. Unknown operators are returned as is.
func MirrorOperator(op string) string {
	if m, ok := comparisonOperators[op]; ok {
		return m
	}
	return op
}

// IsComparisonOperator reports whether op is a relational or equality operator.
func IsComparisonOperator(op string) bool {
	_, ok := comparisonOperators[op]
	return ok
}

// Operand is one side of a comparison.
type Operand struct {
	// Text is the exact source text of the operand.
	Text string

	// NodeType is the tree-sitter node type, after unwrapping parentheses.
	NodeType string

	// Literal is true for number, string, regex, boolean, null and
	// undefined operands, including negated numbers.
	Literal bool
}

// Comparison is a binary comparison found in a slice.
type Comparison struct {
	Operator string
	Left     Operand
	Right    Operand

	// Text is the source text of the whole comparison.
	Text string
}

// SliceParserOptions configures SliceParser behavior.
type SliceParserOptions struct {
	// MaxSliceSize is the largest slice in bytes that will be parsed.
	// Default: 64KB
	MaxSliceSize int
}

// DefaultSliceParserOptions returns the default options.
func DefaultSliceParserOptions() SliceParserOptions {
	return SliceParserOptions{MaxSliceSize: 64 * 1024}
}

// SliceParserOption is a functional option for configuring SliceParser.
type SliceParserOption func(*SliceParserOptions)

// WithMaxSliceSize sets the maximum slice size.
func WithMaxSliceSize(size int) SliceParserOption {
	return func(o *SliceParserOptions) {
		o.MaxSliceSize = size
	}
}

// SliceParser parses JavaScript fragments with tree-sitter.
//
// Thread Safety:
//
//	SliceParser is safe for concurrent use. Each call creates its own
//	tree-sitter parser instance.
type SliceParser struct {
	options SliceParserOptions
}

// NewSliceParser creates a SliceParser with the given options.
func NewSliceParser(opts ...SliceParserOption) *SliceParser {
	options := DefaultSliceParserOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &SliceParser{options: options}
}

// FindComparison parses slice and returns its first comparison.
//
// Description:
//
//	The slice is parsed as a program. The syntax tree is searched in
//	pre-order for the first binary expression whose operator is a
//	comparison. Slices cut out of larger statements may carry syntax
//	errors; they are accepted as long as a comparison is found.
//
// Inputs:
//
//	ctx   - Context for cancellation. Checked before parsing.
//	slice - JavaScript source text.
//
// Outputs:
//
//	*Comparison - The comparison. Never nil on success.
//	error       - ErrSliceTooLarge, or ErrParse when nothing usable was found.
func (p *SliceParser) FindComparison(ctx context.Context, slice string) (*Comparison, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("slice parse canceled before start: %w", err)
	}
	if len(slice) > p.options.MaxSliceSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrSliceTooLarge, len(slice))
	}
	if strings.TrimSpace(slice) == "" || !utf8.ValidString(slice) {
		return nil, fmt.Errorf("%w: empty or invalid slice", ErrParse)
	}

	content := []byte(slice)
	parser := sitter.NewParser()
	parser.SetLanguage(javascript.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return nil, fmt.Errorf("%w: tree-sitter returned nil root node", ErrParse)
	}

	node := findComparison(root, content)
	if node == nil {
		return nil, fmt.Errorf("%w: no comparison in %q", ErrParse, slice)
	}

	left := node.ChildByFieldName("left")
	right := node.ChildByFieldName("right")
	op := node.ChildByFieldName("operator")
	if left == nil || right == nil || op == nil {
		return nil, fmt.Errorf("%w: incomplete comparison in %q", ErrParse, slice)
	}

	return &Comparison{
		Operator: op.Type(),
		Left:     operand(left, content),
		Right:    operand(right, content),
		Text:     node.Content(content),
	}, nil
}

func findComparison(node *sitter.Node, content []byte) *sitter.Node {
	if node.Type() == nodeBinaryExpression {
		if op := node.ChildByFieldName("operator"); op != nil && IsComparisonOperator(op.Type()) {
			return node
		}
	}
	for i := 0; i < int(node.NamedChildCount()); i++ {
		if found := findComparison(node.NamedChild(i), content); found != nil {
			return found
		}
	}
	return nil
}

func operand(node *sitter.Node, content []byte) Operand {
	text := node.Content(content)
	inner := unwrap(node)
	return Operand{
		Text:     text,
		NodeType: inner.Type(),
		Literal:  isLiteral(inner, content),
	}
}

func unwrap(node *sitter.Node) *sitter.Node {
	for node.Type() == nodeParenthesizedExpression && node.NamedChildCount() == 1 {
		node = node.NamedChild(0)
	}
	return node
}

func isLiteral(node *sitter.Node, content []byte) bool {
	switch node.Type() {
	case nodeNumber, nodeString, nodeRegex, nodeTrue, nodeFalse, nodeNull, nodeUndefined:
		return true
	case nodeTemplateString:
		for i := 0; i < int(node.NamedChildCount()); i++ {
			if node.NamedChild(i).Type() == nodeTemplateSubstitution {
				return false
			}
		}
		return true
	case nodeUnaryExpression:
		arg := node.ChildByFieldName("argument")
		op := node.ChildByFieldName("operator")
		if arg == nil || op == nil {
			return false
		}
		return (op.Type() == "-" || op.Type() == "+") && unwrap(arg).Type() == nodeNumber
	case nodeIdentifier:
		return node.Content(content) == "undefined"
	}
	return false
}
