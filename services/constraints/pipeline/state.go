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
	"sync"

	"github.com/AleutianAI/constraintminer/services/constraints/probe"
)

// CorrelationState is the session-scoped correlation data.
//
// Description:
//
//	Probe bindings and the expression to field map outlive a single run so
//	that a variable comparison found for one field can resolve a probe
//	declared for an earlier field. Both are cleared by Reset.
//
// Thread Safety: Safe for concurrent use. The pipeline holds the lock for
// the duration of correlation and classification.
type CorrelationState struct {
	mu          sync.Mutex
	bindings    *probe.Bindings
	expressions *probe.ExpressionMap
}

// NewCorrelationState creates an empty state.
func NewCorrelationState() *CorrelationState {
	return &CorrelationState{
		bindings:    probe.NewBindings(),
		expressions: probe.NewExpressionMap(),
	}
}

// With runs fn while holding the state lock.
func (s *CorrelationState) With(fn func(b *probe.Bindings, m *probe.ExpressionMap)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.bindings, s.expressions)
}

// Sizes returns the number of bound probe values and mapped expressions.
func (s *CorrelationState) Sizes() (bindings, expressions int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bindings.Len(), s.expressions.Len()
}

// Reset clears both structures.
func (s *CorrelationState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings.Reset()
	s.expressions.Reset()
}
