// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package constraints

import (
	"github.com/AleutianAI/constraintminer/services/constraints/classify"
)

// =============================================================================
// Request Types
// =============================================================================

// CandidatesRequest is the body of POST /analysis/candidates.
type CandidatesRequest struct {
	// Traces are raw trace lines in submission order.
	Traces []string `json:"traces"`
}

// InstrumentRequest is the body of POST /instrumentation/instrument.
type InstrumentRequest struct {
	// Name is the script file name. Defaults to the configured name.
	Name string `json:"name"`

	// Source is the original script.
	Source string `json:"source" binding:"required"`
}

// =============================================================================
// Response Types
// =============================================================================

// CandidatesResponse lists constraint candidates. Candidates is never null.
type CandidatesResponse struct {
	Candidates []classify.Candidate `json:"candidates"`
}

// CleanResponse acknowledges a cleanup.
type CleanResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Error codes of ErrorResponse.
const (
	CodeInvalidRequest  = "INVALID_REQUEST"
	CodeInvalidEvent    = "INVALID_EVENT"
	CodeDatabaseBuild   = "DATABASE_BUILD_FAILED"
	CodeQueryFailed     = "QUERY_FAILED"
	CodeCanceled        = "CANCELED"
	CodeDisabled        = "INSTRUMENTATION_DISABLED"
	CodeInternal        = "INTERNAL_ERROR"
	CodeCleanupFailed   = "CLEANUP_FAILED"
	CodeRequestTooLarge = "REQUEST_TOO_LARGE"
)

// Response headers set by the analysis and instrumentation handlers.
const (
	HeaderRunID        = "X-Run-ID"
	HeaderInstrumented = "X-Instrumented"
	HeaderOutcome      = "X-Instrument-Outcome"
)
