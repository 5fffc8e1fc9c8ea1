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
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/constraintminer/services/constraints/classify"
	"github.com/AleutianAI/constraintminer/services/constraints/oracle"
	"github.com/AleutianAI/constraintminer/services/constraints/pipeline"
)

// Handlers exposes a Service over HTTP.
//
// Thread Safety: Safe for concurrent use.
type Handlers struct {
	svc *Service
}

// NewHandlers creates the HTTP handlers for svc.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

const requestIDHeader = "X-Request-ID"

func getOrCreateRequestID(c *gin.Context) string {
	id := c.GetHeader(requestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	c.Header(requestIDHeader, id)
	return id
}

// BodyLimit caps request bodies at n bytes.
func BodyLimit(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		c.Next()
	}
}

// CORS answers cross-origin requests from instrumented pages.
//
// Description:
//
//	The probe script posts traces from the page's own origin, so every
//	record call is preceded by a preflight. Preflights are answered with
//	204 here, before routing, because no OPTIONS routes exist. An origin
//	list containing "*" allows any origin.
func CORS(origins []string) gin.HandlerFunc {
	allowAny := len(origins) == 0 || slices.Contains(origins, "*")
	return func(c *gin.Context) {
		h := c.Writer.Header()
		origin := strings.TrimSpace(c.GetHeader("Origin"))
		switch {
		case allowAny:
			h.Set("Access-Control-Allow-Origin", "*")
		case origin != "" && slices.Contains(origins, origin):
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
		}
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, "+requestIDHeader)
		h.Set("Access-Control-Expose-Headers", strings.Join([]string{requestIDHeader, HeaderRunID, HeaderInstrumented, HeaderOutcome}, ", "))
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

// =============================================================================
// Analysis
// =============================================================================

// HandleRecord handles POST /analysis/record.
//
// Description:
//
//	Appends one trace event to the trace log and responds with the whole
//	log, one event per line.
//
// Response:
//
//	200 OK: application/x-ndjson trace log
//	400 Bad Request: body is not a trace event
//	413 Request Entity Too Large: body exceeds server.max_body_bytes
func (h *Handlers) HandleRecord(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleRecord")

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		if isTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: err.Error(), Code: CodeRequestTooLarge})
			return
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: CodeInvalidRequest})
		return
	}

	traceLog, err := h.svc.Record(c.Request.Context(), body)
	if err != nil {
		if errors.Is(err, ErrInvalidEvent) {
			logger.Warn("rejected trace event", slog.String("error", err.Error()))
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: CodeInvalidEvent})
			return
		}
		logger.Error("recording trace event failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: CodeInternal})
		return
	}
	c.Data(http.StatusOK, "application/x-ndjson", traceLog)
}

// HandleAnalyzeStore handles GET /analysis/candidates.
//
// Description:
//
//	Runs the pipeline over the recorded trace log.
//
// Response:
//
//	200 OK: CandidatesResponse
//	500 Internal Server Error: ErrorResponse when the oracle fails
func (h *Handlers) HandleAnalyzeStore(c *gin.Context) {
	h.analyze(c, nil)
}

// HandleAnalyzeTraces handles POST /analysis/candidates.
//
// Description:
//
//	Runs the pipeline over the trace lines in the request body. An empty
//	or missing list analyzes nothing and yields no candidates.
func (h *Handlers) HandleAnalyzeTraces(c *gin.Context) {
	var req CandidatesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		code, status := CodeInvalidRequest, http.StatusBadRequest
		if isTooLarge(err) {
			code, status = CodeRequestTooLarge, http.StatusRequestEntityTooLarge
		}
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	lines := req.Traces
	if lines == nil {
		lines = []string{}
	}
	h.analyze(c, lines)
}

func (h *Handlers) analyze(c *gin.Context, lines []string) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleCandidates")

	report, err := h.svc.Analyze(c.Request.Context(), lines)
	if err != nil {
		status, code := analysisErrorStatus(err)
		logger.Error("analysis failed", slog.String("error", err.Error()), slog.String("code", code))
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	writeCandidates(c, report)
}

func writeCandidates(c *gin.Context, report *pipeline.Report) {
	cands := report.Candidates
	if cands == nil {
		cands = []classify.Candidate{}
	}
	c.Header(HeaderRunID, report.RunID)
	c.JSON(http.StatusOK, CandidatesResponse{Candidates: cands})
}

func analysisErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, oracle.ErrDatabaseBuild):
		return http.StatusInternalServerError, CodeDatabaseBuild
	case errors.Is(err, oracle.ErrQueryFailed):
		return http.StatusInternalServerError, CodeQueryFailed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, CodeCanceled
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// =============================================================================
// Instrumentation
// =============================================================================

// HandleInstrument handles POST /instrumentation/instrument.
//
// Description:
//
//	Returns the instrumented script, or the original when the rewriter
//	fails. The X-Instrumented header tells the two apart.
//
// Response:
//
//	200 OK: application/javascript body
//	400 Bad Request: missing source
//	404 Not Found: instrumentation disabled
func (h *Handlers) HandleInstrument(c *gin.Context) {
	var req InstrumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		code, status := CodeInvalidRequest, http.StatusBadRequest
		if isTooLarge(err) {
			code, status = CodeRequestTooLarge, http.StatusRequestEntityTooLarge
		}
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}

	res, err := h.svc.Instrument(c.Request.Context(), req.Name, []byte(req.Source))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: CodeDisabled})
		return
	}
	c.Header(HeaderInstrumented, strconv.FormatBool(res.Instrumented))
	c.Header(HeaderOutcome, res.Outcome)
	c.Data(http.StatusOK, "application/javascript; charset=utf-8", res.Content)
}

// =============================================================================
// Admin
// =============================================================================

// HandleClean handles GET /admin/clean.
func (h *Handlers) HandleClean(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleClean")
	if err := h.svc.Clean(c.Request.Context()); err != nil {
		logger.Error("cleanup failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: CodeCleanupFailed})
		return
	}
	c.JSON(http.StatusOK, CleanResponse{Status: "cleaned"})
}

// HandleEvents handles GET /admin/events by upgrading to a websocket.
func (h *Handlers) HandleEvents(c *gin.Context) {
	h.svc.Events().ServeHTTP(c.Writer, c.Request)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Health())
}
