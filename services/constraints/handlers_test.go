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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/constraintminer/services/constraints/config"
	"github.com/AleutianAI/constraintminer/services/constraints/oracle"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testSource = "function check(value) {\n  if (value <= 0) {\n    reject();\n  }\n}\n"

var testTrace = []string{
	`{"action":"INTERACTION_START","args":{"spec":{"reference":{"id":"amount"}},"values":["P1"]},"time":1}`,
	`{"action":"CONDITIONAL_STATEMENT","args":{"name":"value","expression":"value <= 0","value":"P1"},"time":2,"location":{"file":"form.js","startLine":2,"startCol":7,"endLine":2,"endCol":16},"file":"form.js","pageFile":true}`,
	`{"action":"INTERACTION_END","args":{},"time":3}`,
}

// MockOracle answers literal comparison queries with one row.
type MockOracle struct {
	mu       sync.Mutex
	outDir   string
	builds   int
	runs     int
	cleanups int
	buildErr error
}

func (m *MockOracle) BuildDatabase(context.Context, string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.builds++
	return m.buildErr
}

func (m *MockOracle) Run(_ context.Context, inv oracle.Invocation) (string, oracle.Format, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs++
	body := ""
	if inv.Query.Kind == oracle.KindLiteralComp {
		body = `"To Literal Comparison","d","r","Comparison [[""value <= 0""|""relative:///form.js:2:7:2:16""]]","/form.js","2","7","2","16"` + "\n"
	}
	path := filepath.Join(m.outDir, fmt.Sprintf("%s-%d-results.csv", inv.Query.Name, inv.Seq))
	return path, oracle.FormatCSV, os.WriteFile(path, []byte(body), 0o644)
}

func (m *MockOracle) ClearResults() error { return nil }

func (m *MockOracle) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups++
	return nil
}

type testServer struct {
	router *gin.Engine
	svc    *Service
	oracle *MockOracle
}

func newTestServer(t *testing.T, transformer func(ctx context.Context, name string, args ...string) ([]byte, error)) *testServer {
	t.Helper()
	return newTestServerAt(t, "/v1", transformer)
}

func newTestServerAt(t *testing.T, prefix string, transformer func(ctx context.Context, name string, args ...string) ([]byte, error)) *testServer {
	t.Helper()
	t.Setenv(config.EnvWorkDir, "")
	t.Setenv(config.EnvCacheDir, "")

	work := t.TempDir()
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "form.js"), []byte(testSource), 0o644); err != nil {
		t.Fatal(err)
	}
	yaml := fmt.Sprintf(`
server:
  max_body_bytes: 4096
  route_prefix: %q
paths:
  work_dir: %q
  source_root: %q
queries:
  active: [to_literal_comp, to_regex]
instrumentation:
  watch: false
  args: ["{input}", "{output}"]
`, prefix, work, src)
	cfg, err := config.Load(context.Background(), []byte(yaml))
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}

	mock := &MockOracle{outDir: t.TempDir()}
	opts := []ServiceOption{WithOracle(mock), WithInMemoryCache()}
	if transformer != nil {
		opts = append(opts, WithTransformer(transformer))
	}
	svc, err := NewService(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })

	router := NewRouter(cfg.Server, NewHandlers(svc))
	return &testServer{router: router, svc: svc, oracle: mock}
}

func (ts *testServer) do(method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decodeCandidates(t *testing.T, w *httptest.ResponseRecorder) CandidatesResponse {
	t.Helper()
	var resp CandidatesResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding %q: %v", w.Body.String(), err)
	}
	return resp
}

func TestHandleRecord_AppendsAndReturnsLog(t *testing.T) {
	ts := newTestServer(t, nil)

	for i, line := range testTrace {
		w := ts.do(http.MethodPost, "/v1/analysis/record", []byte(line))
		if w.Code != http.StatusOK {
			t.Fatalf("record %d: status %d, body %s", i, w.Code, w.Body.String())
		}
		lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
		if len(lines) != i+1 {
			t.Errorf("after %d records the log has %d lines", i+1, len(lines))
		}
	}
}

func TestHandleRecord_RejectsMalformed(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(http.MethodPost, "/v1/analysis/record", []byte(`{"action":`))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	var resp ErrorResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Code != CodeInvalidEvent {
		t.Errorf("expected code %s, got %q", CodeInvalidEvent, resp.Code)
	}
}

func TestHandleRecord_BodyLimit(t *testing.T) {
	ts := newTestServer(t, nil)
	big := fmt.Sprintf(`{"action":"VALUE_INPUT","args":{"value":%q},"time":1}`, strings.Repeat("x", 8192))
	w := ts.do(http.MethodPost, "/v1/analysis/record", []byte(big))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
}

func TestHandleAnalyzeTraces_ReturnsCandidates(t *testing.T) {
	ts := newTestServer(t, nil)
	body, _ := json.Marshal(CandidatesRequest{Traces: testTrace})

	w := ts.do(http.MethodPost, "/v1/analysis/candidates", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", w.Code, w.Body.String())
	}
	resp := decodeCandidates(t, w)
	if len(resp.Candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %+v", resp.Candidates)
	}
	cand := resp.Candidates[0]
	if cand.Type != "LiteralComp" || cand.Operator != "<=" || cand.OtherValue.Text() != "0" {
		t.Errorf("unexpected candidate %+v", cand)
	}
	if w.Header().Get(HeaderRunID) == "" {
		t.Error("expected a run id header")
	}
}

func TestHandleAnalyzeTraces_EmptyListIsEmptyArray(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(http.MethodPost, "/v1/analysis/candidates", []byte(`{}`))
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != `{"candidates":[]}` {
		t.Errorf("expected empty candidate array, got %s", got)
	}
	if ts.oracle.builds != 0 {
		t.Errorf("oracle must not run without an interaction, builds=%d", ts.oracle.builds)
	}
}

func TestHandleAnalyzeStore_UsesRecordedTrace(t *testing.T) {
	ts := newTestServer(t, nil)
	for _, line := range testTrace {
		ts.do(http.MethodPost, "/v1/analysis/record", []byte(line))
	}
	w := ts.do(http.MethodGet, "/v1/analysis/candidates", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", w.Code, w.Body.String())
	}
	if resp := decodeCandidates(t, w); len(resp.Candidates) != 1 {
		t.Errorf("expected 1 candidate, got %d", len(resp.Candidates))
	}
}

func TestHandleAnalyze_OracleFailure(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.oracle.buildErr = fmt.Errorf("%w: exit status 32", oracle.ErrDatabaseBuild)
	body, _ := json.Marshal(CandidatesRequest{Traces: testTrace})

	w := ts.do(http.MethodPost, "/v1/analysis/candidates", body)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	var resp ErrorResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Code != CodeDatabaseBuild || resp.Error == "" {
		t.Errorf("unexpected error response %+v", resp)
	}
}

func TestHandleInstrument(t *testing.T) {
	transformer := func(ctx context.Context, name string, args ...string) ([]byte, error) {
		in, err := os.ReadFile(args[0])
		if err != nil {
			return nil, err
		}
		return nil, os.WriteFile(args[1], append([]byte("/*probed*/"), in...), 0o644)
	}
	ts := newTestServer(t, transformer)
	body, _ := json.Marshal(InstrumentRequest{Name: "form.js", Source: "check();"})

	w := ts.do(http.MethodPost, "/v1/instrumentation/instrument", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", w.Code, w.Body.String())
	}
	if w.Body.String() != "/*probed*/check();" {
		t.Errorf("unexpected body %q", w.Body.String())
	}
	if w.Header().Get(HeaderInstrumented) != "true" {
		t.Errorf("expected instrumented header, got %q", w.Header().Get(HeaderInstrumented))
	}

	w = ts.do(http.MethodPost, "/v1/instrumentation/instrument", body)
	if w.Header().Get(HeaderOutcome) != "cached" {
		t.Errorf("expected cached outcome on repeat, got %q", w.Header().Get(HeaderOutcome))
	}
}

func TestHandleInstrument_FallbackAndValidation(t *testing.T) {
	failing := func(context.Context, string, ...string) ([]byte, error) {
		return []byte("boom"), errors.New("exit status 1")
	}
	ts := newTestServer(t, failing)

	body, _ := json.Marshal(InstrumentRequest{Source: "if ("})
	w := ts.do(http.MethodPost, "/v1/instrumentation/instrument", body)
	if w.Code != http.StatusOK || w.Body.String() != "if (" {
		t.Fatalf("expected original back, got %d %q", w.Code, w.Body.String())
	}
	if w.Header().Get(HeaderInstrumented) != "false" {
		t.Error("expected X-Instrumented false on fallback")
	}

	w = ts.do(http.MethodPost, "/v1/instrumentation/instrument", []byte(`{"name":"a.js"}`))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing source, got %d", w.Code)
	}
}

func TestHandleClean(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(http.MethodPost, "/v1/analysis/record", []byte(testTrace[0]))

	w := ts.do(http.MethodGet, "/v1/admin/clean", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", w.Code, w.Body.String())
	}
	if ts.oracle.cleanups != 1 {
		t.Errorf("expected oracle cleanup, got %d", ts.oracle.cleanups)
	}

	w = ts.do(http.MethodPost, "/v1/analysis/record", []byte(testTrace[2]))
	if lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n"); len(lines) != 1 {
		t.Errorf("trace log should restart after clean, got %d lines", len(lines))
	}
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(http.MethodGet, "/v1/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var h HealthStatus
	if err := json.Unmarshal(w.Body.Bytes(), &h); err != nil {
		t.Fatal(err)
	}
	if h.Status != "healthy" || !h.Instrumentation || h.ActiveQueries != 2 {
		t.Errorf("unexpected health %+v", h)
	}
}

func TestRouter_PreflightAllowsPageOrigin(t *testing.T) {
	ts := newTestServerAt(t, "", nil)

	req := httptest.NewRequest(http.MethodOptions, "/analysis/record", nil)
	req.Header.Set("Origin", "http://shop.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "content-type")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected Access-Control-Allow-Origin *, got %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, http.MethodPost) {
		t.Errorf("expected POST in allowed methods, got %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, "Content-Type") {
		t.Errorf("expected Content-Type in allowed headers, got %q", got)
	}
}

func TestRouter_RootMountServesOriginalPaths(t *testing.T) {
	ts := newTestServerAt(t, "", nil)

	req := httptest.NewRequest(http.MethodPost, "/analysis/record", strings.NewReader(testTrace[0]))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "http://shop.example")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 from /analysis/record, got %d: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected CORS header on the actual request, got %q", got)
	}
	if got := w.Header().Get("Access-Control-Expose-Headers"); !strings.Contains(got, HeaderRunID) {
		t.Errorf("expected %s to be exposed, got %q", HeaderRunID, got)
	}

	for _, path := range []string{"/analysis/candidates", "/admin/clean", "/health"} {
		w := ts.do(http.MethodGet, path, nil)
		if w.Code != http.StatusOK {
			t.Errorf("GET %s: expected 200, got %d", path, w.Code)
		}
	}
	if w := ts.do(http.MethodGet, "/v1/health", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected no /v1 routes without a prefix, got %d", w.Code)
	}
}

func TestCORS_RestrictedOrigins(t *testing.T) {
	router := gin.New()
	router.Use(CORS([]string{"http://allowed.example"}))
	router.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, tt := range []struct {
		origin string
		want   string
	}{
		{"http://allowed.example", "http://allowed.example"},
		{"http://other.example", ""},
	} {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("Origin", tt.origin)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.want {
			t.Errorf("origin %s: expected %q, got %q", tt.origin, tt.want, got)
		}
	}
}
