// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(EnvCodeQLPath, "")
	t.Setenv(EnvWorkDir, "")
	t.Setenv(EnvCacheDir, "")

	cfg, err := Load(context.Background(), nil)
	if err != nil {
		t.Fatalf("Load failed on embedded defaults: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Server.RoutePrefix != "" {
		t.Errorf("expected routes at the root, got prefix %q", cfg.Server.RoutePrefix)
	}
	if len(cfg.Server.CORSOrigins) != 1 || cfg.Server.CORSOrigins[0] != "*" {
		t.Errorf("expected cors_origins [*], got %v", cfg.Server.CORSOrigins)
	}
	if cfg.Server.ShutdownTimeout != 10*time.Second {
		t.Errorf("expected shutdown timeout 10s, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Oracle.Binary != "codeql" {
		t.Errorf("expected codeql binary, got %q", cfg.Oracle.Binary)
	}
	if len(cfg.Queries.Active) != 5 || cfg.Queries.Active[0] != "to_literal_comp_path" {
		t.Errorf("unexpected active queries %v", cfg.Queries.Active)
	}
	if cfg.Queries.TieBreak != "second" {
		t.Errorf("expected tie_break second, got %q", cfg.Queries.TieBreak)
	}
	if want := filepath.Join("./var", "trace", "trace.log"); cfg.Paths.TraceLog != want {
		t.Errorf("expected derived trace log %q, got %q", want, cfg.Paths.TraceLog)
	}
	if want := filepath.Join("./var", "cache"); cfg.Instrumentation.CacheDir != want {
		t.Errorf("expected derived cache dir %q, got %q", want, cfg.Instrumentation.CacheDir)
	}
	if cfg.Instrumentation.DefaultName != "no_name.js" {
		t.Errorf("expected default name no_name.js, got %q", cfg.Instrumentation.DefaultName)
	}
}

func TestLoad_OverridesMergeOverDefaults(t *testing.T) {
	t.Setenv(EnvWorkDir, "")
	data := []byte(`
server:
  port: 9090
queries:
  active: [to_regex]
  tie_break: last
`)
	cfg, err := Load(context.Background(), data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("expected default host to survive, got %q", cfg.Server.Host)
	}
	if len(cfg.Queries.Active) != 1 || cfg.Queries.Active[0] != "to_regex" {
		t.Errorf("expected active [to_regex], got %v", cfg.Queries.Active)
	}
	if cfg.Queries.TieBreak != "last" {
		t.Errorf("expected tie_break last, got %q", cfg.Queries.TieBreak)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvCodeQLPath, "/opt/codeql/codeql")
	t.Setenv(EnvWorkDir, "/srv/constraints")
	t.Setenv(EnvCacheDir, "/cache")

	cfg, err := Load(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Oracle.Binary != "/opt/codeql/codeql" {
		t.Errorf("CODEQL_PATH not applied: %q", cfg.Oracle.Binary)
	}
	if cfg.Paths.WorkDir != "/srv/constraints" {
		t.Errorf("work dir not applied: %q", cfg.Paths.WorkDir)
	}
	if cfg.Paths.TraceLog != "/srv/constraints/trace/trace.log" {
		t.Errorf("trace log not derived from env work dir: %q", cfg.Paths.TraceLog)
	}
	if cfg.Instrumentation.CacheDir != "/cache" {
		t.Errorf("cache dir not applied: %q", cfg.Instrumentation.CacheDir)
	}
	if cfg.Paths.OracleDir() != "/srv/constraints/codeql" {
		t.Errorf("unexpected oracle dir %q", cfg.Paths.OracleDir())
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"unknown query", "queries:\n  active: [to_nowhere]\n"},
		{"bad tie break", "queries:\n  tie_break: random\n"},
		{"bad port", "server:\n  port: 70000\n"},
		{"prefix without slash", "server:\n  route_prefix: v1\n"},
		{"prefix with trailing slash", "server:\n  route_prefix: /v1/\n"},
		{"empty cors origins", "server:\n  cors_origins: []\n"},
		{"zero workers", "analysis:\n  snapshot_workers: 0\n"},
		{"missing command", "instrumentation:\n  enabled: true\n  command: \"\"\n"},
		{"bad yaml", "server: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(context.Background(), []byte(tt.data)); err == nil {
				t.Errorf("expected error for %s", tt.name)
			}
		})
	}
}

func TestLoad_TooLarge(t *testing.T) {
	data := make([]byte, MaxYAMLFileSize+1)
	if _, err := Load(context.Background(), data); err == nil {
		t.Error("expected size error")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("oracle:\n  threads: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(context.Background(), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Oracle.Threads != 2 {
		t.Errorf("expected threads 2, got %d", cfg.Oracle.Threads)
	}
	if _, err := LoadFile(context.Background(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestGet_Singleton(t *testing.T) {
	Reset()
	defer Reset()

	a, err := Get(context.Background())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	b, _ := Get(context.Background())
	if a != b {
		t.Error("expected the cached config to be returned")
	}
	Reset()
	c, _ := Get(context.Background())
	if c == a {
		t.Error("expected a fresh config after Reset")
	}
}
