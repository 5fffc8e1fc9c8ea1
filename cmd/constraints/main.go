// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command constraints starts the form constraint inference server.
//
// The server records probe traces from instrumented pages, instruments page
// scripts on request and infers input-validation constraint candidates with
// CodeQL.
//
// Usage:
//
//	go run ./cmd/constraints
//	go run ./cmd/constraints -config constraints.yaml -debug
//
// With a specific CodeQL installation:
//
//	CODEQL_PATH=/opt/codeql/codeql go run ./cmd/constraints
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8080/health
//
//	# Analyze the recorded trace log
//	curl http://localhost:8080/analysis/candidates | jq
//
//	# Reset all state
//	curl http://localhost:8080/admin/clean
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/AleutianAI/constraintminer/services/constraints"
	"github.com/AleutianAI/constraintminer/services/constraints/config"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging and gin debug mode")
	traceStdout := flag.Bool("trace-stdout", false, "Export OpenTelemetry spans to stdout")
	flag.Parse()

	slog.SetDefault(newLogger(*debug))

	if *debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if *traceStdout {
		shutdown, err := setupStdoutTracing()
		if err != nil {
			slog.Error("Failed to set up stdout tracing", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				slog.Warn("Tracer shutdown failed", slog.String("error", err.Error()))
			}
		}()
	}

	cfg, err := config.LoadFile(ctx, *configPath)
	if err != nil {
		slog.Error("Failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	svc, err := constraints.NewService(ctx, cfg)
	if err != nil {
		slog.Error("Failed to create service", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			slog.Warn("Service close failed", slog.String("error", err.Error()))
		}
	}()

	middleware := []gin.HandlerFunc{otelgin.Middleware("constraints")}
	if *debug {
		middleware = append(middleware, gin.Logger())
	}
	router := constraints.NewRouter(cfg.Server, constraints.NewHandlers(svc), middleware...)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{Addr: cfg.Server.Addr(), Handler: router}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting constraint inference server",
			slog.String("address", srv.Addr),
			slog.String("route_prefix", cfg.Server.RoutePrefix),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutting down constraint inference server")
	case err := <-errCh:
		if err != nil {
			slog.Error("Server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Graceful shutdown incomplete", slog.String("error", err.Error()))
	}
}

// newLogger picks a text handler for terminals and JSON otherwise.
func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	fd := os.Stderr.Fd()
	if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func setupStdoutTracing() (func(context.Context) error, error) {
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
