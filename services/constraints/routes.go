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
	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/constraintminer/services/constraints/config"
)

// NewRouter builds the engine serving handlers under cfg.RoutePrefix.
//
// Description:
//
//	Recovery and CORS run for every request, including preflights and
//	unmatched paths. Extra middleware (tracing, access logs) runs after
//	them. Request bodies of API routes are capped at cfg.MaxBodyBytes.
//
// Outputs:
//
//	*gin.Engine - The router. Callers may register further routes such
//	as /metrics on it.
func NewRouter(cfg config.ServerConfig, handlers *Handlers, middleware ...gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), CORS(cfg.CORSOrigins))
	if len(middleware) > 0 {
		router.Use(middleware...)
	}

	api := router.Group(cfg.RoutePrefix)
	api.Use(BodyLimit(cfg.MaxBodyBytes))
	RegisterRoutes(api, handlers)
	return router
}

// RegisterRoutes registers the service endpoints with the router.
//
// Inputs:
//
//	rg - Gin router group (the root group unless a route prefix is set)
//	handlers - The handlers instance
//
// Endpoints, relative to rg:
//
//	POST /analysis/record - Append one trace event, returns the trace log
//	GET  /analysis/candidates - Analyze the recorded trace log
//	POST /analysis/candidates - Analyze {"traces": [...]}
//	POST /instrumentation/instrument - Instrument {name, source}
//	GET  /admin/clean - Reset all accumulated state
//	GET  /admin/events - Websocket stream of run events
//	GET  /health - Health check
//
// Example:
//
//	svc, _ := constraints.NewService(ctx, cfg)
//	constraints.RegisterRoutes(router.Group(""), constraints.NewHandlers(svc))
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	analysis := rg.Group("/analysis")
	{
		analysis.POST("/record", handlers.HandleRecord)
		analysis.GET("/candidates", handlers.HandleAnalyzeStore)
		analysis.POST("/candidates", handlers.HandleAnalyzeTraces)
	}

	instrumentation := rg.Group("/instrumentation")
	{
		instrumentation.POST("/instrument", handlers.HandleInstrument)
	}

	admin := rg.Group("/admin")
	{
		admin.GET("/clean", handlers.HandleClean)
		admin.GET("/events", handlers.HandleEvents)
	}

	rg.GET("/health", handlers.HandleHealth)
}
