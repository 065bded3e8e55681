// Copyright 2026 © The Arbiter Authors
// SPDX-License-Identifier: Apache-2.0

// Package mcptools exposes the engine's operations as MCP tools so agent
// frontends can drive selection and reporting over stdio.
package mcptools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jllopis/arbiter/pkg/engine"
	"github.com/jllopis/arbiter/pkg/recorder"
)

// Server wraps the mcp-go server around the engine.
type Server struct {
	mcpServer *server.MCPServer
	engine    *engine.Engine
}

// NewServer creates an MCP server with the engine's tools registered.
func NewServer(eng *engine.Engine, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer("arbiter", version),
		engine:    eng,
	}
	s.registerTools()
	return s
}

// ServeStdio starts the server on Stdio.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

func (s *Server) registerTools() {
	s.register("select_model",
		"Select the best model for a tenant and domain from a candidate list, using recorded outcomes and circuit state.",
		s.handleSelectModel)
	s.register("check_model",
		"Check whether the circuit breaker currently admits traffic to a model for a tenant.",
		s.handleCheckModel)
	s.register("record_observation",
		"Record the outcome of a completed request: success flag plus optional metric values.",
		s.handleRecordObservation)
	s.register("detect_drift",
		"Run the statistical drift tests for a tenant and model over the named usage metrics.",
		s.handleDetectDrift)
}

func (s *Server) register(name, description string, handler func(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error)) {
	tool := mcp.NewTool(name, mcp.WithDescription(description))
	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]interface{})
		return handler(ctx, args)
	})
}

func (s *Server) handleSelectModel(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	selection, err := s.engine.Select(ctx,
		stringArg(args, "tenant_id"),
		stringArg(args, "domain_id"),
		stringsArg(args, "candidates"))
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(selection)
}

func (s *Server) handleCheckModel(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	decision, err := s.engine.CanUse(ctx,
		stringArg(args, "tenant_id"),
		stringArg(args, "model_id"))
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(decision)
}

func (s *Server) handleRecordObservation(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	obs := recorder.Observation{
		TenantID: stringArg(args, "tenant_id"),
		DomainID: stringArg(args, "domain_id"),
		ModelID:  stringArg(args, "model_id"),
		Success:  boolArg(args, "success"),
		Metrics:  metricsArg(args, "metrics"),
	}
	if err := s.engine.Record(ctx, obs); err != nil {
		return errorResult(err), nil
	}
	return textResult("observation recorded"), nil
}

func (s *Server) handleDetectDrift(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	report, err := s.engine.DetectDrift(ctx,
		stringArg(args, "tenant_id"),
		stringArg(args, "model_id"),
		stringsArg(args, "metrics"))
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(report)
}

func stringArg(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return v
}

func boolArg(args map[string]interface{}, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func stringsArg(args map[string]interface{}, key string) []string {
	raw, _ := args[key].([]interface{})
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func metricsArg(args map[string]interface{}, key string) map[string]float64 {
	raw, _ := args[key].(map[string]interface{})
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]float64, len(raw))
	for name, value := range raw {
		if f, ok := value.(float64); ok {
			out[name] = f
		}
	}
	return out
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(err), nil
	}
	return textResult(string(payload)), nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func errorResult(err error) *mcp.CallToolResult {
	result := textResult(fmt.Sprintf("error: %v", err))
	result.IsError = true
	return result
}
