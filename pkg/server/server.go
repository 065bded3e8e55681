// Copyright 2026 © The Arbiter Authors
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the engine's operations over HTTP+JSON.
package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/jllopis/arbiter/pkg/engine"
	arberrors "github.com/jllopis/arbiter/pkg/errors"
	"github.com/jllopis/arbiter/pkg/recorder"
)

// Server routes HTTP+JSON requests to the engine.
type Server struct {
	Engine *engine.Engine
}

// New creates a new HTTP+JSON server wrapper.
func New(eng *engine.Engine) *Server {
	return &Server{Engine: eng}
}

// ServeHTTP dispatches on the path segments under /v1, plus /healthz.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.Engine == nil {
		writeError(w, arberrors.New(arberrors.CodeInternal, "engine not configured", nil))
		return
	}
	segments := normalizePath(r.URL.Path)
	if len(segments) == 0 {
		http.NotFound(w, r)
		return
	}
	if segments[0] == "healthz" {
		if r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		s.handleHealth(w, r)
		return
	}
	switch segments[0] {
	case "select":
		if r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		s.handleSelect(w, r)
		return
	case "observations":
		if r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		s.handleObservations(w, r)
		return
	case "drift":
		if r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		s.handleDrift(w, r)
		return
	case "breakers":
		if r.Method != http.MethodGet || len(segments) != 3 {
			http.NotFound(w, r)
			return
		}
		s.handleBreaker(w, r, segments[1], segments[2])
		return
	case "arms":
		if r.Method != http.MethodGet || len(segments) != 3 {
			http.NotFound(w, r)
			return
		}
		s.handleArms(w, r, segments[1], segments[2])
		return
	default:
		http.NotFound(w, r)
		return
	}
}

type selectRequest struct {
	TenantID   string   `json:"tenant_id"`
	DomainID   string   `json:"domain_id"`
	Candidates []string `json:"candidates"`
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	selection, err := s.Engine.Select(r.Context(), req.TenantID, req.DomainID, req.Candidates)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, selection)
}

func (s *Server) handleObservations(w http.ResponseWriter, r *http.Request) {
	var obs recorder.Observation
	if err := decodeJSON(r, &obs); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Engine.Record(r.Context(), obs); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type driftRequest struct {
	TenantID string   `json:"tenant_id"`
	ModelID  string   `json:"model_id"`
	Metrics  []string `json:"metrics"`
}

func (s *Server) handleDrift(w http.ResponseWriter, r *http.Request) {
	var req driftRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	report, err := s.Engine.DetectDrift(r.Context(), req.TenantID, req.ModelID, req.Metrics)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleBreaker(w http.ResponseWriter, r *http.Request, tenantID, modelID string) {
	decision, err := s.Engine.CanUse(r.Context(), tenantID, modelID)
	if err != nil {
		writeError(w, err)
		return
	}
	snap, err := s.Engine.BreakerSnapshot(r.Context(), tenantID, modelID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"decision": decision,
		"breaker":  snap,
	})
}

func (s *Server) handleArms(w http.ResponseWriter, r *http.Request, tenantID, domainID string) {
	arms, err := s.Engine.ListArms(r.Context(), tenantID, domainID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id": tenantID,
		"domain_id": domainID,
		"arms":      arms,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	results, overall := s.Engine.Health(r.Context())
	status := http.StatusOK
	if overall == engine.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"status":     overall,
		"components": results,
	})
}

func decodeJSON(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return arberrors.New(arberrors.CodeInvalidInput, "invalid body", err)
	}
	if len(body) == 0 {
		return arberrors.New(arberrors.CodeInvalidInput, "empty body", nil)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return arberrors.New(arberrors.CodeInvalidInput, "malformed json", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	ae := arberrors.AsArbiterError(err)
	body := map[string]interface{}{
		"error": map[string]interface{}{
			"code":    string(ae.Code),
			"message": ae.Message,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.StatusCode)
	_ = json.NewEncoder(w).Encode(body)
}

// normalizePath trims the path and drops the single version prefix so
// handlers see ["select"], ["breakers", tenant, model], and so on.
func normalizePath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	segments := strings.Split(path, "/")
	if segments[0] == "v1" {
		return segments[1:]
	}
	return segments
}
