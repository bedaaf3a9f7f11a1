// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package remote

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/BrendanGraham14/steer-sub001/internal/session"
	"github.com/BrendanGraham14/steer-sub001/internal/tool"
	"github.com/BrendanGraham14/steer-sub001/internal/workspace"
)

// Server answers the Remote Workspace RPC surface (ExecuteTool,
// GetToolSchemas, GetToolApprovalRequirements, GetEnvironmentInfo, Health,
// and streaming ListFiles) on behalf of a local tool.Backend, over
// chi-routed HTTP+JSON.
type Server struct {
	backend    tool.Backend
	workspace  workspace.Workspace
	jwks       string // JWKS URL for bearer validation; empty disables JWT auth
	apiKeys    map[string]bool
	log        *slog.Logger
}

// NewServer builds a Server exposing backend and (optionally) a streaming
// ListFiles workspace over HTTP.
func NewServer(backend tool.Backend, ws workspace.Workspace, jwksURL string, apiKeys []string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	keys := make(map[string]bool, len(apiKeys))
	for _, k := range apiKeys {
		keys[k] = true
	}
	return &Server{backend: backend, workspace: ws, jwks: jwksURL, apiKeys: keys, log: log}
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.authenticate)

	r.Post("/v1/tools/execute", s.handleExecute)
	r.Post("/v1/tools/schemas", s.handleSchemas)
	r.Post("/v1/environment", s.handleEnvironment)
	r.Get("/v1/health", s.handleHealth)
	r.Get("/v1/files", s.handleListFiles)
	return r
}

// authenticate accepts either a bearer JWT (validated against s.jwks when
// configured) or a static API key in X-API-Key. When neither auth
// mechanism is configured, every request is allowed (useful for tests and
// trusted-network deployments).
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.jwks == "" && len(s.apiKeys) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		if key := r.Header.Get("X-API-Key"); key != "" && s.apiKeys[key] {
			next.ServeHTTP(w, r)
			return
		}

		authz := r.Header.Get("Authorization")
		if s.jwks != "" && strings.HasPrefix(authz, "Bearer ") {
			tokenStr := strings.TrimPrefix(authz, "Bearer ")
			if set, err := jwk.Fetch(r.Context(), s.jwks); err == nil {
				if _, err := jwt.ParseString(tokenStr, jwt.WithKeySet(set), jwt.WithValidate(true)); err == nil {
					next.ServeHTTP(w, r)
					return
				}
			}
		}

		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ec := tool.ExecutionContext{
		SessionID: req.SessionID, OperationID: req.OperationID, ToolCallID: req.ToolCallID,
		Context: r.Context(),
	}
	result, err := s.backend.Execute(ec, session.ToolCall{ID: req.ToolCallID, Name: req.Name, Args: req.Args})
	if err != nil {
		s.log.Error("remote execute failed", "tool", req.Name, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, executeToolResponse{Value: result.Value, IsError: result.IsError})
}

func (s *Server) handleSchemas(w http.ResponseWriter, r *http.Request) {
	schemas := s.backend.GetToolSchemas()
	approvals := make(map[string]bool, len(schemas))
	for _, sc := range schemas {
		approvals[sc.Name] = s.backend.RequiresApproval(sc.Name)
	}
	writeJSON(w, schemasResponse{Schemas: schemas, Approvals: approvals})
}

func (s *Server) handleEnvironment(w http.ResponseWriter, r *http.Request) {
	if s.workspace == nil {
		http.Error(w, "no workspace configured", http.StatusNotImplemented)
		return
	}
	info, err := s.workspace.GetEnvironmentInfo(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, info)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

// handleListFiles streams newline-delimited JSON FileEntry records.
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	if s.workspace == nil {
		http.Error(w, "no workspace configured", http.StatusNotImplemented)
		return
	}

	root := r.URL.Query().Get("root")
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)

	enc := json.NewEncoder(w)
	err := s.workspace.ListFiles(r.Context(), root, func(entry workspace.FileEntry) bool {
		if err := enc.Encode(entry); err != nil {
			return false
		}
		if canFlush {
			flusher.Flush()
		}
		return true
	})
	if err != nil {
		s.log.Error("list_files stream failed", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
