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

// Package tool defines the backend abstraction tool calls are dispatched
// against: static (in-process), MCP (external process/socket), and remote
// (RPC) backends all implement the same Backend interface.
package tool

import (
	"context"

	"github.com/BrendanGraham14/steer-sub001/internal/capability"
	"github.com/BrendanGraham14/steer-sub001/internal/session"
)

// ExecutionContext carries the identifiers and cancellation token for one
// tool execution. A fresh one is built by the executor for every call.
type ExecutionContext struct {
	SessionID   string
	OperationID string
	ToolCallID  string
	Context     context.Context
}

// Schema describes a tool's name, human-readable description, and JSON
// schema for its parameters, as surfaced to the model.
type Schema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// BackendMetadata describes a backend for diagnostics and environment info.
type BackendMetadata struct {
	Kind     string `json:"kind"` // "static", "mcp", "remote"
	Name     string `json:"name"`
	Location string `json:"location,omitempty"`
}

// Backend is the common interface every tool backend implements.
type Backend interface {
	// Execute runs the named tool call and returns its result. The returned
	// error is reserved for backend-level failures (connection lost,
	// malformed protocol response); a tool that runs but fails on its own
	// terms should return a ToolResult with IsError set, not a Go error.
	Execute(ec ExecutionContext, call session.ToolCall) (session.ToolResult, error)

	// SupportedTools lists the tool names this backend can execute.
	SupportedTools() []string

	// GetToolSchemas returns the JSON schema for every tool this backend
	// supports, for inclusion in the model's available tool list.
	GetToolSchemas() []Schema

	// RequiresApproval reports whether name needs human approval before
	// execution. Backends that cannot determine this for an unknown name
	// must default to true (fail safe).
	RequiresApproval(name string) bool

	// RequiredCapabilities reports the capability bits name requires. MCP
	// and remote backends may return capability.None for every tool since
	// their requirements are opaque to the host; such tools are still
	// always included in AvailableSchemas regardless of capability flags.
	RequiredCapabilities(name string) capability.Set

	Metadata() BackendMetadata
}
