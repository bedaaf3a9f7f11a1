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

// Package static implements the in-process tool backend: a registry of
// named tools, including the workspace-backed operations (read_file,
// apply_edits, glob, grep, bash, list_files), each holding a Workspace
// handle internally, alongside non-workspace tools (todo_write, fetch).
package static

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/BrendanGraham14/steer-sub001/internal/capability"
	"github.com/BrendanGraham14/steer-sub001/internal/session"
	"github.com/BrendanGraham14/steer-sub001/internal/tool"
)

// Tool is one entry in the static backend's registry.
type Tool struct {
	Name                 string
	Description          string
	Parameters           any // a pointer to a zero-value params struct, used to derive Schema
	RequiredCapabilities capability.Set
	RequiresApprovalFlag bool
	Handler              func(ec tool.ExecutionContext, args map[string]any) (session.ToolResult, error)
}

func (t Tool) schema() map[string]any {
	if t.Parameters == nil {
		return nil
	}
	reflector := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	schema := reflector.Reflect(t.Parameters)
	// Re-marshal through a generic map so callers get a plain JSON-schema
	// object rather than the jsonschema package's own struct type.
	raw, err := schema.MarshalJSON()
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// Backend is the in-process tool.Backend implementation.
type Backend struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// New builds a static Backend from a list of tools. Later entries with a
// duplicate name overwrite earlier ones (last registration wins).
func New(tools ...Tool) *Backend {
	b := &Backend{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		b.tools[t.Name] = t
	}
	return b
}

// AddTool registers t, overwriting any existing tool of the same name. This
// exists for tools like dispatch_agent whose Handler needs a reference back
// to machinery (a Runtime, a Spawner) that is only constructed after the
// Backend itself, so they cannot be passed to New.
func (b *Backend) AddTool(t Tool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tools[t.Name] = t
}

func (b *Backend) Execute(ec tool.ExecutionContext, call session.ToolCall) (session.ToolResult, error) {
	b.mu.RLock()
	t, ok := b.tools[call.Name]
	b.mu.RUnlock()
	if !ok {
		return session.ToolResult{}, tool.New(tool.KindUnknownTool, fmt.Sprintf("unknown static tool %q", call.Name))
	}
	return t.Handler(ec, call.Args)
}

func (b *Backend) SupportedTools() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.tools))
	for name := range b.tools {
		names = append(names, name)
	}
	return names
}

func (b *Backend) GetToolSchemas() []tool.Schema {
	b.mu.RLock()
	defer b.mu.RUnlock()
	schemas := make([]tool.Schema, 0, len(b.tools))
	for _, t := range b.tools {
		schemas = append(schemas, tool.Schema{Name: t.Name, Description: t.Description, Parameters: t.schema()})
	}
	return schemas
}

func (b *Backend) RequiresApproval(name string) bool {
	b.mu.RLock()
	t, ok := b.tools[name]
	b.mu.RUnlock()
	if !ok {
		// Fail safe: an unregistered tool name defaults to requiring approval.
		return true
	}
	return t.RequiresApprovalFlag
}

func (b *Backend) RequiredCapabilities(name string) capability.Set {
	b.mu.RLock()
	t, ok := b.tools[name]
	b.mu.RUnlock()
	if !ok {
		return capability.None
	}
	return t.RequiredCapabilities
}

func (b *Backend) Metadata() tool.BackendMetadata {
	return tool.BackendMetadata{Kind: "static", Name: "local", Location: "in-process"}
}

var _ tool.Backend = (*Backend)(nil)
