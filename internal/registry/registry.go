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

// Package registry combines tool backends into the single view a session
// sees: every backend's tools, narrowed by the caller's granted
// capabilities and then by the session's visibility configuration. Both
// filters only ever narrow, never widen, the set a backend exposes.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/BrendanGraham14/steer-sub001/internal/capability"
	"github.com/BrendanGraham14/steer-sub001/internal/session"
	"github.com/BrendanGraham14/steer-sub001/internal/tool"
)

// mcpToolPrefix namespaces MCP tool names by server to avoid collisions
// between two servers exposing a tool with the same name.
const mcpToolPrefix = "mcp__"

// Registry resolves tool names to backends and exposes the filtered schema
// list a session's model turn is allowed to see.
type Registry struct {
	mu       sync.RWMutex
	static   tool.Backend
	mcp      map[string]tool.Backend // keyed by server name
	remote   tool.Backend            // nil if no remote workspace configured
	mcpOrder []string
}

// New builds a Registry. static and remote may be nil.
func New(static tool.Backend, remote tool.Backend) *Registry {
	return &Registry{static: static, mcp: make(map[string]tool.Backend), remote: remote}
}

// RegisterMCP adds or replaces an MCP backend under the given server name.
func (r *Registry) RegisterMCP(serverName string, backend tool.Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.mcp[serverName]; !exists {
		r.mcpOrder = append(r.mcpOrder, serverName)
	}
	r.mcp[serverName] = backend
}

// RemoveMCP drops a previously registered MCP backend.
func (r *Registry) RemoveMCP(serverName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mcp, serverName)
	for i, name := range r.mcpOrder {
		if name == serverName {
			r.mcpOrder = append(r.mcpOrder[:i], r.mcpOrder[i+1:]...)
			break
		}
	}
}

// Resolve finds the backend that owns name, stripping the mcp__<server>__
// prefix when present. Static tools are checked first so a static tool can
// never be shadowed by an identically named MCP tool.
func (r *Registry) Resolve(name string) (tool.Backend, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.static != nil {
		for _, supported := range r.static.SupportedTools() {
			if supported == name {
				return r.static, name, nil
			}
		}
	}

	if server, toolName, ok := splitMCPName(name); ok {
		if backend, exists := r.mcp[server]; exists {
			return backend, toolName, nil
		}
		return nil, "", fmt.Errorf("unknown MCP server %q for tool %q", server, name)
	}

	for _, server := range r.mcpOrder {
		backend := r.mcp[server]
		for _, supported := range backend.SupportedTools() {
			if supported == name {
				return backend, name, nil
			}
		}
	}

	if r.remote != nil {
		for _, supported := range r.remote.SupportedTools() {
			if supported == name {
				return r.remote, name, nil
			}
		}
	}

	return nil, "", fmt.Errorf("unknown tool %q", name)
}

// Execute resolves call.Name to a backend and runs it, translating a
// registry-qualified MCP name (mcp__server__tool) to the bare name the
// backend itself expects.
func (r *Registry) Execute(ec tool.ExecutionContext, call session.ToolCall) (session.ToolResult, error) {
	backend, resolvedName, err := r.Resolve(call.Name)
	if err != nil {
		return session.ToolResult{}, tool.New(tool.KindUnknownTool, err.Error())
	}
	call.Name = resolvedName
	return backend.Execute(ec, call)
}

// RequiresApproval resolves name to a backend and reports whether it needs
// approval. An unresolvable name fails safe (requires approval).
func (r *Registry) RequiresApproval(name string) bool {
	backend, resolvedName, err := r.Resolve(name)
	if err != nil {
		return true
	}
	return backend.RequiresApproval(resolvedName)
}

// RequiredCapabilities resolves name to a backend and reports its required
// capability set. An unresolvable name requires capability.None so it is
// never silently granted extra access by a missing lookup.
func (r *Registry) RequiredCapabilities(name string) capability.Set {
	backend, resolvedName, err := r.Resolve(name)
	if err != nil {
		return capability.None
	}
	return backend.RequiredCapabilities(resolvedName)
}

func splitMCPName(name string) (server, tool string, ok bool) {
	if !strings.HasPrefix(name, mcpToolPrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(name, mcpToolPrefix)
	idx := strings.Index(rest, "__")
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+2:], true
}

// qualifiedSchema returns schema renamed to its registry-visible name (MCP
// tools gain the mcp__<server>__ prefix; static and remote tools keep
// their bare name).
func qualifiedSchema(server string, s tool.Schema) tool.Schema {
	if server == "" {
		return s
	}
	s.Name = mcpToolPrefix + server + "__" + s.Name
	return s
}

// entry pairs a schema with the backend and capability/approval metadata
// needed to filter and execute it.
type entry struct {
	schema       tool.Schema
	backend      tool.Backend
	resolvedName string // the name to pass to backend.Execute
	requiredCaps capability.Set
}

func (r *Registry) allEntries() []entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var entries []entry
	if r.static != nil {
		for _, s := range r.static.GetToolSchemas() {
			entries = append(entries, entry{schema: s, backend: r.static, resolvedName: s.Name, requiredCaps: r.static.RequiredCapabilities(s.Name)})
		}
	}
	for _, server := range r.mcpOrder {
		backend := r.mcp[server]
		for _, s := range backend.GetToolSchemas() {
			entries = append(entries, entry{
				schema:       qualifiedSchema(server, s),
				backend:      backend,
				resolvedName: s.Name,
				requiredCaps: capability.None, // MCP requirements are opaque to the host
			})
		}
	}
	if r.remote != nil {
		for _, s := range r.remote.GetToolSchemas() {
			entries = append(entries, entry{schema: s, backend: r.remote, resolvedName: s.Name, requiredCaps: capability.None})
		}
	}
	return entries
}

// AvailableSchemas returns the tool schemas visible to a session granted
// caps and configured with visibility. Capability filtering is applied
// first, then visibility, and neither step can add a tool the other step
// excluded.
func AvailableSchemas(r *Registry, caps capability.Set, visibility session.ToolVisibility) []tool.Schema {
	entries := r.allEntries()

	var schemas []tool.Schema
	for _, e := range entries {
		if !caps.Satisfies(e.requiredCaps) {
			continue
		}
		if !VisibilityAllows(visibility, e.schema.Name) {
			continue
		}
		schemas = append(schemas, e.schema)
	}

	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	return schemas
}

// VisibilityAllows reports whether a tool named name is visible under
// v, usable by callers outside this package (e.g. the executor) that need
// the identical narrowing rule applied at registration-list time.
func VisibilityAllows(v session.ToolVisibility, name string) bool {
	switch v.Mode {
	case session.VisibilityWhitelist:
		return containsName(v.Names, name)
	case session.VisibilityBlacklist:
		return !containsName(v.Names, name)
	case session.VisibilityReadOnly:
		return readOnlyTools[name]
	case session.VisibilityAll, "":
		return true
	default:
		return true
	}
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// readOnlyTools are the static tools that cannot mutate the workspace or
// outside world; everything not listed here is assumed mutating (MCP and
// remote tools included, since their effects are opaque).
var readOnlyTools = map[string]bool{
	"read_file":  true,
	"glob":       true,
	"grep":       true,
	"list_files": true,
	"todo_read":  true,
}
