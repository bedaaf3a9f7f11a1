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

// Package config loads typed defaults for session configuration and
// built-in agent-spec presets from embedded YAML. There is no CLI flag
// parsing or file-watching here: this runtime is embedded in a host
// process, not a standalone server with its own config-reload story.
package config

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/BrendanGraham14/steer-sub001/internal/session"
)

//go:embed presets/default_agents.yaml
var defaultAgentsYAML []byte

// AgentSpec is a named, reusable overlay for a dispatch_agent's tool
// visibility and MCP access, independent of which workspace it runs in.
type AgentSpec struct {
	Name        string                `yaml:"name" json:"name"`
	Description string                `yaml:"description" json:"description"`
	Visibility  session.ToolVisibility `yaml:"visibility" json:"visibility"`
	MCPAccess   session.MCPAccessPolicy `yaml:"mcp_access" json:"mcp_access"`
}

type agentSpecFile struct {
	Agents []AgentSpec `yaml:"agents"`
}

// AgentRegistry holds the named agent specs a dispatch_agent call may refer to.
type AgentRegistry struct {
	specs map[string]AgentSpec
}

// DefaultAgentRegistry loads the built-in presets embedded at build time.
func DefaultAgentRegistry() (*AgentRegistry, error) {
	return LoadAgentRegistry(defaultAgentsYAML)
}

// LoadAgentRegistry parses a YAML document shaped like default_agents.yaml.
func LoadAgentRegistry(data []byte) (*AgentRegistry, error) {
	var file agentSpecFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse agent specs: %w", err)
	}
	specs := make(map[string]AgentSpec, len(file.Agents))
	for _, spec := range file.Agents {
		if spec.Name == "" {
			return nil, fmt.Errorf("agent spec missing name")
		}
		specs[spec.Name] = spec
	}
	return &AgentRegistry{specs: specs}, nil
}

// Lookup returns the named spec, or false if it isn't registered.
func (r *AgentRegistry) Lookup(name string) (AgentSpec, bool) {
	spec, ok := r.specs[name]
	return spec, ok
}

// Register adds or overwrites a spec, for embedders that want to extend the
// built-in presets with their own.
func (r *AgentRegistry) Register(spec AgentSpec) {
	if r.specs == nil {
		r.specs = make(map[string]AgentSpec)
	}
	r.specs[spec.Name] = spec
}

// DefaultSessionConfig returns the baseline SessionConfig new sessions start
// from before any per-session overrides are applied: full tool visibility,
// an Ask-by-default approval policy, and no MCP servers configured.
func DefaultSessionConfig() session.SessionConfig {
	return session.SessionConfig{
		ToolCfg: session.ToolConfig{
			Visibility: session.ToolVisibility{Mode: session.VisibilityAll},
			ApprovalPolicy: session.ApprovalPolicy{
				Default: session.DecisionAsk,
				PerTool: map[string]session.PerToolRule{
					"bash": {BashPatterns: []string{"git status", "git diff*", "ls*", "pwd"}},
				},
			},
			MCPAccess: session.MCPAccessPolicy{Mode: session.MCPAccessAll},
		},
	}
}
