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

package approval

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BrendanGraham14/steer-sub001/internal/session"
)

func TestDecidePreapprovedToolAllows(t *testing.T) {
	policy := session.ApprovalPolicy{
		Default:          session.DecisionAsk,
		PreapprovedTools: map[string]struct{}{"read_file": {}},
	}
	got := Decide(policy, session.ToolCall{Name: "read_file"})
	require.Equal(t, session.DecisionAllow, got)
}

func TestDecidePerToolBashPatternAllows(t *testing.T) {
	policy := session.ApprovalPolicy{
		Default: session.DecisionAsk,
		PerTool: map[string]session.PerToolRule{"bash": {BashPatterns: []string{"git *"}}},
	}
	got := Decide(policy, session.ToolCall{Name: "bash", Args: map[string]any{"command": "git status"}})
	require.Equal(t, session.DecisionAllow, got)
}

func TestDecidePerToolBashPatternFallsThroughToDefault(t *testing.T) {
	policy := session.ApprovalPolicy{
		Default: session.DecisionDeny,
		PerTool: map[string]session.PerToolRule{"bash": {BashPatterns: []string{"git *"}}},
	}
	got := Decide(policy, session.ToolCall{Name: "bash", Args: map[string]any{"command": "rm -rf /"}})
	require.Equal(t, session.DecisionDeny, got)
}

func TestDecidePerToolAgentPatternAllows(t *testing.T) {
	policy := session.ApprovalPolicy{
		Default: session.DecisionAsk,
		PerTool: map[string]session.PerToolRule{"dispatch_agent": {AgentPatterns: []string{"reviewer-*"}}},
	}
	got := Decide(policy, session.ToolCall{Name: "dispatch_agent", Args: map[string]any{"agent": "reviewer-go"}})
	require.Equal(t, session.DecisionAllow, got)
}

func TestDecideDefaultsWhenNoRuleMatches(t *testing.T) {
	policy := session.ApprovalPolicy{Default: session.DecisionAsk}
	got := Decide(policy, session.ToolCall{Name: "bash", Args: map[string]any{"command": "ls"}})
	require.Equal(t, session.DecisionAsk, got)
}

func TestDecideIsReferentiallyTransparent(t *testing.T) {
	policy := session.ApprovalPolicy{Default: session.DecisionAllow}
	call := session.ToolCall{Name: "glob", Args: map[string]any{"pattern": "**/*.go"}}
	first := Decide(policy, call)
	second := Decide(policy, call)
	require.Equal(t, first, second)
}
