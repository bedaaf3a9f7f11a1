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

package subagent

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/BrendanGraham14/steer-sub001/internal/backend/static"
	"github.com/BrendanGraham14/steer-sub001/internal/capability"
	"github.com/BrendanGraham14/steer-sub001/internal/session"
	"github.com/BrendanGraham14/steer-sub001/internal/tool"
)

// dispatchParams mirrors the wire shape of a dispatch_agent call: workspace
// and mode each carry one of two variants, expressed as flat optional
// fields rather than a Go sum type since arguments arrive as untyped JSON
// from the model.
type dispatchParams struct {
	Prompt string `json:"prompt" jsonschema:"required,description=Instructions for the sub-agent"`
	Agent  string `json:"agent" jsonschema:"description=Registered agent spec name; ignored when resuming"`

	Workspace string `json:"workspace" jsonschema:"description=current or new,enum=current|new"`
	NewName   string `json:"new_workspace_name,omitempty" jsonschema:"description=Name for the new workspace; required when workspace=new"`

	Mode     string `json:"mode" jsonschema:"description=new or resume,enum=new|resume"`
	ResumeID string `json:"resume_session_id,omitempty" jsonschema:"description=Child session ID to resume; required when mode=resume"`
}

// DispatchAgentTool builds the dispatch_agent static.Tool backed by s.
func DispatchAgentTool(s *Spawner) static.Tool {
	return static.Tool{
		Name:                 "dispatch_agent",
		Description:          "Run another agent, optionally on a new workspace, to completion and return its final response.",
		Parameters:           &dispatchParams{},
		RequiredCapabilities: capability.Agent,
		RequiresApprovalFlag: true,
		Handler: func(ec tool.ExecutionContext, args map[string]any) (session.ToolResult, error) {
			var p dispatchParams
			if err := mapstructure.Decode(args, &p); err != nil {
				return session.ToolResult{}, tool.Wrap(tool.KindInvalidParams, "invalid dispatch_agent arguments", err)
			}

			mode := DispatchMode(p.Mode)
			if mode == "" {
				mode = ModeNew
			}
			if mode == ModeResume && p.ResumeID == "" {
				return session.ToolResult{}, tool.New(tool.KindInvalidParams, "mode=resume requires resume_session_id")
			}

			workspace := WorkspaceMode(p.Workspace)
			if workspace == "" {
				workspace = WorkspaceCurrent
			}
			if workspace == WorkspaceNew && p.NewName == "" {
				return session.ToolResult{}, tool.New(tool.KindInvalidParams, "workspace=new requires new_workspace_name")
			}

			result, err := s.Dispatch(ec.Context, ec.SessionID, ec.OperationID, Params{
				Prompt:    p.Prompt,
				Agent:     p.Agent,
				Workspace: workspace,
				NewName:   p.NewName,
				Mode:      mode,
				ResumeID:  p.ResumeID,
			})
			if err != nil {
				return session.ToolResult{}, fmt.Errorf("dispatch_agent: %w", err)
			}
			return session.ToolResult{Value: fmt.Sprintf("[session %s]\n%s", result.SessionID, result.FinalText)}, nil
		},
	}
}
