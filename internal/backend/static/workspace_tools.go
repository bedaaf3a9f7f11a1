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

package static

import (
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/BrendanGraham14/steer-sub001/internal/capability"
	"github.com/BrendanGraham14/steer-sub001/internal/session"
	"github.com/BrendanGraham14/steer-sub001/internal/tool"
	"github.com/BrendanGraham14/steer-sub001/internal/workspace"
)

func decodeArgs(args map[string]any, out any) error {
	return mapstructure.Decode(args, out)
}

// WorkspaceTools returns the full catalog of workspace-backed tools bound
// to ws: read_file, apply_edits, glob, grep, bash, list_files.
func WorkspaceTools(ws workspace.Workspace) []Tool {
	return []Tool{
		readFileTool(ws),
		applyEditsTool(ws),
		globTool(ws),
		grepTool(ws),
		bashTool(ws),
		listFilesTool(ws),
	}
}

// ReadOnlyWorkspaceTools returns only the tools that cannot mutate the
// workspace, for sessions whose ToolVisibility is read_only.
func ReadOnlyWorkspaceTools(ws workspace.Workspace) []Tool {
	return []Tool{readFileTool(ws), globTool(ws), grepTool(ws), listFilesTool(ws)}
}

type readFileParams struct {
	Path string `json:"path" jsonschema:"required,description=File path relative to the workspace root"`
}

func readFileTool(ws workspace.Workspace) Tool {
	return Tool{
		Name:                 "read_file",
		Description:          "Read the contents of a text file in the workspace.",
		Parameters:           &readFileParams{},
		RequiredCapabilities: capability.Workspace,
		RequiresApprovalFlag: false,
		Handler: func(ec tool.ExecutionContext, args map[string]any) (session.ToolResult, error) {
			var p readFileParams
			if err := decodeArgs(args, &p); err != nil {
				return session.ToolResult{}, tool.Wrap(tool.KindInvalidParams, "invalid read_file params", err)
			}
			content, err := ws.ReadFile(ec.Context, p.Path)
			if err != nil {
				return session.ToolResult{ToolCallID: ec.ToolCallID, IsError: true, Value: err.Error()}, nil
			}
			return session.ToolResult{ToolCallID: ec.ToolCallID, Value: content}, nil
		},
	}
}

type editParam struct {
	OldString string `json:"old_string" jsonschema:"description=Exact text to replace; empty means create the file"`
	NewString string `json:"new_string" jsonschema:"description=Replacement text"`
}

type applyEditsParams struct {
	Path  string      `json:"path" jsonschema:"required,description=File path relative to the workspace root"`
	Edits []editParam `json:"edits" jsonschema:"required,description=Ordered list of edits to apply atomically"`
}

func applyEditsTool(ws workspace.Workspace) Tool {
	return Tool{
		Name: "apply_edits",
		Description: "Apply an ordered list of exact string replacements to a file as a single atomic " +
			"operation: either every edit applies, or none do. An edit with an empty old_string creates " +
			"a new file, which must not already exist. Every other edit's old_string must match exactly " +
			"once in the file as it stands after the prior edits in this call.",
		Parameters:           &applyEditsParams{},
		RequiredCapabilities: capability.Workspace,
		RequiresApprovalFlag: true,
		Handler: func(ec tool.ExecutionContext, args map[string]any) (session.ToolResult, error) {
			var p applyEditsParams
			if err := decodeArgs(args, &p); err != nil {
				return session.ToolResult{}, tool.Wrap(tool.KindInvalidParams, "invalid apply_edits params", err)
			}
			edits := make([]workspace.Edit, 0, len(p.Edits))
			for _, e := range p.Edits {
				edits = append(edits, workspace.Edit{OldString: e.OldString, NewString: e.NewString})
			}
			if err := ws.ApplyEdits(ec.Context, p.Path, edits); err != nil {
				return session.ToolResult{ToolCallID: ec.ToolCallID, IsError: true, Value: err.Error()}, nil
			}
			return session.ToolResult{ToolCallID: ec.ToolCallID, Value: "applied " + itoa(len(edits)) + " edit(s) to " + p.Path}, nil
		},
	}
}

type globParams struct {
	Pattern string `json:"pattern" jsonschema:"required,description=Glob pattern relative to the workspace root"`
}

func globTool(ws workspace.Workspace) Tool {
	return Tool{
		Name:                 "glob",
		Description:          "List files in the workspace matching a glob pattern.",
		Parameters:           &globParams{},
		RequiredCapabilities: capability.Workspace,
		Handler: func(ec tool.ExecutionContext, args map[string]any) (session.ToolResult, error) {
			var p globParams
			if err := decodeArgs(args, &p); err != nil {
				return session.ToolResult{}, tool.Wrap(tool.KindInvalidParams, "invalid glob params", err)
			}
			matches, err := ws.Glob(ec.Context, p.Pattern)
			if err != nil {
				return session.ToolResult{ToolCallID: ec.ToolCallID, IsError: true, Value: err.Error()}, nil
			}
			return session.ToolResult{ToolCallID: ec.ToolCallID, Value: strings.Join(matches, "\n")}, nil
		},
	}
}

type grepParams struct {
	Pattern  string `json:"pattern" jsonschema:"required,description=Regular expression to search for"`
	PathGlob string `json:"path_glob,omitempty" jsonschema:"description=Restrict the search to files matching this glob"`
}

func grepTool(ws workspace.Workspace) Tool {
	return Tool{
		Name:                 "grep",
		Description:          "Search file contents in the workspace for a regular expression.",
		Parameters:           &grepParams{},
		RequiredCapabilities: capability.Workspace,
		Handler: func(ec tool.ExecutionContext, args map[string]any) (session.ToolResult, error) {
			var p grepParams
			if err := decodeArgs(args, &p); err != nil {
				return session.ToolResult{}, tool.Wrap(tool.KindInvalidParams, "invalid grep params", err)
			}
			matches, err := ws.Grep(ec.Context, p.Pattern, p.PathGlob)
			if err != nil {
				return session.ToolResult{ToolCallID: ec.ToolCallID, IsError: true, Value: err.Error()}, nil
			}
			return session.ToolResult{ToolCallID: ec.ToolCallID, Value: strings.Join(matches, "\n")}, nil
		},
	}
}

type bashParams struct {
	Command   string `json:"command" jsonschema:"required,description=Shell command to run"`
	TimeoutMs int64  `json:"timeout_ms,omitempty" jsonschema:"description=Timeout in milliseconds; default 5 minutes"`
}

func bashTool(ws workspace.Workspace) Tool {
	return Tool{
		Name:                 "bash",
		Description:          "Run a shell command in the workspace.",
		Parameters:           &bashParams{},
		RequiredCapabilities: capability.Workspace,
		RequiresApprovalFlag: true,
		Handler: func(ec tool.ExecutionContext, args map[string]any) (session.ToolResult, error) {
			var p bashParams
			if err := decodeArgs(args, &p); err != nil {
				return session.ToolResult{}, tool.Wrap(tool.KindInvalidParams, "invalid bash params", err)
			}
			result, err := ws.Bash(ec.Context, p.Command, p.TimeoutMs)
			if err != nil {
				return session.ToolResult{ToolCallID: ec.ToolCallID, IsError: true, Value: err.Error()}, nil
			}
			out := result.Stdout
			if result.Stderr != "" {
				out += "\n--- stderr ---\n" + result.Stderr
			}
			return session.ToolResult{
				ToolCallID: ec.ToolCallID,
				Value:      out,
				IsError:    result.ExitCode != 0,
				Metadata:   map[string]any{"exit_code": result.ExitCode, "duration_ms": result.DurationMs},
			}, nil
		},
	}
}

type listFilesParams struct {
	Root string `json:"root,omitempty" jsonschema:"description=Directory relative to the workspace root; defaults to the root itself"`
}

func listFilesTool(ws workspace.Workspace) Tool {
	return Tool{
		Name:                 "list_files",
		Description:          "List files and directories under a path in the workspace.",
		Parameters:           &listFilesParams{},
		RequiredCapabilities: capability.Workspace,
		Handler: func(ec tool.ExecutionContext, args map[string]any) (session.ToolResult, error) {
			var p listFilesParams
			if err := decodeArgs(args, &p); err != nil {
				return session.ToolResult{}, tool.Wrap(tool.KindInvalidParams, "invalid list_files params", err)
			}
			var lines []string
			err := ws.ListFiles(ec.Context, p.Root, func(entry workspace.FileEntry) bool {
				lines = append(lines, entry.Path)
				return true
			})
			if err != nil {
				return session.ToolResult{ToolCallID: ec.ToolCallID, IsError: true, Value: err.Error()}, nil
			}
			return session.ToolResult{ToolCallID: ec.ToolCallID, Value: strings.Join(lines, "\n")}, nil
		},
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
