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
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BrendanGraham14/steer-sub001/internal/session"
	"github.com/BrendanGraham14/steer-sub001/internal/tool"
	"github.com/BrendanGraham14/steer-sub001/internal/workspace"
)

func newTestBackend(t *testing.T) (*Backend, string) {
	t.Helper()
	dir := t.TempDir()
	ws := workspace.NewLocal(dir)
	tools := append(WorkspaceTools(ws), NonWorkspaceTools(NewTodoStore(), DefaultFetchConfig())...)
	return New(tools...), dir
}

func TestExecuteUnknownToolReturnsKindUnknownTool(t *testing.T) {
	b, _ := newTestBackend(t)
	ec := tool.ExecutionContext{SessionID: "s1", ToolCallID: "tc1", Context: context.Background()}

	_, err := b.Execute(ec, session.ToolCall{ID: "tc1", Name: "does_not_exist"})
	require.Error(t, err)

	var toolErr *tool.Error
	require.ErrorAs(t, err, &toolErr)
	require.Equal(t, tool.KindUnknownTool, toolErr.Kind)
}

func TestExecuteReadFileRoundTrips(t *testing.T) {
	b, dir := newTestBackend(t)
	ec := tool.ExecutionContext{SessionID: "s1", ToolCallID: "tc1", Context: context.Background()}

	_, err := b.Execute(ec, session.ToolCall{ID: "tc1", Name: "apply_edits", Args: map[string]any{
		"path": "a.txt",
		"edits": []any{
			map[string]any{"old_string": "", "new_string": "hello"},
		},
	}})
	require.NoError(t, err)

	result, err := b.Execute(ec, session.ToolCall{ID: "tc2", Name: "read_file", Args: map[string]any{"path": "a.txt"}})
	require.NoError(t, err)
	require.Equal(t, "hello", result.Value)
	_ = dir
}

func TestTodoWriteThenReadRoundTrips(t *testing.T) {
	b, _ := newTestBackend(t)
	ec := tool.ExecutionContext{SessionID: "session-a", ToolCallID: "tc1", Context: context.Background()}

	_, err := b.Execute(ec, session.ToolCall{ID: "tc1", Name: "todo_write", Args: map[string]any{
		"todos": []any{
			map[string]any{"id": "1", "content": "write tests", "status": "in_progress"},
		},
	}})
	require.NoError(t, err)

	result, err := b.Execute(ec, session.ToolCall{ID: "tc2", Name: "todo_read"})
	require.NoError(t, err)
	require.Contains(t, result.Value, "write tests")
}

func TestRequiresApprovalFailsSafeForUnknownTool(t *testing.T) {
	b, _ := newTestBackend(t)
	require.True(t, b.RequiresApproval("nonexistent"))
	require.True(t, b.RequiresApproval("bash"))
	require.False(t, b.RequiresApproval("read_file"))
}

func TestGetToolSchemasIncludesAllRegisteredTools(t *testing.T) {
	b, _ := newTestBackend(t)
	schemas := b.GetToolSchemas()
	names := make(map[string]bool, len(schemas))
	for _, s := range schemas {
		names[s.Name] = true
	}
	for _, want := range []string{"read_file", "apply_edits", "glob", "grep", "bash", "list_files", "todo_read", "todo_write", "fetch"} {
		require.True(t, names[want], "missing schema for %s", want)
	}
}
