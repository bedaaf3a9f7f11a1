// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BrendanGraham14/steer-sub001/internal/capability"
	"github.com/BrendanGraham14/steer-sub001/internal/session"
	"github.com/BrendanGraham14/steer-sub001/internal/tool"
)

// newFakeServer simulates the subset of the MCP JSON-RPC protocol this
// backend speaks over HTTP: initialize, tools/list, tools/call.
func newFakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case "initialize":
			json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{}})
		case "tools/list":
			json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{
				"tools": []any{
					map[string]any{
						"name":        "search",
						"description": "search the web",
						"inputSchema": map[string]any{"type": "object"},
					},
				},
			}})
		case "tools/call":
			params, _ := req.Params.(map[string]any)
			name, _ := params["name"].(string)
			if name != "search" {
				json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Error: &jsonRPCError{Code: -32601, Message: "unknown tool"}})
				return
			}
			json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{
				"content": []any{map[string]any{"type": "text", "text": "found it"}},
			}})
		default:
			t.Fatalf("unexpected method %q", req.Method)
		}
	}))
}

func TestGetToolSchemasConnectsLazilyOverHTTP(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.Close()

	b := New(session.MCPServerConfig{Name: "search-server", Transport: "streamable-http", URL: srv.URL})
	schemas := b.GetToolSchemas()

	require.Len(t, schemas, 1)
	require.Equal(t, "search", schemas[0].Name)
	require.Equal(t, "search the web", schemas[0].Description)
}

func TestExecuteRunsToolCallOverHTTP(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.Close()

	b := New(session.MCPServerConfig{Name: "search-server", Transport: "streamable-http", URL: srv.URL})
	result, err := b.Execute(tool.ExecutionContext{Context: context.Background()}, session.ToolCall{ID: "tc1", Name: "search", Args: map[string]any{"q": "go"}})

	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Equal(t, "found it", result.Value)
}

func TestExecuteSurfacesProtocolErrorAsToolResult(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.Close()

	b := New(session.MCPServerConfig{Name: "search-server", Transport: "streamable-http", URL: srv.URL})
	result, err := b.Execute(tool.ExecutionContext{Context: context.Background()}, session.ToolCall{ID: "tc1", Name: "does_not_exist"})

	require.NoError(t, err)
	require.True(t, result.IsError)
	require.Equal(t, "unknown tool", result.Value)
}

func TestRequiredCapabilitiesIsAlwaysNone(t *testing.T) {
	b := New(session.MCPServerConfig{Name: "s", URL: "http://example.invalid"})
	require.Equal(t, capability.None, b.RequiredCapabilities("anything"))
}

func TestRequiresApprovalDefaultsTrueForUnknownTool(t *testing.T) {
	b := New(session.MCPServerConfig{Name: "s", URL: "http://example.invalid"})
	require.True(t, b.RequiresApproval("anything"))
}

func TestMetadataReportsURLForHTTPTransport(t *testing.T) {
	b := New(session.MCPServerConfig{Name: "search-server", Transport: "sse", URL: "http://example.invalid"})
	meta := b.Metadata()
	require.Equal(t, "mcp", meta.Kind)
	require.Equal(t, "search-server", meta.Name)
	require.Equal(t, "http://example.invalid", meta.Location)
}

func TestMetadataReportsCommandForStdioTransport(t *testing.T) {
	b := New(session.MCPServerConfig{Name: "local-tools", Transport: "stdio", Command: "mcp-server-local"})
	meta := b.Metadata()
	require.Equal(t, "mcp-server-local", meta.Location)
}

func TestEnsureConnectedLogsWarningOnceOnUnreachableServer(t *testing.T) {
	var logs bytes.Buffer
	b := New(session.MCPServerConfig{Name: "unreachable-server", Transport: "streamable-http", URL: "http://127.0.0.1:0"})
	b.log = slog.New(slog.NewTextHandler(&logs, nil))

	_, err := b.Execute(tool.ExecutionContext{Context: context.Background()}, session.ToolCall{ID: "tc1", Name: "search"})
	require.Error(t, err)
	require.Contains(t, logs.String(), "mcp server unreachable")
	require.Contains(t, logs.String(), "unreachable-server")

	firstLogLen := logs.Len()
	_, err = b.Execute(tool.ExecutionContext{Context: context.Background()}, session.ToolCall{ID: "tc2", Name: "search"})
	require.Error(t, err)
	require.Equal(t, firstLogLen, logs.Len(), "cached connection error must not be re-logged")
}
