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

// Package mcp implements a Backend over one external MCP server.
//
// Two families of transport are supported: stdio, handled by
// github.com/mark3labs/mcp-go's subprocess client, and HTTP-based
// transports (sse, streamable-http), hand-rolled JSON-RPC over the
// internal/httpclient retry client since mcp-go's HTTP client does not
// expose the backoff/rate-limit hooks this module standardizes on.
//
// Discovery (connect + initialize + tools/list) is bounded by
// discoveryTimeout so a misbehaving server cannot wedge a session's
// startup indefinitely.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/BrendanGraham14/steer-sub001/internal/capability"
	"github.com/BrendanGraham14/steer-sub001/internal/httpclient"
	"github.com/BrendanGraham14/steer-sub001/internal/session"
	"github.com/BrendanGraham14/steer-sub001/internal/tool"
)

const (
	protocolVersion   = "2024-11-05"
	clientName        = "steer"
	clientVersion     = "0.1.0"
	discoveryTimeout  = 10 * time.Second
	defaultSSETimeout = 5 * time.Minute
)

// Backend talks to one configured MCP server. It connects lazily: the
// subprocess or HTTP session is only established on first Execute or
// GetToolSchemas call, and Close tears it down.
type Backend struct {
	cfg session.MCPServerConfig

	mu         sync.Mutex
	connected  bool
	connectErr error

	stdio      *mcpclient.Client
	httpClient *httpclient.Client
	httpSessID string
	httpSessMu sync.RWMutex

	schemas map[string]tool.Schema // by bare tool name

	log *slog.Logger
}

// New builds a lazily-connecting Backend for one MCP server configuration.
func New(cfg session.MCPServerConfig) *Backend {
	return &Backend{cfg: cfg, schemas: make(map[string]tool.Schema), log: slog.Default()}
}

func (b *Backend) Metadata() tool.BackendMetadata {
	loc := b.cfg.URL
	if loc == "" {
		loc = b.cfg.Command
	}
	return tool.BackendMetadata{Kind: "mcp", Name: b.cfg.Name, Location: loc}
}

// RequiredCapabilities always returns capability.None: an MCP server's
// internal effects are opaque to the host, so it is never gated behind a
// capability flag. The registry instead always includes MCP schemas and
// relies on MCPAccessPolicy and ToolVisibility to narrow exposure.
func (b *Backend) RequiredCapabilities(name string) capability.Set {
	return capability.None
}

// RequiresApproval fails safe: every MCP tool requires approval, since its
// side effects cannot be inspected ahead of time.
func (b *Backend) RequiresApproval(name string) bool {
	return true
}

func (b *Backend) SupportedTools() []string {
	if err := b.ensureConnected(context.Background()); err != nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.schemas))
	for name := range b.schemas {
		names = append(names, name)
	}
	return names
}

func (b *Backend) GetToolSchemas() []tool.Schema {
	if err := b.ensureConnected(context.Background()); err != nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	schemas := make([]tool.Schema, 0, len(b.schemas))
	for _, s := range b.schemas {
		schemas = append(schemas, s)
	}
	return schemas
}

// Execute runs call.Name (already stripped of any mcp__<server>__ prefix by
// the registry) against the connected server.
func (b *Backend) Execute(ec tool.ExecutionContext, call session.ToolCall) (session.ToolResult, error) {
	if err := b.ensureConnected(ec.Context); err != nil {
		return session.ToolResult{}, tool.Wrap(tool.KindMCPConnection, "mcp server unavailable", err)
	}

	var (
		value   string
		isError bool
		err     error
	)
	if b.usesStdio() {
		value, isError, err = b.callStdio(ec.Context, call)
	} else {
		value, isError, err = b.callHTTP(ec.Context, call)
	}
	if err != nil {
		return session.ToolResult{}, tool.Wrap(tool.KindMCPProtocol, "mcp tool call failed", err)
	}
	return session.ToolResult{ToolCallID: call.ID, Value: value, IsError: isError}, nil
}

func (b *Backend) usesStdio() bool {
	return b.cfg.Transport == "stdio" || (b.cfg.Transport == "" && b.cfg.Command != "")
}

func (b *Backend) ensureConnected(ctx context.Context) error {
	b.mu.Lock()
	if b.connected {
		b.mu.Unlock()
		return nil
	}
	if b.connectErr != nil {
		b.mu.Unlock()
		return b.connectErr
	}
	b.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	var err error
	if b.usesStdio() {
		err = b.connectStdio(connectCtx)
	} else {
		err = b.connectHTTP(connectCtx)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.connectErr = err
		b.log.Warn("mcp server unreachable", "server", b.cfg.Name, "error", err)
		return err
	}
	b.connected = true
	return nil
}

func (b *Backend) connectStdio(ctx context.Context) error {
	env := make([]string, 0, len(b.cfg.Env))
	for k, v := range b.cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	c, err := mcpclient.NewStdioMCPClient(b.cfg.Command, env, b.cfg.Args...)
	if err != nil {
		return fmt.Errorf("create stdio client: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("start stdio client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	initReq.Params.ProtocolVersion = protocolVersion
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	listResp, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		c.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	schemas := make(map[string]tool.Schema, len(listResp.Tools))
	for _, t := range listResp.Tools {
		schemas[t.Name] = tool.Schema{Name: t.Name, Description: t.Description, Parameters: schemaToMap(t.InputSchema)}
	}

	b.stdio = c
	b.schemas = schemas
	return nil
}

func (b *Backend) callStdio(ctx context.Context, call session.ToolCall) (value string, isError bool, err error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = call.Name
	req.Params.Arguments = call.Args

	resp, err := b.stdio.CallTool(ctx, req)
	if err != nil {
		return "", false, err
	}
	return joinTextContent(resp), resp.IsError, nil
}

func joinTextContent(resp *mcp.CallToolResult) string {
	var texts []string
	for _, c := range resp.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func schemaToMap(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

// Close releases the underlying transport without blocking the caller. A
// stdio client's subprocess is shut down in a background goroutine, so Close
// returns nil before that finishes and a shutdown error is only logged;
// HTTP transports hold no persistent connection to close.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stdio != nil {
		c := b.stdio
		go func() {
			if err := c.Close(); err != nil {
				b.log.Warn("mcp server shutdown failed", "server", b.cfg.Name, "error", err)
			}
		}()
		b.stdio = nil
		b.connected = false
		b.schemas = make(map[string]tool.Schema)
		return nil
	}
	b.httpClient = nil
	b.connected = false
	b.schemas = make(map[string]tool.Schema)
	return nil
}

// --- HTTP (sse, streamable-http) transport ---

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (b *Backend) connectHTTP(ctx context.Context) error {
	b.httpClient = httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		httpclient.WithMaxRetries(3),
		httpclient.WithBaseDelay(2*time.Second),
	)

	initResp, err := b.rpc(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo":      map[string]any{"name": clientName, "version": clientVersion},
		"capabilities":    map[string]any{},
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if initResp.Error != nil {
		return fmt.Errorf("initialize: %s", initResp.Error.Message)
	}

	listResp, err := b.rpc(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}
	if listResp.Error != nil {
		return fmt.Errorf("list tools: %s", listResp.Error.Message)
	}

	result, ok := listResp.Result.(map[string]any)
	if !ok {
		return fmt.Errorf("unexpected tools/list result shape")
	}
	rawTools, ok := result["tools"].([]any)
	if !ok {
		return fmt.Errorf("tools/list response missing tools array")
	}

	schemas := make(map[string]tool.Schema, len(rawTools))
	for _, raw := range rawTools {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		if name == "" {
			continue
		}
		desc, _ := m["description"].(string)
		params, _ := m["inputSchema"].(map[string]any)
		schemas[name] = tool.Schema{Name: name, Description: desc, Parameters: params}
	}

	b.schemas = schemas
	return nil
}

func (b *Backend) callHTTP(ctx context.Context, call session.ToolCall) (value string, isError bool, err error) {
	resp, err := b.rpc(ctx, "tools/call", map[string]any{"name": call.Name, "arguments": call.Args})
	if err != nil {
		return "", false, err
	}
	if resp.Error != nil {
		return resp.Error.Message, true, nil
	}

	result, ok := resp.Result.(map[string]any)
	if !ok {
		return fmt.Sprintf("%v", resp.Result), false, nil
	}
	if errFlag, _ := result["isError"].(bool); errFlag {
		return extractErrorText(result), true, nil
	}
	return extractTextContent(result), false, nil
}

func extractErrorText(result map[string]any) string {
	if content, ok := result["content"].([]any); ok {
		for _, c := range content {
			if cm, ok := c.(map[string]any); ok {
				if text, ok := cm["text"].(string); ok {
					return text
				}
			}
		}
	}
	return "unknown error"
}

func extractTextContent(result map[string]any) string {
	content, ok := result["content"].([]any)
	if !ok {
		return ""
	}
	var texts []string
	for _, c := range content {
		cm, ok := c.(map[string]any)
		if !ok || cm["type"] != "text" {
			continue
		}
		if text, ok := cm["text"].(string); ok {
			texts = append(texts, text)
		}
	}
	return strings.Join(texts, "\n")
}

func (b *Backend) rpc(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	body, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.URL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	b.httpSessMu.RLock()
	sessID := b.httpSessID
	b.httpSessMu.RUnlock()
	if sessID != "" {
		req.Header.Set("mcp-session-id", sessID)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if newSessID := resp.Header.Get("mcp-session-id"); newSessID != "" {
		b.httpSessMu.Lock()
		b.httpSessID = newSessID
		b.httpSessMu.Unlock()
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		return readSSEResponse(resp, defaultSSETimeout)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var out jsonRPCResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &out, nil
}

// readSSEResponse reads the first complete JSON-RPC message from an SSE
// stream, bounded by timeout so a server that never closes the stream
// cannot hang a tool call forever.
func readSSEResponse(resp *http.Response, timeout time.Duration) (*jsonRPCResponse, error) {
	type outcome struct {
		resp *jsonRPCResponse
		err  error
	}
	out := make(chan outcome, 1)

	go func() {
		defer resp.Body.Close()
		reader := bufio.NewReader(resp.Body)
		var data strings.Builder

		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				break
			}
			trimmed := strings.TrimSpace(string(line))
			if trimmed == "" {
				if data.Len() > 0 {
					var parsed jsonRPCResponse
					if json.Unmarshal([]byte(data.String()), &parsed) == nil {
						out <- outcome{resp: &parsed}
						return
					}
					data.Reset()
				}
				continue
			}
			if strings.HasPrefix(trimmed, "data:") {
				data.WriteString(strings.TrimSpace(strings.TrimPrefix(trimmed, "data:")))
			}
		}
		out <- outcome{err: fmt.Errorf("sse stream ended without a complete message")}
	}()

	select {
	case o := <-out:
		return o.resp, o.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("timeout reading sse response after %v", timeout)
	}
}
