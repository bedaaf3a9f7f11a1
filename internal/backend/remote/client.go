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

// Package remote implements the Remote Workspace RPC: a tool.Backend that
// forwards every tool call to a remote workspace server over HTTP+JSON, and
// the chi-routed server side that answers those calls. This is the Go
// stand-in for a gRPC service: the upstream implementation used a
// protoc-generated client, which this module can't regenerate, so the wire
// format here is plain JSON request/response bodies instead.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/BrendanGraham14/steer-sub001/internal/capability"
	"github.com/BrendanGraham14/steer-sub001/internal/httpclient"
	"github.com/BrendanGraham14/steer-sub001/internal/session"
	"github.com/BrendanGraham14/steer-sub001/internal/tool"
	"github.com/BrendanGraham14/steer-sub001/internal/workspace"
)

// Client forwards tool execution to a Remote Workspace server.
type Client struct {
	address string
	auth    session.RemoteAuth
	http    *http.Client

	mu          sync.RWMutex
	schemas     []tool.Schema
	approvals   map[string]bool
	schemasDone bool
	envCache    *workspace.EnvironmentInfo
	envCachedAt time.Time
}

// remoteEnvironmentTTL is longer than the local workspace's TTL since a
// round trip to the remote side is far more expensive than a local stat/walk.
const remoteEnvironmentTTL = 10 * time.Minute

// NewClient creates a Remote backend pointed at address (e.g.
// "https://workspace.example:8443"). The auth token, if any, is sent as a
// bearer Authorization header or X-API-Key header on every request.
func NewClient(address string, auth session.RemoteAuth, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		address:   address,
		auth:      auth,
		http:      &http.Client{Timeout: timeout},
		approvals: make(map[string]bool),
	}
}

func (c *Client) authorize(req *http.Request) {
	if c.auth.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.auth.Bearer)
	}
	if c.auth.APIKey != "" {
		req.Header.Set("X-API-Key", c.auth.APIKey)
	}
}

type executeToolRequest struct {
	SessionID   string         `json:"session_id"`
	OperationID string         `json:"operation_id"`
	ToolCallID  string         `json:"tool_call_id"`
	Name        string         `json:"name"`
	Args        map[string]any `json:"args"`
}

type executeToolResponse struct {
	Value   string `json:"value"`
	IsError bool   `json:"is_error"`
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return tool.Wrap(tool.KindSerialization, "failed to marshal remote request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.address+path, bytes.NewReader(body))
	if err != nil {
		return tool.Wrap(tool.KindRemoteRPC, "failed to build remote request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return tool.Wrap(tool.KindRemoteRPC, "remote request failed", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		retryAfter := time.Duration(0)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return tool.Wrap(tool.KindRemoteRPC, "remote call failed",
				&httpclient.RetryableError{StatusCode: resp.StatusCode, Message: string(respBody), RetryAfter: retryAfter})
		}
		return tool.New(tool.KindRemoteRPC, fmt.Sprintf("remote call failed: HTTP %d: %s", resp.StatusCode, string(respBody)))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return tool.Wrap(tool.KindSerialization, "failed to unmarshal remote response", err)
		}
	}
	return nil
}

func (c *Client) Execute(ec tool.ExecutionContext, call session.ToolCall) (session.ToolResult, error) {
	var out executeToolResponse
	err := c.post(ec.Context, "/v1/tools/execute", executeToolRequest{
		SessionID: ec.SessionID, OperationID: ec.OperationID, ToolCallID: ec.ToolCallID,
		Name: call.Name, Args: call.Args,
	}, &out)
	if err != nil {
		return session.ToolResult{}, err
	}
	return session.ToolResult{ToolCallID: call.ID, Value: out.Value, IsError: out.IsError}, nil
}

type schemasResponse struct {
	Schemas   []tool.Schema   `json:"schemas"`
	Approvals map[string]bool `json:"approvals"`
}

// ensureSchemas fetches and caches GetToolSchemas/GetToolApprovalRequirements
// on first use, matching the Remote Workspace's cache-after-handshake design.
func (c *Client) ensureSchemas(ctx context.Context) {
	c.mu.RLock()
	done := c.schemasDone
	c.mu.RUnlock()
	if done {
		return
	}

	var out schemasResponse
	if err := c.post(ctx, "/v1/tools/schemas", struct{}{}, &out); err != nil {
		return
	}

	c.mu.Lock()
	c.schemas = out.Schemas
	c.approvals = out.Approvals
	c.schemasDone = true
	c.mu.Unlock()
}

func (c *Client) SupportedTools() []string {
	c.ensureSchemas(context.Background())
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.schemas))
	for _, s := range c.schemas {
		names = append(names, s.Name)
	}
	return names
}

func (c *Client) GetToolSchemas() []tool.Schema {
	c.ensureSchemas(context.Background())
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]tool.Schema(nil), c.schemas...)
}

// RequiresApproval defaults to true for any tool this client hasn't heard
// back about, per the fail-safe rule for unknown/remote tools.
func (c *Client) RequiresApproval(name string) bool {
	c.ensureSchemas(context.Background())
	c.mu.RLock()
	defer c.mu.RUnlock()
	approve, ok := c.approvals[name]
	if !ok {
		return true
	}
	return approve
}

// RequiredCapabilities is always capability.None: the remote side enforces
// its own access rules, and a remote tool's requirements are opaque to this
// host, so it is always included in AvailableSchemas.
func (c *Client) RequiredCapabilities(name string) capability.Set {
	return capability.None
}

func (c *Client) Metadata() tool.BackendMetadata {
	return tool.BackendMetadata{Kind: "remote", Name: "remote-workspace", Location: c.address}
}

func (c *Client) GetEnvironmentInfo(ctx context.Context) (workspace.EnvironmentInfo, error) {
	c.mu.RLock()
	cached := c.envCache
	cachedAt := c.envCachedAt
	c.mu.RUnlock()
	if cached != nil && time.Since(cachedAt) < remoteEnvironmentTTL {
		return *cached, nil
	}

	var out workspace.EnvironmentInfo
	if err := c.post(ctx, "/v1/environment", struct{}{}, &out); err != nil {
		return workspace.EnvironmentInfo{}, err
	}

	c.mu.Lock()
	c.envCache = &out
	c.envCachedAt = time.Now()
	c.mu.Unlock()
	return out, nil
}

// InvalidateEnvironmentCache forces the next GetEnvironmentInfo call to
// fetch fresh data from the remote side regardless of TTL.
func (c *Client) InvalidateEnvironmentCache() {
	c.mu.Lock()
	c.envCache = nil
	c.mu.Unlock()
}

func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.address+"/v1/health", nil)
	if err != nil {
		return tool.Wrap(tool.KindRemoteRPC, "failed to build health request", err)
	}
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return tool.Wrap(tool.KindRemoteRPC, "health check failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return tool.New(tool.KindRemoteRPC, fmt.Sprintf("remote workspace unhealthy: HTTP %d", resp.StatusCode))
	}
	return nil
}

var _ tool.Backend = (*Client)(nil)
