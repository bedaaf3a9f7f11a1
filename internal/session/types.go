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

// Package session defines the event-sourced session model: the durable,
// replayable log of everything that happens in a coding-agent session, and
// the pure projection from that log into queryable state.
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewID returns a time-ordered session or event identifier.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only fails if the system clock/entropy source is
		// unavailable; fall back to a random v4 rather than panicking.
		return uuid.NewString()
	}
	return id.String()
}

// EventKind identifies the kind of an Event's payload.
type EventKind string

const (
	EventSessionCreated    EventKind = "session_created"
	EventUserMessage       EventKind = "user_message"
	EventAssistantMessage  EventKind = "assistant_message"
	EventToolCallRequested EventKind = "tool_call_requested"
	EventToolCallApproved  EventKind = "tool_call_approved"
	EventToolCallDenied    EventKind = "tool_call_denied"
	EventToolResult        EventKind = "tool_result"
	EventTurnCancelled     EventKind = "turn_cancelled"
	EventSessionCompacted  EventKind = "session_compacted"
)

// ApprovalDecision is the outcome of the approval policy engine for a tool call.
type ApprovalDecision string

const (
	DecisionAllow ApprovalDecision = "allow"
	DecisionDeny  ApprovalDecision = "deny"
	DecisionAsk   ApprovalDecision = "ask"
)

// ToolCallStatus tracks a tool call across its lifecycle as folded from events.
type ToolCallStatus string

const (
	ToolCallRequested ToolCallStatus = "requested"
	ToolCallApproved  ToolCallStatus = "approved"
	ToolCallDenied    ToolCallStatus = "denied"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallFailed    ToolCallStatus = "failed"
	ToolCallCancelled ToolCallStatus = "cancelled"
)

// RemoteAuth authenticates a connection to a Remote workspace.
type RemoteAuth struct {
	Bearer string `json:"bearer,omitempty"`
	APIKey string `json:"api_key,omitempty"`
}

// WorkspaceConfig selects and configures the workspace backing a session.
// Exactly one of Local/Remote/Container should be non-nil.
type WorkspaceConfig struct {
	Local     *LocalWorkspaceConfig     `json:"local,omitempty"`
	Remote    *RemoteWorkspaceConfig    `json:"remote,omitempty"`
	Container *ContainerWorkspaceConfig `json:"container,omitempty"`
}

type LocalWorkspaceConfig struct {
	Root string `json:"root"`
}

type RemoteWorkspaceConfig struct {
	Address string     `json:"address"`
	Auth    RemoteAuth `json:"auth,omitempty"`
}

type ContainerWorkspaceConfig struct {
	Image   string `json:"image"`
	Runtime string `json:"runtime,omitempty"`
}

// MCPAccessPolicy controls which MCP servers a (possibly child) session may reach.
type MCPAccessPolicy struct {
	Mode      MCPAccessMode `json:"mode"`
	Allowlist []string      `json:"allowlist,omitempty"`
}

type MCPAccessMode string

const (
	MCPAccessNone      MCPAccessMode = "none"
	MCPAccessAll       MCPAccessMode = "all"
	MCPAccessAllowlist MCPAccessMode = "allowlist"
)

// MCPServerConfig describes one configured MCP backend.
type MCPServerConfig struct {
	Name      string            `json:"name"`
	Transport string            `json:"transport"` // stdio, sse, http; tcp and unix are not supported
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`
}

// ToolVisibilityMode narrows the tool set available to a session beyond
// capability filtering; it can only narrow, never widen.
type ToolVisibilityMode string

const (
	VisibilityAll       ToolVisibilityMode = "all"
	VisibilityReadOnly  ToolVisibilityMode = "read_only"
	VisibilityWhitelist ToolVisibilityMode = "whitelist"
	VisibilityBlacklist ToolVisibilityMode = "blacklist"
)

type ToolVisibility struct {
	Mode  ToolVisibilityMode `json:"mode"`
	Names []string           `json:"names,omitempty"`
}

// PerToolRule refines the default approval decision for a specific tool.
type PerToolRule struct {
	// BashPatterns, when non-empty, allow a "bash" call whose command matches
	// one of these glob-style patterns, regardless of the policy default.
	BashPatterns []string `json:"bash_patterns,omitempty"`
	// AgentPatterns, when non-empty, allow a "dispatch_agent" call whose
	// requested agent name matches one of these glob-style patterns.
	AgentPatterns []string `json:"agent_patterns,omitempty"`
}

// ApprovalPolicy configures the approval decision engine (see package approval).
type ApprovalPolicy struct {
	Default          ApprovalDecision       `json:"default"`
	PreapprovedTools map[string]struct{}    `json:"preapproved_tools,omitempty"`
	PerTool          map[string]PerToolRule `json:"per_tool,omitempty"`
}

// ToolConfig configures tool visibility, MCP access, and approval for a session.
type ToolConfig struct {
	Visibility     ToolVisibility    `json:"visibility"`
	ApprovalPolicy ApprovalPolicy    `json:"approval_policy"`
	MCPServers     []MCPServerConfig `json:"mcp_servers,omitempty"`
	MCPAccess      MCPAccessPolicy   `json:"mcp_access,omitempty"`
}

// SessionConfig is the immutable configuration a session is created with.
type SessionConfig struct {
	Workspace WorkspaceConfig   `json:"workspace"`
	ToolCfg   ToolConfig        `json:"tool_config"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Session is the durable session record (everything but its event log).
type Session struct {
	ID             string    `json:"id"`
	ParentID       *string   `json:"parent_session_id,omitempty"`
	Config         SessionConfig `json:"config"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ToolCall is a single invocation requested by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolResult is the outcome of executing a ToolCall.
type ToolResult struct {
	ToolCallID string         `json:"tool_call_id"`
	Value      string         `json:"value"`
	IsError    bool           `json:"is_error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Content is a sum type over the kinds of content an event can carry.
// Exactly one field should be set, selected by Kind.
type ContentKind string

const (
	ContentText       ContentKind = "text"
	ContentToolCall   ContentKind = "tool_call"
	ContentToolResult ContentKind = "tool_result"
)

type Content struct {
	Kind       ContentKind `json:"kind"`
	Text       string      `json:"text,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

func TextContent(s string) Content { return Content{Kind: ContentText, Text: s} }

func ToolCallContent(c ToolCall) Content {
	call := c
	return Content{Kind: ContentToolCall, ToolCall: &call}
}

func ToolResultContentOf(r ToolResult) Content {
	res := r
	return Content{Kind: ContentToolResult, ToolResult: &res}
}

// Event is one append-only entry in a session's log.
type Event struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	SequenceNum uint64    `json:"sequence_num"`
	Kind        EventKind `json:"kind"`
	Author      string    `json:"author"`
	CreatedAt   time.Time `json:"created_at"`
	Content     []Content `json:"content,omitempty"`

	// Set only for tool-call lifecycle event kinds.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Set only when Kind == EventSessionCreated and this is a child session.
	ParentSessionID string `json:"parent_session_id,omitempty"`
}

// Message is a single turn of conversation, reconstructed from events for
// callers that want a simple chat-style view rather than the raw log.
type Message struct {
	Author  string    `json:"author"`
	Content []Content `json:"content"`
}

// ToolCallState tracks one tool call's progress through the approval and
// execution pipeline, as folded from the event log.
type ToolCallState struct {
	Call     ToolCall       `json:"call"`
	Status   ToolCallStatus `json:"status"`
	Decision ApprovalDecision `json:"decision,omitempty"`
	Result   *ToolResult    `json:"result,omitempty"`
}

// SessionState is the queryable projection of a session's event log.
type SessionState struct {
	Session   Session                   `json:"session"`
	Messages  []Message                 `json:"messages"`
	ToolCalls map[string]ToolCallState  `json:"tool_calls"`
	// NextSequenceNum is the sequence number the next appended event will get.
	NextSequenceNum uint64 `json:"next_sequence_num"`
}

// ErrSessionNotFound is returned by Store.GetSession and related lookups.
var ErrSessionNotFound = fmt.Errorf("session not found")

// ErrStaleAppend is returned when a caller's view of a session's sequence
// counter has fallen behind a concurrent writer (should not normally surface
// since AppendEvent serializes under a per-session lock/transaction, but is
// kept as a defensive sentinel for distributed-lock deployments).
var ErrStaleAppend = fmt.Errorf("stale append: session sequence advanced concurrently")
