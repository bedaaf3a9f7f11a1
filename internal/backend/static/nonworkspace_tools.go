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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/BrendanGraham14/steer-sub001/internal/capability"
	"github.com/BrendanGraham14/steer-sub001/internal/httpclient"
	"github.com/BrendanGraham14/steer-sub001/internal/session"
	"github.com/BrendanGraham14/steer-sub001/internal/tool"
)

// TodoItem is one entry in a session's todo list.
type TodoItem struct {
	ID       string `json:"id" jsonschema:"required"`
	Content  string `json:"content" jsonschema:"required"`
	Status   string `json:"status" jsonschema:"required,enum=pending|in_progress|completed"`
	Priority string `json:"priority,omitempty" jsonschema:"enum=low|medium|high"`
}

// TodoStore holds the in-memory todo list per session. It is not persisted
// across process restarts; a session resumed from the event log starts with
// an empty list until the agent calls todo_write again.
type TodoStore struct {
	mu    sync.Mutex
	lists map[string][]TodoItem
}

func NewTodoStore() *TodoStore {
	return &TodoStore{lists: make(map[string][]TodoItem)}
}

func (s *TodoStore) Get(sessionID string) []TodoItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TodoItem(nil), s.lists[sessionID]...)
}

func (s *TodoStore) Set(sessionID string, todos []TodoItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[sessionID] = todos
}

type todoReadParams struct{}

func todoReadTool(store *TodoStore) Tool {
	return Tool{
		Name: "todo_read",
		Description: "Read the current to-do list for this session. Use this often: at the start of a " +
			"turn, before starting new work, and whenever you're unsure what's pending.",
		Parameters:           &todoReadParams{},
		RequiredCapabilities: capability.None,
		Handler: func(ec tool.ExecutionContext, args map[string]any) (session.ToolResult, error) {
			todos := store.Get(ec.SessionID)
			raw, err := json.Marshal(todos)
			if err != nil {
				return session.ToolResult{}, tool.Wrap(tool.KindSerialization, "failed to marshal todos", err)
			}
			return session.ToolResult{ToolCallID: ec.ToolCallID, Value: string(raw)}, nil
		},
	}
}

type todoWriteParams struct {
	Todos []TodoItem `json:"todos" jsonschema:"required,description=The full todo list to replace the current one"`
}

func todoWriteTool(store *TodoStore) Tool {
	return Tool{
		Name: "todo_write",
		Description: "Replace the session's to-do list with the given items. Use for multi-step or " +
			"non-trivial work; keep at most one item in_progress at a time and mark items completed " +
			"immediately after finishing them.",
		Parameters:           &todoWriteParams{},
		RequiredCapabilities: capability.None,
		Handler: func(ec tool.ExecutionContext, args map[string]any) (session.ToolResult, error) {
			var p todoWriteParams
			if err := decodeArgs(args, &p); err != nil {
				return session.ToolResult{}, tool.Wrap(tool.KindInvalidParams, "invalid todo_write params", err)
			}
			store.Set(ec.SessionID, p.Todos)
			return session.ToolResult{ToolCallID: ec.ToolCallID, Value: fmt.Sprintf("saved %d todo(s)", len(p.Todos))}, nil
		},
	}
}

// FetchConfig bounds the fetch tool's outbound requests.
type FetchConfig struct {
	Timeout         time.Duration
	MaxRetries      int
	MaxResponseSize int64
	AllowedDomains  []string
	DeniedDomains   []string
	UserAgent       string
}

func DefaultFetchConfig() FetchConfig {
	return FetchConfig{
		Timeout:         30 * time.Second,
		MaxRetries:      2,
		MaxResponseSize: 10 * 1024 * 1024,
		UserAgent:       "steer-sub001-agent/1.0",
	}
}

type fetchParams struct {
	URL     string            `json:"url" jsonschema:"required,description=The URL to fetch"`
	Method  string            `json:"method,omitempty" jsonschema:"description=HTTP method,default=GET,enum=GET|POST|PUT|DELETE|PATCH|HEAD"`
	Headers map[string]string `json:"headers,omitempty" jsonschema:"description=Request headers"`
	Body    string            `json:"body,omitempty" jsonschema:"description=Request body for POST/PUT/PATCH"`
}

func fetchTool(cfg FetchConfig) Tool {
	hc := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		httpclient.WithMaxRetries(cfg.MaxRetries),
	)

	return Tool{
		Name:                 "fetch",
		Description:          "Fetch a URL over HTTP(S) and return the response body, status, and headers.",
		Parameters:           &fetchParams{},
		RequiredCapabilities: capability.Network,
		RequiresApprovalFlag: false,
		Handler: func(ec tool.ExecutionContext, args map[string]any) (session.ToolResult, error) {
			var p fetchParams
			if err := decodeArgs(args, &p); err != nil {
				return session.ToolResult{}, tool.Wrap(tool.KindInvalidParams, "invalid fetch params", err)
			}

			parsed, err := url.Parse(p.URL)
			if err != nil {
				return session.ToolResult{ToolCallID: ec.ToolCallID, IsError: true, Value: "invalid url: " + err.Error()}, nil
			}
			if err := validateDomain(cfg, parsed.Hostname()); err != nil {
				return session.ToolResult{ToolCallID: ec.ToolCallID, IsError: true, Value: err.Error()}, nil
			}

			method := "GET"
			if p.Method != "" {
				method = strings.ToUpper(p.Method)
			}
			var body io.Reader
			if p.Body != "" {
				body = bytes.NewReader([]byte(p.Body))
			}

			req, err := http.NewRequestWithContext(ec.Context, method, p.URL, body)
			if err != nil {
				return session.ToolResult{}, tool.Wrap(tool.KindInvalidParams, "failed to build request", err)
			}
			req.Header.Set("User-Agent", cfg.UserAgent)
			for k, v := range p.Headers {
				req.Header.Set(k, v)
			}

			resp, err := hc.Do(req)
			if err != nil {
				return session.ToolResult{ToolCallID: ec.ToolCallID, IsError: true, Value: err.Error()}, nil
			}
			defer resp.Body.Close()

			limited := io.LimitReader(resp.Body, cfg.MaxResponseSize+1)
			respBody, err := io.ReadAll(limited)
			if err != nil {
				return session.ToolResult{}, tool.Wrap(tool.KindExecution, "failed to read response", err)
			}
			if int64(len(respBody)) > cfg.MaxResponseSize {
				return session.ToolResult{ToolCallID: ec.ToolCallID, IsError: true, Value: "response exceeds max size"}, nil
			}

			return session.ToolResult{
				ToolCallID: ec.ToolCallID,
				Value:      string(respBody),
				IsError:    resp.StatusCode >= 400,
				Metadata:   map[string]any{"status_code": resp.StatusCode, "content_type": resp.Header.Get("Content-Type")},
			}, nil
		},
	}
}

func validateDomain(cfg FetchConfig, host string) error {
	if len(cfg.AllowedDomains) == 0 && len(cfg.DeniedDomains) == 0 {
		return nil
	}
	for _, denied := range cfg.DeniedDomains {
		if matchesDomain(host, denied) {
			return fmt.Errorf("domain not allowed: %s", host)
		}
	}
	if len(cfg.AllowedDomains) > 0 {
		for _, allowed := range cfg.AllowedDomains {
			if matchesDomain(host, allowed) {
				return nil
			}
		}
		return fmt.Errorf("domain not in allowlist: %s", host)
	}
	return nil
}

func matchesDomain(host, pattern string) bool {
	if host == pattern {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(host, pattern[1:])
	}
	return false
}

// NonWorkspaceTools returns todo_read, todo_write, and fetch, bound to the
// given shared todo store and fetch configuration.
func NonWorkspaceTools(todos *TodoStore, fetchCfg FetchConfig) []Tool {
	return []Tool{todoReadTool(todos), todoWriteTool(todos), fetchTool(fetchCfg)}
}
