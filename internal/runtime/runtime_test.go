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

package runtime

import (
	"context"
	"database/sql"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/BrendanGraham14/steer-sub001/internal/capability"
	"github.com/BrendanGraham14/steer-sub001/internal/executor"
	"github.com/BrendanGraham14/steer-sub001/internal/registry"
	"github.com/BrendanGraham14/steer-sub001/internal/session"
	"github.com/BrendanGraham14/steer-sub001/internal/tool"
)

type scriptedModel struct {
	turns []ModelTurn
	calls int32
}

func (m *scriptedModel) Call(ctx context.Context, messages []session.Message, tools []tool.Schema) (ModelTurn, error) {
	i := atomic.AddInt32(&m.calls, 1) - 1
	if int(i) >= len(m.turns) {
		return ModelTurn{Text: "done"}, nil
	}
	return m.turns[i], nil
}

type echoBackend struct{}

func (echoBackend) Execute(ec tool.ExecutionContext, call session.ToolCall) (session.ToolResult, error) {
	return session.ToolResult{ToolCallID: call.ID, Value: "echo:" + call.Name}, nil
}
func (echoBackend) SupportedTools() []string      { return []string{"bash"} }
func (echoBackend) GetToolSchemas() []tool.Schema { return []tool.Schema{{Name: "bash"}} }
func (echoBackend) RequiresApproval(name string) bool { return false }
func (echoBackend) RequiredCapabilities(name string) capability.Set {
	return capability.Workspace
}
func (echoBackend) Metadata() tool.BackendMetadata { return tool.BackendMetadata{Kind: "fake"} }

func newTestRuntime(t *testing.T, model ModelCaller) (*Runtime, *session.Session) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	store, err := session.NewSQLStore(db, "sqlite3")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sess, err := store.CreateSession(context.Background(), session.SessionConfig{}, nil)
	require.NoError(t, err)

	reg := registry.New(echoBackend{}, nil)
	ex := executor.New(store, reg, executor.NewApprovalWaiter(), nil, nil)
	rt := New(store, ex, model, capability.Workspace, nil)
	return rt, sess
}

func TestRunTurnWithoutToolCallsAppendsOneRoundTrip(t *testing.T) {
	model := &scriptedModel{turns: []ModelTurn{{Text: "hello there"}}}
	rt, sess := newTestRuntime(t, model)

	policy := session.ApprovalPolicy{Default: session.DecisionAllow}
	visibility := session.ToolVisibility{Mode: session.VisibilityAll}

	result, err := rt.RunTurn(context.Background(), sess, "op1", "hi", policy, visibility, nil)
	require.NoError(t, err)
	require.False(t, result.Cancelled)
	require.Equal(t, "hello there", result.FinalText)
	require.EqualValues(t, 1, model.calls)
}

func TestRunTurnDispatchesToolCallsThenFinishes(t *testing.T) {
	model := &scriptedModel{turns: []ModelTurn{
		{ToolCalls: []session.ToolCall{{ID: "tc1", Name: "bash", Args: map[string]any{"command": "ls"}}}},
		{Text: "all done"},
	}}
	rt, sess := newTestRuntime(t, model)

	policy := session.ApprovalPolicy{Default: session.DecisionAllow}
	visibility := session.ToolVisibility{Mode: session.VisibilityAll}

	result, err := rt.RunTurn(context.Background(), sess, "op1", "run ls", policy, visibility, nil)
	require.NoError(t, err)
	require.Equal(t, "all done", result.FinalText)

	events, err := rt.Store.ListEvents(context.Background(), sess.ID, nil, 0)
	require.NoError(t, err)
	var sawToolResult bool
	for _, ev := range events {
		if ev.Kind == session.EventToolResult {
			sawToolResult = true
		}
	}
	require.True(t, sawToolResult)
}

// cancelOnCallModel cancels the turn's context itself the moment the model
// responds with a tool call, simulating a turn cancelled in the window
// between the model's response and tool dispatch.
type cancelOnCallModel struct {
	cancel context.CancelFunc
}

func (m *cancelOnCallModel) Call(ctx context.Context, messages []session.Message, tools []tool.Schema) (ModelTurn, error) {
	m.cancel()
	return ModelTurn{ToolCalls: []session.ToolCall{{ID: "tc1", Name: "bash"}}}, nil
}

func TestRunTurnCancelledBeforeDispatchAppendsTurnCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	model := &cancelOnCallModel{cancel: cancel}
	rt, sess := newTestRuntime(t, model)

	policy := session.ApprovalPolicy{Default: session.DecisionAllow}
	visibility := session.ToolVisibility{Mode: session.VisibilityAll}

	result, err := rt.RunTurn(ctx, sess, "op1", "hi", policy, visibility, nil)
	require.NoError(t, err)
	require.True(t, result.Cancelled)

	events, err := rt.Store.ListEvents(context.Background(), sess.ID, nil, 0)
	require.NoError(t, err)
	var sawCancelled bool
	for _, ev := range events {
		if ev.Kind == session.EventTurnCancelled {
			sawCancelled = true
		}
	}
	require.True(t, sawCancelled)
}

// orderedBackend answers "slow" after a short sleep and "fast" immediately,
// so a test can provoke out-of-completion-order finishes.
type orderedBackend struct{}

func (orderedBackend) Execute(ec tool.ExecutionContext, call session.ToolCall) (session.ToolResult, error) {
	if call.Name == "slow" {
		time.Sleep(30 * time.Millisecond)
	}
	return session.ToolResult{ToolCallID: call.ID, Value: call.Name}, nil
}
func (orderedBackend) SupportedTools() []string      { return []string{"slow", "fast"} }
func (orderedBackend) GetToolSchemas() []tool.Schema { return []tool.Schema{{Name: "slow"}, {Name: "fast"}} }
func (orderedBackend) RequiresApproval(name string) bool { return false }
func (orderedBackend) RequiredCapabilities(name string) capability.Set {
	return capability.Workspace
}
func (orderedBackend) Metadata() tool.BackendMetadata { return tool.BackendMetadata{Kind: "fake"} }

func TestDispatchPersistsToolResultsInDeclaredOrderNotCompletionOrder(t *testing.T) {
	model := &scriptedModel{turns: []ModelTurn{
		{ToolCalls: []session.ToolCall{
			{ID: "tc-slow", Name: "slow"},
			{ID: "tc-fast", Name: "fast"},
		}},
		{Text: "all done"},
	}}

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	store, err := session.NewSQLStore(db, "sqlite3")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sess, err := store.CreateSession(context.Background(), session.SessionConfig{}, nil)
	require.NoError(t, err)

	reg := registry.New(orderedBackend{}, nil)
	ex := executor.New(store, reg, executor.NewApprovalWaiter(), nil, nil)
	rt := New(store, ex, model, capability.Workspace, nil)

	policy := session.ApprovalPolicy{Default: session.DecisionAllow}
	visibility := session.ToolVisibility{Mode: session.VisibilityAll}

	result, err := rt.RunTurn(context.Background(), sess, "op1", "go", policy, visibility, nil)
	require.NoError(t, err)
	require.Equal(t, "all done", result.FinalText)

	events, err := store.ListEvents(context.Background(), sess.ID, nil, 0)
	require.NoError(t, err)

	var resultOrder []string
	for _, ev := range events {
		if ev.Kind != session.EventToolResult {
			continue
		}
		for _, c := range ev.Content {
			if c.Kind == session.ContentToolResult {
				resultOrder = append(resultOrder, c.ToolResult.ToolCallID)
			}
		}
	}
	require.Equal(t, []string{"tc-slow", "tc-fast"}, resultOrder, "results must be persisted in the order the model declared the calls, not completion order")
}

func TestModelErrorKindRetryable(t *testing.T) {
	require.True(t, ModelErrorRateLimit.Retryable())
	require.True(t, ModelErrorNetwork.Retryable())
	require.False(t, ModelErrorAuth.Retryable())
	require.False(t, ModelErrorInvalid.Retryable())
}
