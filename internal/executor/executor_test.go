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

package executor

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/BrendanGraham14/steer-sub001/internal/capability"
	"github.com/BrendanGraham14/steer-sub001/internal/observability"
	"github.com/BrendanGraham14/steer-sub001/internal/registry"
	"github.com/BrendanGraham14/steer-sub001/internal/session"
	"github.com/BrendanGraham14/steer-sub001/internal/tool"
)

type fakeBackend struct {
	execute func(ec tool.ExecutionContext, call session.ToolCall) (session.ToolResult, error)
	caps    capability.Set
}

func (f *fakeBackend) Execute(ec tool.ExecutionContext, call session.ToolCall) (session.ToolResult, error) {
	return f.execute(ec, call)
}
func (f *fakeBackend) SupportedTools() []string          { return []string{"bash"} }
func (f *fakeBackend) GetToolSchemas() []tool.Schema     { return []tool.Schema{{Name: "bash"}} }
func (f *fakeBackend) RequiresApproval(name string) bool { return true }
func (f *fakeBackend) RequiredCapabilities(name string) capability.Set {
	return f.caps
}
func (f *fakeBackend) Metadata() tool.BackendMetadata { return tool.BackendMetadata{Kind: "fake"} }

func newTestStore(t *testing.T) session.Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	store, err := session.NewSQLStore(db, "sqlite3")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestExecuteDeniedByPolicyNeverCallsBackend(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.CreateSession(context.Background(), session.SessionConfig{}, nil)
	require.NoError(t, err)

	called := false
	backend := &fakeBackend{execute: func(ec tool.ExecutionContext, call session.ToolCall) (session.ToolResult, error) {
		called = true
		return session.ToolResult{}, nil
	}}
	reg := registry.New(backend, nil)
	ex := New(store, reg, NewApprovalWaiter(), nil, nil)

	policy := session.ApprovalPolicy{Default: session.DecisionDeny}
	result, err := ex.Execute(context.Background(), sess.ID, "op1", session.ToolCall{ID: "tc1", Name: "bash", Args: map[string]any{"command": "ls"}}, capability.Workspace, session.ToolVisibility{Mode: session.VisibilityAll}, policy)

	require.NoError(t, err)
	require.True(t, result.IsError)
	require.False(t, called, "backend must not run when policy denies")
}

func TestExecuteMissingCapabilityDeniesWithoutRunningBackend(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.CreateSession(context.Background(), session.SessionConfig{}, nil)
	require.NoError(t, err)

	called := false
	backend := &fakeBackend{
		caps: capability.Workspace,
		execute: func(ec tool.ExecutionContext, call session.ToolCall) (session.ToolResult, error) {
			called = true
			return session.ToolResult{}, nil
		},
	}
	reg := registry.New(backend, nil)
	ex := New(store, reg, NewApprovalWaiter(), nil, nil)

	policy := session.ApprovalPolicy{Default: session.DecisionAllow}
	result, err := ex.Execute(context.Background(), sess.ID, "op1", session.ToolCall{ID: "tc1", Name: "bash"}, capability.None, session.ToolVisibility{Mode: session.VisibilityAll}, policy)

	require.NoError(t, err)
	require.True(t, result.IsError)
	require.False(t, called)
}

func TestExecuteAllowedRunsBackendAndAppendsToolResult(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.CreateSession(context.Background(), session.SessionConfig{}, nil)
	require.NoError(t, err)

	backend := &fakeBackend{execute: func(ec tool.ExecutionContext, call session.ToolCall) (session.ToolResult, error) {
		return session.ToolResult{Value: "ok"}, nil
	}}
	reg := registry.New(backend, nil)
	ex := New(store, reg, NewApprovalWaiter(), nil, nil)

	policy := session.ApprovalPolicy{Default: session.DecisionAllow}
	result, err := ex.Execute(context.Background(), sess.ID, "op1", session.ToolCall{ID: "tc1", Name: "bash"}, capability.Workspace, session.ToolVisibility{Mode: session.VisibilityAll}, policy)

	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Equal(t, "ok", result.Value)

	events, err := store.ListEvents(context.Background(), sess.ID, nil, 0)
	require.NoError(t, err)
	var sawResult bool
	for _, ev := range events {
		if ev.Kind == session.EventToolResult {
			sawResult = true
		}
	}
	require.True(t, sawResult)
}

func TestExecuteAskWaitsForApprovalThenRuns(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.CreateSession(context.Background(), session.SessionConfig{}, nil)
	require.NoError(t, err)

	backend := &fakeBackend{execute: func(ec tool.ExecutionContext, call session.ToolCall) (session.ToolResult, error) {
		return session.ToolResult{Value: "ran"}, nil
	}}
	reg := registry.New(backend, nil)
	waiter := NewApprovalWaiter()
	ex := New(store, reg, waiter, nil, nil)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = waiter.Resolve("tc1", session.DecisionAllow)
	}()

	policy := session.ApprovalPolicy{Default: session.DecisionAsk}
	result, err := ex.Execute(context.Background(), sess.ID, "op1", session.ToolCall{ID: "tc1", Name: "bash"}, capability.Workspace, session.ToolVisibility{Mode: session.VisibilityAll}, policy)

	require.NoError(t, err)
	require.Equal(t, "ran", result.Value)
}

func TestExecuteRecordsMetricsWhenWired(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.CreateSession(context.Background(), session.SessionConfig{}, nil)
	require.NoError(t, err)

	backend := &fakeBackend{execute: func(ec tool.ExecutionContext, call session.ToolCall) (session.ToolResult, error) {
		return session.ToolResult{Value: "ok"}, nil
	}}
	reg := registry.New(backend, nil)
	ex := New(store, reg, NewApprovalWaiter(), nil, nil)

	reg2 := prometheus.NewRegistry()
	metrics, err := observability.NewMetrics(reg2)
	require.NoError(t, err)
	ex.Metrics = metrics

	policy := session.ApprovalPolicy{Default: session.DecisionAllow}
	_, err = ex.Execute(context.Background(), sess.ID, "op1", session.ToolCall{ID: "tc1", Name: "bash"}, capability.Workspace, session.ToolVisibility{Mode: session.VisibilityAll}, policy)
	require.NoError(t, err)

	families, err := reg2.Gather()
	require.NoError(t, err)
	var sawToolCalls, sawApprovals bool
	for _, f := range families {
		if f.GetName() == "steer_tool_calls_total" {
			sawToolCalls = true
		}
		if f.GetName() == "steer_approval_decisions_total" {
			sawApprovals = true
		}
	}
	require.True(t, sawToolCalls)
	require.True(t, sawApprovals)
}

func TestExecuteDirectSkipsValidator(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.CreateSession(context.Background(), session.SessionConfig{}, nil)
	require.NoError(t, err)

	backend := &fakeBackend{execute: func(ec tool.ExecutionContext, call session.ToolCall) (session.ToolResult, error) {
		return session.ToolResult{Value: "ok"}, nil
	}}
	reg := registry.New(backend, nil)
	validatorCalled := false
	validator := func(call session.ToolCall) error {
		validatorCalled = true
		return nil
	}
	ex := New(store, reg, NewApprovalWaiter(), validator, nil)

	policy := session.ApprovalPolicy{Default: session.DecisionAllow}
	_, err = ex.ExecuteDirect(context.Background(), sess.ID, "op1", session.ToolCall{ID: "tc1", Name: "bash"}, capability.Workspace, session.ToolVisibility{Mode: session.VisibilityAll}, policy)

	require.NoError(t, err)
	require.False(t, validatorCalled)
}
