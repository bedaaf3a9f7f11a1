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

// Package executor runs the per-call pipeline every tool invocation goes
// through: capability check, visibility check, approval decision (pausing
// the turn when a human must decide), optional validation, backend
// resolution, and cancellation-aware execution.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BrendanGraham14/steer-sub001/internal/approval"
	"github.com/BrendanGraham14/steer-sub001/internal/capability"
	"github.com/BrendanGraham14/steer-sub001/internal/observability"
	"github.com/BrendanGraham14/steer-sub001/internal/registry"
	"github.com/BrendanGraham14/steer-sub001/internal/session"
	"github.com/BrendanGraham14/steer-sub001/internal/tool"
)

// Validator inspects a model-issued tool call before it runs, and may
// short-circuit it with a rejection even when the approval policy already
// allowed it (e.g. a schema-level sanity check). ExecuteDirect skips this
// hook, since a human typing a raw command has already made the judgment
// call a validator would otherwise make on the model's behalf.
type Validator func(call session.ToolCall) error

// Executor runs the tool-call pipeline for one session.
type Executor struct {
	Store     session.Store
	Registry  *registry.Registry
	Approvals *ApprovalWaiter
	Validator Validator
	Log       *slog.Logger

	// Metrics is optional; a nil value disables Prometheus recording
	// without requiring callers to construct a no-op implementation.
	Metrics *observability.Metrics
}

// New builds an Executor. log may be nil, in which case slog.Default is used.
func New(store session.Store, reg *registry.Registry, approvals *ApprovalWaiter, validator Validator, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{Store: store, Registry: reg, Approvals: approvals, Validator: validator, Log: log}
}

// Execute runs the full pipeline, including the Validator hook, and
// persists the resulting tool_result event before returning.
func (e *Executor) Execute(ctx context.Context, sessionID, operationID string, call session.ToolCall, caps capability.Set, visibility session.ToolVisibility, policy session.ApprovalPolicy) (session.ToolResult, error) {
	result, err := e.computeResult(ctx, sessionID, operationID, call, caps, visibility, policy, true)
	if err != nil {
		return session.ToolResult{}, err
	}
	if err := e.AppendToolResult(ctx, sessionID, result); err != nil {
		return session.ToolResult{}, err
	}
	return result, nil
}

// ExecuteDirect runs the pipeline without the Validator hook, for
// user-initiated calls that bypass model-driven validation, and persists
// the resulting tool_result event before returning.
func (e *Executor) ExecuteDirect(ctx context.Context, sessionID, operationID string, call session.ToolCall, caps capability.Set, visibility session.ToolVisibility, policy session.ApprovalPolicy) (session.ToolResult, error) {
	result, err := e.computeResult(ctx, sessionID, operationID, call, caps, visibility, policy, false)
	if err != nil {
		return session.ToolResult{}, err
	}
	if err := e.AppendToolResult(ctx, sessionID, result); err != nil {
		return session.ToolResult{}, err
	}
	return result, nil
}

// ComputeResult runs the full pipeline (including the Validator hook) and
// returns the ToolResult it produced, without persisting a tool_result
// event. It exists for callers that dispatch several calls concurrently
// and need to persist their results in a particular order afterwards (see
// runtime.Runtime.dispatch) rather than in completion order.
func (e *Executor) ComputeResult(ctx context.Context, sessionID, operationID string, call session.ToolCall, caps capability.Set, visibility session.ToolVisibility, policy session.ApprovalPolicy) (session.ToolResult, error) {
	return e.computeResult(ctx, sessionID, operationID, call, caps, visibility, policy, true)
}

// AppendToolResult persists result as a tool_result event for sessionID.
func (e *Executor) AppendToolResult(ctx context.Context, sessionID string, result session.ToolResult) error {
	if _, err := e.Store.AppendEvent(ctx, sessionID, session.EventToolResult, "tool", []session.Content{session.ToolResultContentOf(result)}); err != nil {
		return tool.Wrap(tool.KindStorage, "failed to append tool_result event", err)
	}
	return nil
}

func (e *Executor) computeResult(ctx context.Context, sessionID, operationID string, call session.ToolCall, caps capability.Set, visibility session.ToolVisibility, policy session.ApprovalPolicy, runValidator bool) (session.ToolResult, error) {
	log := e.Log.With("session_id", sessionID, "operation_id", operationID, "tool_call_id", call.ID, "tool", call.Name)

	required := e.Registry.RequiredCapabilities(call.Name)
	if !caps.Satisfies(required) {
		return e.errorResult(call, tool.New(tool.KindPolicyDenied, fmt.Sprintf("tool %q requires capabilities %s, caller has %s", call.Name, required, caps))), nil
	}
	if !registry.VisibilityAllows(visibility, call.Name) {
		return e.errorResult(call, tool.New(tool.KindPolicyDenied, fmt.Sprintf("tool %q is not visible under the current configuration", call.Name))), nil
	}

	decision := approval.Decide(policy, call)
	e.Metrics.RecordApprovalDecision(string(decision))
	if decision == session.DecisionDeny {
		log.Info("tool call denied by policy")
		return e.errorResult(call, tool.New(tool.KindPolicyDenied, "denied by approval policy")), nil
	}

	if decision == session.DecisionAsk {
		log.Info("tool call pending approval")
		resolved, err := e.Approvals.Wait(ctx, call.ID)
		if err != nil {
			if _, appendErr := e.Store.AppendEvent(context.WithoutCancel(ctx), sessionID, session.EventTurnCancelled, "system", nil); appendErr != nil {
				log.Error("failed to append turn_cancelled event", "error", appendErr)
			}
			return session.ToolResult{}, tool.Wrap(tool.KindCancelled, "cancelled while waiting for approval", err)
		}
		e.Metrics.RecordApprovalDecision("resolved_" + string(resolved))
		if resolved == session.DecisionDeny {
			return e.errorResult(call, tool.New(tool.KindPolicyDenied, "denied by reviewer")), nil
		}
	}

	if runValidator && e.Validator != nil {
		if err := e.Validator(call); err != nil {
			return e.errorResult(call, tool.Wrap(tool.KindInvalidParams, "rejected by validator", err)), nil
		}
	}

	spanCtx, span := observability.StartToolSpan(ctx, call.Name, sessionID, call.ID)
	startedAt := time.Now()
	ec := tool.ExecutionContext{SessionID: sessionID, OperationID: operationID, ToolCallID: call.ID, Context: spanCtx}

	type execOutcome struct {
		result session.ToolResult
		err    error
	}
	done := make(chan execOutcome, 1)
	go func() {
		result, err := e.Registry.Execute(ec, call)
		done <- execOutcome{result, err}
	}()

	select {
	case <-ctx.Done():
		observability.EndToolSpan(span, ctx.Err())
		e.Metrics.RecordToolExecution(call.Name, time.Since(startedAt), true)
		return e.errorResult(call, tool.Wrap(tool.KindCancelled, "cancelled during execution", ctx.Err())), nil
	case out := <-done:
		observability.EndToolSpan(span, out.err)
		e.Metrics.RecordToolExecution(call.Name, time.Since(startedAt), out.err != nil || out.result.IsError)
		if out.err != nil {
			log.Error("backend execution failed", "error", out.err)
			return e.errorResult(call, out.err), nil
		}
		out.result.ToolCallID = call.ID
		return out.result, nil
	}
}

func (e *Executor) errorResult(call session.ToolCall, cause error) session.ToolResult {
	return session.ToolResult{ToolCallID: call.ID, IsError: true, Value: cause.Error()}
}

