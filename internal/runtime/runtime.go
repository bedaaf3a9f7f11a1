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

// Package runtime drives one turn of a session: append the user's message,
// call the model, dispatch any tool calls it requests, feed their results
// back, and repeat until the model produces a final assistant message with
// no pending tool calls.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BrendanGraham14/steer-sub001/internal/capability"
	"github.com/BrendanGraham14/steer-sub001/internal/executor"
	"github.com/BrendanGraham14/steer-sub001/internal/session"
	"github.com/BrendanGraham14/steer-sub001/internal/tool"
)

// ModelCaller is the narrow seam this runtime depends on for inference.
// Prompt construction, provider selection, and streaming are all out of
// scope here; the runtime only needs one round-trip per loop iteration.
type ModelCaller interface {
	// Call sends the session's message history plus the currently available
	// tool schemas and returns the model's next turn: assistant text, plus
	// zero or more tool calls the model wants executed.
	Call(ctx context.Context, messages []session.Message, tools []tool.Schema) (ModelTurn, error)
}

// ModelTurn is one model response within a turn loop.
type ModelTurn struct {
	Text      string
	ToolCalls []session.ToolCall
}

// ModelErrorKind classifies a ModelCaller failure for retry purposes.
type ModelErrorKind string

const (
	ModelErrorRateLimit  ModelErrorKind = "rate_limit"
	ModelErrorNetwork    ModelErrorKind = "network"
	ModelErrorAuth       ModelErrorKind = "auth"
	ModelErrorInvalid    ModelErrorKind = "invalid_request"
	ModelErrorUnexpected ModelErrorKind = "unexpected"
)

// Retryable reports whether a model error of this kind is worth retrying
// with backoff. Auth and malformed-request failures never are.
func (k ModelErrorKind) Retryable() bool {
	switch k {
	case ModelErrorRateLimit, ModelErrorNetwork:
		return true
	default:
		return false
	}
}

// ModelError wraps a ModelCaller failure with its retry classification.
type ModelError struct {
	Kind ModelErrorKind
	Err  error
}

func (e *ModelError) Error() string { return fmt.Sprintf("model call failed (%s): %v", e.Kind, e.Err) }
func (e *ModelError) Unwrap() error { return e.Err }

// maxToolLoopIterations bounds a single turn's model/tool back-and-forth so
// a misbehaving model can't spin the loop forever.
const maxToolLoopIterations = 64

// Runtime drives per-turn model/tool loops for sessions backed by store.
type Runtime struct {
	Store    session.Store
	Executor *executor.Executor
	Model    ModelCaller
	Caps     capability.Set
	Log      *slog.Logger

	// MaxRetries bounds retry attempts for retryable ModelError kinds.
	MaxRetries int
}

// New builds a Runtime. log may be nil, in which case slog.Default is used.
func New(store session.Store, ex *executor.Executor, model ModelCaller, caps capability.Set, log *slog.Logger) *Runtime {
	if log == nil {
		log = slog.Default()
	}
	return &Runtime{Store: store, Executor: ex, Model: model, Caps: caps, Log: log, MaxRetries: 3}
}

// TurnResult is what a completed (or cancelled) turn produced.
type TurnResult struct {
	FinalText string
	Cancelled bool
}

// RunTurn appends userText as a user_message event, then drives the
// model/tool loop to completion. Each model response is appended as an
// assistant_message event that carries its tool calls (no separate
// tool_call_requested event is appended), and the tool_result events of
// that response's calls are appended once all of those calls have
// finished, before the next model call. A crash mid-turn therefore leaves
// the events of every completed round, but no results for a round still in
// flight. Cancelling ctx stops the
// loop from dispatching new tool calls and from waiting on in-flight ones
// past their own cancellation, but never rolls back events already
// appended.
func (r *Runtime) RunTurn(ctx context.Context, sess *session.Session, operationID, userText string, policy session.ApprovalPolicy, visibility session.ToolVisibility, schemas []tool.Schema) (TurnResult, error) {
	log := r.Log.With("session_id", sess.ID, "operation_id", operationID)

	// Event appends use a detached context: once the runtime has decided to
	// record something, that record must land even if the turn's own ctx is
	// cancelled mid-flight. Only the model call and tool dispatch below are
	// cancellable; the event log itself is never rolled back.
	appendCtx := context.WithoutCancel(ctx)

	if _, err := r.Store.AppendEvent(appendCtx, sess.ID, session.EventUserMessage, "user", []session.Content{session.TextContent(userText)}); err != nil {
		return TurnResult{}, fmt.Errorf("append user message: %w", err)
	}

	for i := 0; i < maxToolLoopIterations; i++ {
		if err := ctx.Err(); err != nil {
			return r.cancelTurn(sess.ID)
		}

		messages, err := r.currentMessages(ctx, sess.ID)
		if err != nil {
			return TurnResult{}, fmt.Errorf("load messages: %w", err)
		}

		turn, err := r.callModelWithRetry(ctx, messages, schemas)
		if err != nil {
			return TurnResult{}, err
		}

		content := make([]session.Content, 0, 1+len(turn.ToolCalls))
		if turn.Text != "" {
			content = append(content, session.TextContent(turn.Text))
		}
		for _, tc := range turn.ToolCalls {
			content = append(content, session.ToolCallContent(tc))
		}
		if _, err := r.Store.AppendEvent(appendCtx, sess.ID, session.EventAssistantMessage, "assistant", content); err != nil {
			return TurnResult{}, fmt.Errorf("append assistant message: %w", err)
		}

		if len(turn.ToolCalls) == 0 {
			return TurnResult{FinalText: turn.Text}, nil
		}

		if ctx.Err() != nil {
			return r.cancelTurn(sess.ID)
		}

		log.Info("dispatching tool calls", "count", len(turn.ToolCalls))
		if err := r.dispatch(ctx, appendCtx, sess.ID, operationID, turn.ToolCalls, policy, visibility); err != nil {
			if ctx.Err() != nil {
				return r.cancelTurn(sess.ID)
			}
			return TurnResult{}, err
		}
	}

	return TurnResult{}, fmt.Errorf("turn exceeded %d model/tool iterations without completing", maxToolLoopIterations)
}

func (r *Runtime) cancelTurn(sessionID string) (TurnResult, error) {
	if _, err := r.Store.AppendEvent(context.WithoutCancel(context.Background()), sessionID, session.EventTurnCancelled, "system", nil); err != nil {
		return TurnResult{}, fmt.Errorf("append turn_cancelled: %w", err)
	}
	return TurnResult{Cancelled: true}, nil
}

func (r *Runtime) currentMessages(ctx context.Context, sessionID string) ([]session.Message, error) {
	sess, err := r.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	events, err := r.Store.ListEvents(ctx, sessionID, nil, 0)
	if err != nil {
		return nil, err
	}
	state := session.Fold(*sess, events)
	return state.Messages, nil
}

// dispatch runs independent tool calls in parallel via a bounded errgroup,
// then persists their tool_result events sequentially in the order the
// model declared them, not completion order: results are computed
// concurrently (results[i]) and only appended to the event log once every
// call has finished, so a fast call 1 never lands before a slow call 0.
// Each call still goes through the full Executor pipeline
// (capability/visibility/approval); a call's own failure becomes a failed
// tool_result rather than aborting siblings. appendCtx is detached from
// cancellation so results still get persisted for calls that already
// finished even if the turn itself was cancelled mid-dispatch.
func (r *Runtime) dispatch(ctx, appendCtx context.Context, sessionID, operationID string, calls []session.ToolCall, policy session.ApprovalPolicy, visibility session.ToolVisibility) error {
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(8)

	results := make([]session.ToolResult, len(calls))
	callErrs := make([]error, len(calls))
	for i, call := range calls {
		i, call := i, call
		group.Go(func() error {
			result, err := r.Executor.ComputeResult(gctx, sessionID, operationID, call, r.Caps, visibility, policy)
			results[i] = result
			callErrs[i] = err
			return nil // per-call errors are recorded as events, not propagated
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	var firstErr error
	for i, err := range callErrs {
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := r.Executor.AppendToolResult(appendCtx, sessionID, results[i]); err != nil {
			return err
		}
	}
	return firstErr
}

func (r *Runtime) callModelWithRetry(ctx context.Context, messages []session.Message, schemas []tool.Schema) (ModelTurn, error) {
	var lastErr error
	for attempt := 0; attempt <= r.MaxRetries; attempt++ {
		turn, err := r.Model.Call(ctx, messages, schemas)
		if err == nil {
			return turn, nil
		}
		lastErr = err

		var modelErr *ModelError
		if !asModelError(err, &modelErr) || !modelErr.Kind.Retryable() || attempt == r.MaxRetries {
			return ModelTurn{}, err
		}
		r.Log.Warn("retrying model call", "attempt", attempt+1, "kind", modelErr.Kind, "error", err)
		select {
		case <-ctx.Done():
			return ModelTurn{}, ctx.Err()
		case <-time.After((500 * time.Millisecond) << attempt):
		}
	}
	return ModelTurn{}, lastErr
}

func asModelError(err error, target **ModelError) bool {
	me, ok := err.(*ModelError)
	if !ok {
		return false
	}
	*target = me
	return true
}
