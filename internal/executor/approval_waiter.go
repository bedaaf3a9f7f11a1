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
	"fmt"
	"sync"

	"github.com/BrendanGraham14/steer-sub001/internal/session"
)

// ApprovalWaiter lets the executor suspend a tool call pending a human
// decision and lets the decision arrive from any goroutine that calls
// Resolve with the same tool-call ID, such as an in-process CLI caller
// answering synchronously. This module serves no HTTP route that calls
// Resolve.
type ApprovalWaiter struct {
	mu      sync.Mutex
	pending map[string]chan session.ApprovalDecision
}

func NewApprovalWaiter() *ApprovalWaiter {
	return &ApprovalWaiter{pending: make(map[string]chan session.ApprovalDecision)}
}

// Wait blocks until Resolve is called for toolCallID or ctx is cancelled.
func (w *ApprovalWaiter) Wait(ctx context.Context, toolCallID string) (session.ApprovalDecision, error) {
	ch := w.register(toolCallID)
	select {
	case decision := <-ch:
		return decision, nil
	case <-ctx.Done():
		w.forget(toolCallID)
		return "", ctx.Err()
	}
}

// Resolve delivers a decision to whoever is waiting on toolCallID. If nobody
// is currently waiting (e.g. the decision arrived twice, or the waiter
// already gave up), it delivers nothing and returns an error.
func (w *ApprovalWaiter) Resolve(toolCallID string, decision session.ApprovalDecision) error {
	w.mu.Lock()
	ch, ok := w.pending[toolCallID]
	if ok {
		delete(w.pending, toolCallID)
	}
	w.mu.Unlock()

	if !ok {
		return fmt.Errorf("no pending approval for tool call %q", toolCallID)
	}
	ch <- decision
	return nil
}

func (w *ApprovalWaiter) register(toolCallID string) chan session.ApprovalDecision {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan session.ApprovalDecision, 1)
	w.pending[toolCallID] = ch
	return ch
}

func (w *ApprovalWaiter) forget(toolCallID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pending, toolCallID)
}
