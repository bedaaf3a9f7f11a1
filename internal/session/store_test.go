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

package session

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	store, err := NewSQLStore(db, "sqlite3")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateSessionAppendsSessionCreatedEvent(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.CreateSession(context.Background(), SessionConfig{}, nil)
	require.NoError(t, err)

	events, err := store.ListEvents(context.Background(), sess.ID, nil, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, EventSessionCreated, events[0].Kind)
	require.EqualValues(t, 0, events[0].SequenceNum)
}

func TestAppendEventSequenceNumbersAreGapFreeUnderConcurrency(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.CreateSession(context.Background(), SessionConfig{}, nil)
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.AppendEvent(context.Background(), sess.ID, EventUserMessage, "user", []Content{TextContent("msg")})
			errs[i] = err
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	events, err := store.ListEvents(context.Background(), sess.ID, nil, 0)
	require.NoError(t, err)
	require.Len(t, events, n+1) // +1 for session_created

	seen := make(map[uint64]bool, len(events))
	var maxSeq uint64
	for _, ev := range events {
		require.False(t, seen[ev.SequenceNum], "duplicate sequence number %d", ev.SequenceNum)
		seen[ev.SequenceNum] = true
		if ev.SequenceNum > maxSeq {
			maxSeq = ev.SequenceNum
		}
	}
	for i := uint64(0); i <= maxSeq; i++ {
		require.True(t, seen[i], "sequence number %d missing, log has a gap", i)
	}
}

func TestAppendToolCallEventSetsToolCallID(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.CreateSession(context.Background(), SessionConfig{}, nil)
	require.NoError(t, err)

	ev, err := store.AppendToolCallEvent(context.Background(), sess.ID, EventToolCallApproved, "system", "tc1", nil)
	require.NoError(t, err)
	require.Equal(t, "tc1", ev.ToolCallID)

	events, err := store.ListEvents(context.Background(), sess.ID, nil, 0)
	require.NoError(t, err)
	require.Equal(t, "tc1", events[len(events)-1].ToolCallID)
}

func TestFoldIsDeterministicAndIdempotentOnReplay(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.CreateSession(context.Background(), SessionConfig{}, nil)
	require.NoError(t, err)

	call := ToolCall{ID: "tc1", Name: "bash", Args: map[string]any{"command": "ls"}}
	_, err = store.AppendEvent(context.Background(), sess.ID, EventUserMessage, "user", []Content{TextContent("run ls")})
	require.NoError(t, err)
	_, err = store.AppendEvent(context.Background(), sess.ID, EventAssistantMessage, "assistant", []Content{ToolCallContent(call)})
	require.NoError(t, err)
	_, err = store.AppendToolCallEvent(context.Background(), sess.ID, EventToolCallApproved, "system", "tc1", nil)
	require.NoError(t, err)
	_, err = store.AppendEvent(context.Background(), sess.ID, EventToolResult, "tool", []Content{ToolResultContentOf(ToolResult{ToolCallID: "tc1", Value: "ok"})})
	require.NoError(t, err)

	events, err := store.ListEvents(context.Background(), sess.ID, nil, 0)
	require.NoError(t, err)

	full := Fold(*sess, events)
	again := Fold(*sess, events)
	require.Equal(t, full, again)

	require.Equal(t, ToolCallCompleted, full.ToolCalls["tc1"].Status)
	require.Equal(t, DecisionAllow, full.ToolCalls["tc1"].Decision)

	// Folding only the prefix up to the assistant message (before the
	// approval and result events) leaves the call Requested.
	prefixState := Fold(*sess, events[:3])
	require.Equal(t, ToolCallRequested, prefixState.ToolCalls["tc1"].Status)
}

func TestFoldHandlesTurnCancelledWithoutPanicking(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.CreateSession(context.Background(), SessionConfig{}, nil)
	require.NoError(t, err)

	call := ToolCall{ID: "tc1", Name: "bash"}
	_, err = store.AppendEvent(context.Background(), sess.ID, EventAssistantMessage, "assistant", []Content{ToolCallContent(call)})
	require.NoError(t, err)
	_, err = store.AppendEvent(context.Background(), sess.ID, EventTurnCancelled, "system", nil)
	require.NoError(t, err)

	events, err := store.ListEvents(context.Background(), sess.ID, nil, 0)
	require.NoError(t, err)

	state := Fold(*sess, events)
	require.Equal(t, ToolCallCancelled, state.ToolCalls["tc1"].Status)
}

func TestDeleteSessionRemovesEvents(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.CreateSession(context.Background(), SessionConfig{}, nil)
	require.NoError(t, err)

	require.NoError(t, store.DeleteSession(context.Background(), sess.ID))

	_, err = store.GetSession(context.Background(), sess.ID)
	require.ErrorIs(t, err, ErrSessionNotFound)
}
