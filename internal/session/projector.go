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

// Fold deterministically projects an ordered event slice into SessionState.
// It is pure: the same events, in the same order, always produce the same
// state, which is what makes replay and resumption safe. It never panics on
// a well-formed event stream; events of a kind it doesn't specifically
// handle are simply skipped.
func Fold(sess Session, events []Event) SessionState {
	state := SessionState{
		Session:   sess,
		ToolCalls: make(map[string]ToolCallState),
	}

	for _, ev := range events {
		if ev.SequenceNum >= state.NextSequenceNum {
			state.NextSequenceNum = ev.SequenceNum + 1
		}

		switch ev.Kind {
		case EventSessionCreated:
			// No message content; establishes the session itself.

		case EventUserMessage, EventAssistantMessage:
			state.Messages = append(state.Messages, Message{Author: ev.Author, Content: ev.Content})
			for _, c := range ev.Content {
				if c.Kind == ContentToolCall && c.ToolCall != nil {
					state.ToolCalls[c.ToolCall.ID] = ToolCallState{
						Call:   *c.ToolCall,
						Status: ToolCallRequested,
					}
				}
			}

		case EventToolCallRequested:
			for _, c := range ev.Content {
				if c.Kind == ContentToolCall && c.ToolCall != nil {
					state.ToolCalls[c.ToolCall.ID] = ToolCallState{
						Call:   *c.ToolCall,
						Status: ToolCallRequested,
					}
				}
			}

		case EventToolCallApproved:
			if tc, ok := state.ToolCalls[ev.ToolCallID]; ok {
				tc.Status = ToolCallApproved
				tc.Decision = DecisionAllow
				state.ToolCalls[ev.ToolCallID] = tc
			}

		case EventToolCallDenied:
			if tc, ok := state.ToolCalls[ev.ToolCallID]; ok {
				tc.Status = ToolCallDenied
				tc.Decision = DecisionDeny
				state.ToolCalls[ev.ToolCallID] = tc
			}

		case EventToolResult:
			for _, c := range ev.Content {
				if c.Kind != ContentToolResult || c.ToolResult == nil {
					continue
				}
				result := *c.ToolResult
				tc := state.ToolCalls[result.ToolCallID]
				tc.Result = &result
				if result.IsError {
					tc.Status = ToolCallFailed
				} else {
					tc.Status = ToolCallCompleted
				}
				state.ToolCalls[result.ToolCallID] = tc
			}
			state.Messages = append(state.Messages, Message{Author: ev.Author, Content: ev.Content})

		case EventTurnCancelled:
			for id, tc := range state.ToolCalls {
				if tc.Status == ToolCallRequested || tc.Status == ToolCallApproved {
					tc.Status = ToolCallCancelled
					state.ToolCalls[id] = tc
				}
			}

		case EventSessionCompacted:
			// A compaction event replaces prior message history with a
			// single summarizing message; tool-call state is preserved
			// since later events may still reference in-flight calls.
			if len(ev.Content) > 0 {
				state.Messages = []Message{{Author: ev.Author, Content: ev.Content}}
			}
		}
	}

	return state
}
