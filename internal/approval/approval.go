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

// Package approval implements the policy engine that decides whether a
// tool call runs unattended, is denied outright, or must pause the turn
// for a human decision. Decide is a pure function: no I/O, no session
// state, safe to call speculatively.
package approval

import (
	"path/filepath"
	"strings"

	"github.com/BrendanGraham14/steer-sub001/internal/session"
)

// Decide applies policy to call in a fixed order: a preapproved tool name
// always wins, then a matching per-tool pattern rule, then the policy's
// default. Falling through a non-matching per-tool rule continues to the
// default rather than denying, since a rule that doesn't match this call
// says nothing about it.
func Decide(policy session.ApprovalPolicy, call session.ToolCall) session.ApprovalDecision {
	if _, ok := policy.PreapprovedTools[call.Name]; ok {
		return session.DecisionAllow
	}

	if rule, ok := policy.PerTool[call.Name]; ok {
		if decision, matched := decidePerTool(rule, call); matched {
			return decision
		}
	}

	return policy.Default
}

func decidePerTool(rule session.PerToolRule, call session.ToolCall) (session.ApprovalDecision, bool) {
	switch call.Name {
	case "bash":
		command, _ := call.Args["command"].(string)
		for _, pattern := range rule.BashPatterns {
			if matchPattern(pattern, command) {
				return session.DecisionAllow, true
			}
		}
	case "dispatch_agent":
		agent, _ := call.Args["agent"].(string)
		for _, pattern := range rule.AgentPatterns {
			if matchPattern(pattern, agent) {
				return session.DecisionAllow, true
			}
		}
	}
	return session.DecisionAsk, false
}

// matchPattern supports a glob-style pattern (filepath.Match semantics). A
// glob pattern ending in "*" also matches any value that starts with the
// text before that "*", so "git *" matches "git diff a/b" even though
// filepath.Match's "*" stops at "/". A pattern with no glob metachars
// matches only a value equal to it.
func matchPattern(pattern, value string) bool {
	if strings.ContainsAny(pattern, "*?[") {
		if ok, err := filepath.Match(pattern, value); err == nil && ok {
			return true
		}
		prefix := strings.TrimSuffix(pattern, "*")
		if prefix != pattern {
			return strings.HasPrefix(value, prefix)
		}
		return false
	}
	return pattern == value
}
