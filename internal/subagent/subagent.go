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

// Package subagent implements dispatch_agent: spinning up a child session,
// optionally on a fresh workspace, running it through a single-turn loop,
// and returning its final assistant text to the caller. It is the only
// form of multi-agent orchestration this runtime supports; anything deeper
// (teams, hierarchies) is out of scope.
package subagent

import (
	"context"
	"fmt"

	"github.com/BrendanGraham14/steer-sub001/internal/config"
	"github.com/BrendanGraham14/steer-sub001/internal/runtime"
	"github.com/BrendanGraham14/steer-sub001/internal/session"
	"github.com/BrendanGraham14/steer-sub001/internal/tool"
)

// WorkspaceMode selects whether a dispatched agent reuses the caller's
// workspace or is given a fresh one.
type WorkspaceMode string

const (
	WorkspaceCurrent WorkspaceMode = "current"
	WorkspaceNew     WorkspaceMode = "new"
)

// DispatchMode selects whether dispatch_agent starts a fresh child session
// or resumes one that was already created by an earlier dispatch.
type DispatchMode string

const (
	ModeNew    DispatchMode = "new"
	ModeResume DispatchMode = "resume"
)

// Params is the decoded argument set for one dispatch_agent call.
type Params struct {
	Prompt    string
	Agent     string
	Workspace WorkspaceMode
	NewName   string // set when Workspace == WorkspaceNew
	Mode      DispatchMode
	ResumeID  string // set when Mode == ModeResume
}

// Result is what dispatch_agent returns to the caller.
type Result struct {
	FinalText string
	SessionID string
}

// ErrNotAChildSession is returned when Mode == ModeResume targets a session
// that is not a child of the dispatching session.
var ErrNotAChildSession = fmt.Errorf("resume target is not a child of the dispatching session")

// ErrUnknownAgent is returned when Params.Agent does not name a registered spec.
var ErrUnknownAgent = fmt.Errorf("unknown agent spec")

// Spawner dispatches sub-agent sessions and drives them to completion.
type Spawner struct {
	Store   session.Store
	Runtime *runtime.Runtime
	Agents  *config.AgentRegistry
}

// New builds a Spawner.
func New(store session.Store, rt *runtime.Runtime, agents *config.AgentRegistry) *Spawner {
	return &Spawner{Store: store, Runtime: rt, Agents: agents}
}

// Dispatch builds (or resumes) a child session of parentSessionID and runs
// it through one turn to completion.
func (s *Spawner) Dispatch(ctx context.Context, parentSessionID, operationID string, p Params) (Result, error) {
	if p.Mode == ModeResume {
		return s.resume(ctx, parentSessionID, operationID, p)
	}
	return s.dispatchNew(ctx, parentSessionID, operationID, p)
}

func (s *Spawner) dispatchNew(ctx context.Context, parentSessionID, operationID string, p Params) (Result, error) {
	parent, err := s.Store.GetSession(ctx, parentSessionID)
	if err != nil {
		return Result{}, fmt.Errorf("load parent session: %w", err)
	}

	spec, ok := s.Agents.Lookup(p.Agent)
	if !ok {
		return Result{}, tool.Wrap(tool.KindInvalidParams, fmt.Sprintf("unknown agent %q", p.Agent), ErrUnknownAgent)
	}

	childCfg := parent.Config
	if p.Workspace == WorkspaceNew {
		childCfg.Workspace = session.WorkspaceConfig{Local: &session.LocalWorkspaceConfig{Root: p.NewName}}
	}
	childCfg.ToolCfg.Visibility = spec.Visibility
	childCfg.ToolCfg.MCPAccess = spec.MCPAccess

	child, err := s.Store.CreateSession(ctx, childCfg, &parentSessionID)
	if err != nil {
		return Result{}, fmt.Errorf("create child session: %w", err)
	}

	return s.run(ctx, child, operationID, p.Prompt, childCfg)
}

func (s *Spawner) resume(ctx context.Context, parentSessionID, operationID string, p Params) (Result, error) {
	child, err := s.Store.GetSession(ctx, p.ResumeID)
	if err != nil {
		return Result{}, fmt.Errorf("load resume target: %w", err)
	}
	if child.ParentID == nil || *child.ParentID != parentSessionID {
		return Result{}, tool.Wrap(tool.KindInvalidParams, "resume target is not a child of the dispatching session", ErrNotAChildSession)
	}
	return s.run(ctx, child, operationID, p.Prompt, child.Config)
}

func (s *Spawner) run(ctx context.Context, child *session.Session, operationID, prompt string, cfg session.SessionConfig) (Result, error) {
	turn, err := s.Runtime.RunTurn(ctx, child, operationID, prompt, cfg.ToolCfg.ApprovalPolicy, cfg.ToolCfg.Visibility, nil)
	if err != nil {
		return Result{}, fmt.Errorf("run child turn: %w", err)
	}
	return Result{FinalText: turn.FinalText, SessionID: child.ID}, nil
}
