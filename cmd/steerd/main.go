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

// Command steerd is a minimal host process that assembles the session
// runtime library end to end: event store, workspace, tool registry,
// executor, and runtime service. It exists to demonstrate wiring, not as
// a product surface — flag parsing is deliberately just the standard
// library's flag package, since a CLI framework is outside this module's
// scope (see DESIGN.md's dropped-dependency notes).
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"

	"github.com/BrendanGraham14/steer-sub001/internal/backend/static"
	"github.com/BrendanGraham14/steer-sub001/internal/capability"
	"github.com/BrendanGraham14/steer-sub001/internal/config"
	"github.com/BrendanGraham14/steer-sub001/internal/executor"
	"github.com/BrendanGraham14/steer-sub001/internal/observability"
	"github.com/BrendanGraham14/steer-sub001/internal/registry"
	"github.com/BrendanGraham14/steer-sub001/internal/runtime"
	"github.com/BrendanGraham14/steer-sub001/internal/session"
	"github.com/BrendanGraham14/steer-sub001/internal/subagent"
	"github.com/BrendanGraham14/steer-sub001/internal/tool"
	"github.com/BrendanGraham14/steer-sub001/internal/workspace"
)

func main() {
	dbPath := flag.String("db", "steer.db", "path to the sqlite event store")
	root := flag.String("workspace", ".", "workspace root directory")
	prompt := flag.String("prompt", "", "single user message to run a turn with, then exit")
	traceStdout := flag.Bool("trace-stdout", false, "print spans to stdout instead of discarding them")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	if err := run(log, *dbPath, *root, *prompt, *traceStdout); err != nil {
		log.Error("steerd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger, dbPath, root, prompt string, traceStdout bool) error {
	ctx := context.Background()

	if traceStdout {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("init stdout trace exporter: %w", err)
		}
		provider := observability.NewStdoutTracerProvider(exporter)
		defer provider.Shutdown(ctx)
		otel.SetTracerProvider(provider)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer db.Close()

	store, err := session.NewSQLStore(db, "sqlite3")
	if err != nil {
		return fmt.Errorf("init event store: %w", err)
	}
	defer store.Close()

	ws := workspace.NewLocal(root)
	todos := static.NewTodoStore()
	tools := append(static.WorkspaceTools(ws), static.NonWorkspaceTools(todos, static.DefaultFetchConfig())...)
	staticBackend := static.New(tools...)

	reg := registry.New(staticBackend, nil)

	metrics, err := observability.NewMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	ex := executor.New(store, reg, executor.NewApprovalWaiter(), nil, log)
	ex.Metrics = metrics

	caps := capability.Workspace | capability.Network | capability.Agent
	rt := runtime.New(store, ex, noModelConfigured{}, caps, log)

	agents, err := config.DefaultAgentRegistry()
	if err != nil {
		return fmt.Errorf("load agent presets: %w", err)
	}
	spawner := subagent.New(store, rt, agents)
	staticBackend.AddTool(subagent.DispatchAgentTool(spawner))

	cfg := config.DefaultSessionConfig()
	cfg.Workspace = session.WorkspaceConfig{Local: &session.LocalWorkspaceConfig{Root: root}}

	sess, err := store.CreateSession(ctx, cfg, nil)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	log.Info("session created", "session_id", sess.ID)

	if prompt == "" {
		return nil
	}

	schemas := registry.AvailableSchemas(reg, caps, cfg.ToolCfg.Visibility)
	result, err := rt.RunTurn(ctx, sess, "op-cli", prompt, cfg.ToolCfg.ApprovalPolicy, cfg.ToolCfg.Visibility, schemas)
	if err != nil {
		return fmt.Errorf("run turn: %w", err)
	}
	fmt.Println(result.FinalText)
	return nil
}

// noModelConfigured is the placeholder ModelCaller for this demo binary: a
// real embedder supplies its own provider behind runtime.ModelCaller.
type noModelConfigured struct{}

func (noModelConfigured) Call(ctx context.Context, messages []session.Message, schemas []tool.Schema) (runtime.ModelTurn, error) {
	return runtime.ModelTurn{}, &runtime.ModelError{Kind: runtime.ModelErrorInvalid, Err: fmt.Errorf("no model provider configured")}
}
