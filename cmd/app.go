package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kestrelsec/kestrel/api/schemas"
	"github.com/kestrelsec/kestrel/internal/agent"
	"github.com/kestrelsec/kestrel/internal/extractor"
	"github.com/kestrelsec/kestrel/internal/graph"
	"github.com/kestrelsec/kestrel/internal/llmclient"
	"github.com/kestrelsec/kestrel/internal/memory"
	"github.com/kestrelsec/kestrel/internal/observability"
	"github.com/kestrelsec/kestrel/internal/orchestrator"
	"github.com/kestrelsec/kestrel/internal/registry"
	"github.com/kestrelsec/kestrel/internal/tools"
)

// app holds the wired component graph for one command invocation.
type app struct {
	logger       *zap.Logger
	memory       schemas.MemoryStore
	graph        schemas.GraphStore
	agent        *agent.Agent
	orchestrator *orchestrator.Orchestrator

	closers []func()
}

// buildApp assembles the full stack from the loaded configuration. withLLM
// commands need a configured completion provider; read-only graph commands do
// not.
func buildApp(ctx context.Context, withLLM bool) (*app, error) {
	a := &app{logger: observability.GetLogger()}

	mem, err := memory.NewSQLiteStore(cfg.Memory.Path, a.logger)
	if err != nil {
		return nil, err
	}
	a.memory = mem
	a.closers = append(a.closers, func() { mem.Close() })

	switch cfg.Graph.Backend {
	case "postgres":
		pg, err := graph.NewPostgresStore(ctx, cfg.Database.URL, a.logger)
		if err != nil {
			a.close()
			return nil, err
		}
		a.graph = pg
		a.closers = append(a.closers, pg.Close)
	case "memory", "":
		a.graph = graph.NewInMemoryStore(a.logger)
	default:
		a.close()
		return nil, fmt.Errorf("unknown graph backend %q", cfg.Graph.Backend)
	}

	if !withLLM {
		return a, nil
	}

	llm, err := llmclient.NewClient(cfg.Agent.LLM, a.logger)
	if err != nil {
		a.close()
		return nil, err
	}

	reg := registry.New(cfg.Tools, cfg.Agent.ToolTimeout, a.logger)
	toolkit := tools.NewToolkit(cfg.Tools, a.logger)
	if err := toolkit.RegisterAll(reg); err != nil {
		a.close()
		return nil, err
	}

	ex := extractor.New(llm, a.logger)
	a.agent = agent.New(cfg.Agent, llm, reg, a.memory, a.graph, ex, a.logger)
	a.orchestrator = orchestrator.New(cfg.Workflow, a.agent, a.logger)
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
