package cli

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/omopmed/medquery/internal/config"
	"github.com/omopmed/medquery/internal/logger"
	"github.com/omopmed/medquery/internal/metrics"
	"github.com/omopmed/medquery/internal/prompts"
	"github.com/omopmed/medquery/internal/tracing"
	"github.com/omopmed/medquery/pkg/gateway"
	"github.com/omopmed/medquery/pkg/knowledge"
	"github.com/omopmed/medquery/pkg/llm"
	"github.com/omopmed/medquery/pkg/mcp"
	"github.com/omopmed/medquery/pkg/orchestrator"
	"github.com/omopmed/medquery/pkg/queryagent"
)

// app holds every wired component for one process. Construction order
// follows the dependency graph: config and logging first, then tool servers,
// then knowledge, then the agent stack.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	zlog    zerolog.Logger
	metrics *metrics.Metrics

	promptLoader *prompts.Loader
	registry     *mcp.Registry
	store        *knowledge.Store
	kb           *knowledge.KnowledgeBase
	refresher    *knowledge.Refresher
	generator    llm.Generator
	agent        *queryagent.Agent
	remote       *gateway.Client
	orchestrator *orchestrator.Orchestrator
}

// newApp builds the pipeline. withOrchestrator is false in serve mode, where
// the process only exposes the query agent over the gateway.
func newApp(ctx context.Context, withOrchestrator bool) (*app, error) {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		File:      cfg.Logging.File,
		Redaction: true,
	})
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, zlog: log.GetZerolog(), metrics: metrics.NewMetrics()}

	if err := tracing.InitOpenTelemetry("medquery"); err != nil {
		a.zlog.Warn().Err(err).Msg("Tracing disabled")
	}

	if err := a.buildPipeline(ctx, withOrchestrator); err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) buildPipeline(ctx context.Context, withOrchestrator bool) error {
	var err error
	a.promptLoader, err = prompts.NewLoader(a.cfg.PromptsFile, a.zlog.With().Str("component", "prompts").Logger())
	if err != nil {
		return err
	}
	if a.cfg.PromptsFile != "" {
		if err := a.promptLoader.Watch(); err != nil {
			a.zlog.Warn().Err(err).Msg("Prompt hot-reload disabled")
		}
	}

	a.generator, err = llm.New(llm.Config{
		Provider:    a.cfg.LLM.Provider,
		Model:       a.cfg.LLM.Model,
		APIKey:      a.cfg.LLM.APIKey,
		MaxTokens:   a.cfg.LLM.MaxTokens,
		Temperature: a.cfg.LLM.Temperature,
	})
	if err != nil {
		return err
	}

	// Dialing a remote agent replaces the whole local execution stack.
	if a.cfg.Gateway.RemoteURL != "" {
		if !withOrchestrator {
			return fmt.Errorf("serve mode cannot use a remote gateway")
		}
		a.remote, err = gateway.Dial(ctx, a.cfg.Gateway.RemoteURL, a.zlog.With().Str("component", "gateway-client").Logger())
		if err != nil {
			return err
		}
		return a.buildOrchestrator(a.remote)
	}

	if err := a.buildLocalAgent(ctx); err != nil {
		return err
	}
	if withOrchestrator {
		return a.buildOrchestrator(a.agent)
	}
	return nil
}

func (a *app) buildLocalAgent(ctx context.Context) error {
	opts := mcp.DefaultSessionOptions()
	if a.cfg.Agent.RequestTimeout > 0 {
		opts.RequestTimeout = a.cfg.Agent.RequestTimeout
	}

	a.registry = mcp.NewRegistry(opts, a.zlog.With().Str("component", "mcp").Logger())
	for _, ts := range a.cfg.ToolServers {
		spec := mcp.ServerSpec{
			Name:        ts.Name,
			Command:     ts.Command,
			Args:        ts.Args,
			Dir:         ts.WorkDir,
			Env:         ts.Env,
			Description: ts.Description,
		}
		if err := a.registry.Register(spec); err != nil {
			return err
		}
	}

	for name, err := range a.registry.ConnectAll(ctx) {
		a.zlog.Warn().Err(err).Str("server", name).Msg("Tool server failed to connect")
	}
	if a.registry.ConnectedCount() == 0 {
		return fmt.Errorf("no tool servers connected")
	}
	a.metrics.ServersConnected.Set(float64(a.registry.ConnectedCount()))

	if a.cfg.Knowledge.StorePath != "" {
		var err error
		a.store, err = knowledge.OpenStore(a.cfg.Knowledge.StorePath)
		if err != nil {
			return err
		}
	}

	a.kb = knowledge.New(knowledge.Config{
		Logger:  a.zlog.With().Str("component", "knowledge").Logger(),
		Store:   a.store,
		Metrics: a.metrics,
	})
	a.kb.Discover(ctx, a.registry)

	if a.cfg.Knowledge.RefreshSchedule != "" {
		refresher, err := knowledge.NewRefresher(a.kb, a.registry, a.cfg.Knowledge.RefreshSchedule,
			a.zlog.With().Str("component", "refresher").Logger())
		if err != nil {
			return err
		}
		a.refresher = refresher
		a.refresher.Start()
	}

	agent, err := queryagent.New(queryagent.Config{
		Generator:   a.generator,
		Registry:    a.registry,
		Knowledge:   a.kb,
		Prompts:     a.promptLoader.Active(),
		Logger:      a.zlog.With().Str("component", "queryagent").Logger(),
		QueryTool:   a.cfg.Agent.QueryTool,
		MaxAttempts: a.cfg.Agent.MaxAttempts,
		Metrics:     a.metrics,
	})
	if err != nil {
		return err
	}
	a.agent = agent
	return nil
}

func (a *app) buildOrchestrator(answerer orchestrator.Answerer) error {
	o, err := orchestrator.New(orchestrator.Config{
		Generator: a.generator,
		Answerer:  answerer,
		Prompts:   a.promptLoader.Active(),
		Logger:    a.zlog.With().Str("component", "orchestrator").Logger(),
		MaxLoops:  a.cfg.Orchestrator.MaxLoops,
		Metrics:   a.metrics,
	})
	if err != nil {
		return err
	}
	a.orchestrator = o
	return nil
}

// Close tears everything down in reverse construction order. Best effort:
// shutdown paths log failures instead of raising them.
func (a *app) Close(ctx context.Context) {
	if a.refresher != nil {
		a.refresher.Stop()
	}
	if a.remote != nil {
		if err := a.remote.Close(); err != nil {
			a.zlog.Warn().Err(err).Msg("Gateway client close failed")
		}
	}
	if a.registry != nil {
		a.registry.Shutdown()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.zlog.Warn().Err(err).Msg("Knowledge store close failed")
		}
	}
	if a.promptLoader != nil {
		if err := a.promptLoader.Stop(); err != nil {
			a.zlog.Warn().Err(err).Msg("Prompt loader stop failed")
		}
	}
	if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
		a.zlog.Warn().Err(err).Msg("Tracing shutdown failed")
	}
	if a.log != nil {
		a.log.Close()
	}
}
