package cli

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/PipeOpsHQ/agentcrew/agent"
	"github.com/PipeOpsHQ/agentcrew/guardrail"
	"github.com/PipeOpsHQ/agentcrew/llm"
	"github.com/PipeOpsHQ/agentcrew/observe"
	"github.com/PipeOpsHQ/agentcrew/patch"
	"github.com/PipeOpsHQ/agentcrew/pipeline"
	"github.com/PipeOpsHQ/agentcrew/policy"
	"github.com/PipeOpsHQ/agentcrew/prompt"
	providerfactory "github.com/PipeOpsHQ/agentcrew/providers/factory"
	"github.com/PipeOpsHQ/agentcrew/resilience"
	"github.com/PipeOpsHQ/agentcrew/runtimeconfig"
	"github.com/PipeOpsHQ/agentcrew/state"
	statefactory "github.com/PipeOpsHQ/agentcrew/state/factory"
)

const closeTimeout = 10 * time.Second

// app holds the components one command invocation shares.
type app struct {
	opts    *rootOptions
	cfg     runtimeconfig.Config
	store   *state.Saver
	service *pipeline.Service

	closeOnce sync.Once
	closeErr  error
}

func (o *rootOptions) pipelineConfig() (runtimeconfig.Config, error) {
	if o.configPath == "" {
		return runtimeconfig.Config{}, nil
	}
	return runtimeconfig.Load(o.configPath)
}

// openStore opens only the checkpoint store.
func openStore(ctx context.Context, opts *rootOptions) (*state.Saver, error) {
	storeOpts := statefactory.OptionsFromEnv()
	storeOpts.Logger = opts.logger.WithName("state")
	store, err := statefactory.New(ctx, storeOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	return store, nil
}

// loadPrompts returns the built-in prompts with any --prompts overrides applied.
func loadPrompts(opts *rootOptions) (*prompt.Registry, error) {
	prompts := prompt.NewBuiltinRegistry()
	if opts.promptDir == "" {
		return prompts, nil
	}
	n, err := prompts.LoadDir(opts.promptDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load prompts: %w", err)
	}
	opts.logger.V(1).Info("loaded prompt overrides", "dir", opts.promptDir, "count", n)
	return prompts, nil
}

// newApp wires the full pipeline service. sinks receive every run event.
func newApp(ctx context.Context, opts *rootOptions, cfg runtimeconfig.Config, sinks ...observe.Sink) (*app, error) {
	logger := opts.logger

	provider, err := providerfactory.FromEnv(ctx)
	if err != nil {
		return nil, err
	}
	prompts, err := loadPrompts(opts)
	if err != nil {
		return nil, err
	}
	structured, err := llm.NewStructured(provider, prompts,
		llm.WithRetryPolicy(cfg.RetryPolicy()),
		llm.WithBreakers(resilience.NewBreakers(cfg.BreakerSettings(), logger.WithName("breaker"))),
		llm.WithModel(cfg.Model),
		llm.WithLogger(logger.WithName("llm")),
	)
	if err != nil {
		return nil, err
	}
	workspace, err := patch.NewWorkspace(opts.workspace, patch.WithLogger(logger.WithName("patch")))
	if err != nil {
		return nil, err
	}
	var engine *policy.Engine
	if cfg.Policy.File != "" {
		engine, err = policy.LoadEngine(ctx, cfg.Policy.File)
	} else {
		engine, err = policy.NewEngine(ctx, "")
	}
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx, opts)
	if err != nil {
		return nil, err
	}
	timeout := cfg.RunTimeout
	if timeout <= 0 {
		timeout = opts.env.RunTimeout
	}
	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = opts.env.MaxIterations
	}
	deps := agent.Deps{
		LLM:     structured,
		Patches: workspace,
		Policy:  engine,
		Guard:   guardrail.ForPatches(),
		Budget:  agent.NewContextManager(cfg.MaxInputTokens),
		Logger:  logger.WithName("agent"),
	}
	svc, err := pipeline.NewService(deps, store, pipeline.ServiceOptions{
		Pipeline:     pipeline.Options{Timeout: timeout, MaxSteps: cfg.MaxSteps},
		Sinks:        sinks,
		Capacity:     opts.capacity,
		Defaults:     pipeline.Request{Mode: cfg.Mode, MaxIterations: maxIterations},
		RequestGuard: guardrail.ForRequests(),
		Logger:       logger.WithName("pipeline"),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &app{opts: opts, cfg: cfg, store: store, service: svc}, nil
}

// Close stops active runs, flushes sinks and closes the store.
func (a *app) Close() error {
	a.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		a.closeErr = a.service.Close(ctx)
		if err := a.store.Close(); a.closeErr == nil {
			a.closeErr = err
		}
	})
	return a.closeErr
}
