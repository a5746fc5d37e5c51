package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/example/app-orchestrator/internal/agents"
	"github.com/example/app-orchestrator/internal/browser"
	"github.com/example/app-orchestrator/internal/config"
	"github.com/example/app-orchestrator/internal/gateway"
	"github.com/example/app-orchestrator/internal/logging"
	"github.com/example/app-orchestrator/internal/memory"
	"github.com/example/app-orchestrator/internal/orchestrator"
	"github.com/example/app-orchestrator/internal/providers/llm"
	"github.com/example/app-orchestrator/internal/publish"
	"github.com/example/app-orchestrator/internal/workspace"
)

// app holds the process-wide components shared by every session.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	engine    *orchestrator.Engine
	memory    memory.Store
	workspace *workspace.Store
	closers   []io.Closer
}

func newApp(ctx context.Context, path string) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}

	gw, err := gateway.New(ctx, llm.Config{
		Provider:        cfg.Gateway.Provider,
		Model:           cfg.Gateway.Model,
		BaseURL:         cfg.Gateway.BaseURL,
		Timeout:         cfg.Gateway.Timeout,
		GoogleAPIKey:    cfg.Secrets.GoogleAPIKey.Value(),
		GroqAPIKey:      cfg.Secrets.GroqAPIKey.Value(),
		OpenAIAPIKey:    cfg.Secrets.OpenAIAPIKey.Value(),
		AnthropicAPIKey: cfg.Secrets.AnthropicAPIKey.Value(),
	}, gateway.Options{
		MaxRetries:  cfg.Gateway.MaxRetries,
		BaseDelay:   cfg.Gateway.BaseDelay,
		Timeout:     cfg.Gateway.CallTimeout,
		Temperature: cfg.Gateway.Temperature,
		Logger:      logger.Named("gateway"),
	})
	if err != nil {
		return nil, err
	}
	logger.Info("generation gateway ready", zap.String("provider", gw.Provider()), zap.String("model", gw.Model()))
	a.closers = append(a.closers, gw)

	a.memory = a.openMemory(ctx)
	a.closers = append(a.closers, a.memory)

	a.workspace, err = workspace.New(cfg.Workspace.Root)
	if err != nil {
		a.Close()
		return nil, err
	}

	driver := a.newDriver()
	a.closers = append(a.closers, driver)

	a.engine = orchestrator.New(orchestrator.Deps{
		Planner: &agents.Planner{Gen: gw, Memory: a.memory, Logger: logger.Named("planner")},
		Coder:   &agents.Coder{Gen: gw, Files: a.workspace, Logger: logger.Named("coder")},
		Verifier: &agents.Verifier{
			Driver:       driver,
			ItemSelector: cfg.Browser.ItemSelector,
			SettleDelay:  cfg.Browser.SettleDelay,
			Logger:       logger.Named("verifier"),
		},
		Debugger:  &agents.Debugger{Gen: gw, Files: a.workspace, Logger: logger.Named("debugger")},
		Reviewer:  &agents.Reviewer{Gen: gw, Logger: logger.Named("reviewer")},
		Artifacts: a.workspace,
		Memory:    a.memory,
		Publisher: a.newPublisher(),
		Hub:       orchestrator.NewHub(),
	}, orchestrator.Options{
		RepairBudget:      cfg.Pipeline.RepairBudget,
		PublishUnverified: cfg.Pipeline.PublishUnverified,
		PublicURL:         cfg.Server.PublicURL,
		Logger:            logger.Named("engine"),
	})
	return a, nil
}

func (a *app) openMemory(ctx context.Context) memory.Store {
	mc := a.cfg.Memory
	var embed func(context.Context, string) ([]float32, error)
	if mc.Mode == memory.ModeVector {
		fn, closer, err := memory.NewEmbedder(ctx, memory.EmbedderConfig{
			Kind:      mc.Embedder,
			Model:     mc.EmbeddingModel,
			OllamaURL: mc.OllamaURL,
			APIKey:    a.cfg.Secrets.GoogleAPIKey.Value(),
		})
		if err != nil {
			a.logger.Warn("embedder unavailable", zap.String("embedder", mc.Embedder), zap.Error(err))
		} else {
			embed = fn
			a.closers = append(a.closers, closer)
		}
	}
	return memory.Open(ctx, memory.Config{Mode: mc.Mode, Path: mc.Path, PrefixLen: mc.PrefixLen}, embed, a.logger)
}

func (a *app) newDriver() browser.Driver {
	bc := a.cfg.Browser
	if bc.Driver == "static" {
		a.logger.Info("using static verification driver")
		return browser.StaticDriver{}
	}
	return browser.NewRodDriver(browser.RodConfig{Headless: bc.Headless, PageTimeout: bc.PageTimeout}, a.logger)
}

// newPublisher returns nil when publishing is off or has no credentials,
// which makes every session use the local preview URL.
func (a *app) newPublisher() publish.Publisher {
	pc := a.cfg.Publish
	switch pc.Provider {
	case "", "none":
		return nil
	case "vercel":
		token := a.cfg.Secrets.VercelToken.Value()
		if token == "" {
			a.logger.Info("VERCEL_TOKEN not set, publishing disabled")
			return nil
		}
		return &publish.Vercel{Bin: pc.VercelBin, Token: token, Timeout: pc.Timeout, Logger: a.logger.Named("publish")}
	}
	a.logger.Warn("unknown publish provider, publishing disabled", zap.String("provider", pc.Provider))
	return nil
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := logging.Sync(a.logger); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
