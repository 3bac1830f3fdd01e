package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nugget/cartwright/internal/agent"
	"github.com/nugget/cartwright/internal/catalog"
	"github.com/nugget/cartwright/internal/checkout"
	"github.com/nugget/cartwright/internal/config"
	"github.com/nugget/cartwright/internal/events"
	"github.com/nugget/cartwright/internal/llm"
	"github.com/nugget/cartwright/internal/mcp"
	"github.com/nugget/cartwright/internal/prompts"
	"github.com/nugget/cartwright/internal/session"
	"github.com/nugget/cartwright/internal/tools"
	"github.com/nugget/cartwright/internal/usage"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// app is the wired core shared by serve, ask and chat.
type app struct {
	bus     *events.Bus
	mcp     *mcp.Client
	catalog *catalog.Gateway
	llm     llm.Client
	store   *session.Store
	usage   *usage.Store // nil when the ledger is disabled
	service *agent.Service
}

// newApp builds every core component from cfg. Nothing connects yet:
// the MCP client initializes on first use and the model is only called
// by a turn.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{bus: events.New()}

	a.mcp = mcp.NewClient("catalog", newCatalogTransport(cfg.Catalog, logger), logger)
	a.catalog = catalog.NewGateway(a.mcp, catalog.Config{
		SearchTool:      cfg.Catalog.SearchTool,
		CartTool:        cfg.Catalog.CartTool,
		ProductLinkTool: cfg.Catalog.ProductLinkTool,
		QueryArg:        cfg.Catalog.QueryArg,
		ResultLimit:     cfg.Catalog.ResultLimit,
		Timeout:         cfg.Catalog.Timeout,
		Logger:          logger,
	})
	registry := tools.NewGroceryRegistry(a.catalog, logger)

	client, err := newLLMClient(cfg.LLM, logger)
	if err != nil {
		return nil, err
	}
	a.llm = client

	system, err := loadSystemPrompt(cfg)
	if err != nil {
		return nil, err
	}
	model := agent.NewLLMModel(client, cfg.LLM.Provider, cfg.LLM.Model, system, logger)

	renderer, err := newCheckout(cfg.Checkout, a.catalog, logger)
	if err != nil {
		return nil, err
	}

	policy, err := session.ParseBusyPolicy(cfg.Session.BusyPolicy)
	if err != nil {
		return nil, err
	}
	a.store = session.NewStore(
		session.WithBusyPolicy(policy),
		session.WithEventBus(a.bus),
		session.WithLogger(logger),
	)

	loopOpts := []agent.Option{
		agent.WithLogger(logger),
		agent.WithEventBus(a.bus),
	}
	if cfg.Usage.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Usage.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create usage directory: %w", err)
		}
		a.usage, err = usage.NewStore(cfg.Usage.Path)
		if err != nil {
			return nil, fmt.Errorf("open usage store: %w", err)
		}
		loopOpts = append(loopOpts, agent.WithUsageRecorder(a.usage))
	}

	loop := agent.NewLoop(model, registry, renderer, agent.Config{
		MaxRounds:    cfg.Agent.MaxRounds,
		MaxMalformed: cfg.Agent.MaxMalformed,
		ModelRetries: cfg.Agent.ModelRetries,
		ToolRetries:  cfg.Agent.ToolRetries,
		BackoffBase:  cfg.Agent.BackoffBase,
		BackoffMax:   cfg.Agent.BackoffMax,
		TurnTimeout:  cfg.Agent.TurnTimeout,
	}, loopOpts...)

	a.service = agent.NewService(a.store, loop, renderer, a.bus, logger)
	return a, nil
}

// Close releases the catalog connection and the usage ledger.
func (a *app) Close() error {
	var errs []error
	if err := a.mcp.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close catalog: %w", err))
	}
	if a.usage != nil {
		if err := a.usage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close usage store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// newCheckout returns the local renderer, or a catalog-backed builder
// that falls back to it.
func newCheckout(cfg config.CheckoutConfig, linker checkout.CartLinker, logger *slog.Logger) (checkout.Builder, error) {
	local, err := checkout.NewRenderer(cfg.BaseURL, cfg.Params)
	if err != nil {
		return nil, fmt.Errorf("checkout renderer: %w", err)
	}
	if cfg.Mode == config.CheckoutCatalog {
		return checkout.NewRemote(linker, local, logger), nil
	}
	return local, nil
}

// newCatalogTransport picks streamable HTTP or a stdio subprocess.
// config.Validate guarantees exactly one is configured.
func newCatalogTransport(cfg config.CatalogConfig, logger *slog.Logger) mcp.Transport {
	if cfg.URL != "" {
		return mcp.NewHTTPTransport(mcp.HTTPConfig{
			URL:                cfg.URL,
			Headers:            cfg.Headers,
			Timeout:            cfg.Timeout,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			Logger:             logger,
		})
	}
	return mcp.NewStdioTransport(mcp.StdioConfig{
		Command: cfg.Command,
		Args:    cfg.Args,
		Env:     cfg.Env,
		Logger:  logger,
	})
}

// newLLMClient builds the configured provider client.
func newLLMClient(cfg config.LLMConfig, logger *slog.Logger) (llm.Client, error) {
	switch cfg.Provider {
	case "anthropic":
		return llm.NewAnthropicClient(llm.AnthropicConfig{
			APIKey:          cfg.APIKey,
			BaseURL:         cfg.BaseURL,
			MaxTokens:       cfg.MaxTokens,
			ResponseTimeout: cfg.Timeout,
			Logger:          logger,
		}), nil
	case "openai":
		return llm.NewOpenAIClient(llm.OpenAIConfig{
			BaseURL:         cfg.BaseURL,
			APIKey:          cfg.APIKey,
			MaxTokens:       cfg.MaxTokens,
			ResponseTimeout: cfg.Timeout,
			Logger:          logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// loadSystemPrompt returns the built-in prompt, or the contents of
// agent.prompt_file when set.
func loadSystemPrompt(cfg *config.Config) (string, error) {
	var override string
	if cfg.Agent.PromptFile != "" {
		data, err := os.ReadFile(cfg.Agent.PromptFile)
		if err != nil {
			return "", fmt.Errorf("read prompt file: %w", err)
		}
		override = string(data)
	}
	return prompts.SystemPrompt(override, time.Now(), cfg.Agent.MaxRounds), nil
}
