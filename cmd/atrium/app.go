package main

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/nugget/atrium/internal/agent"
	"github.com/nugget/atrium/internal/auth"
	"github.com/nugget/atrium/internal/chat"
	"github.com/nugget/atrium/internal/config"
	"github.com/nugget/atrium/internal/conversation"
	"github.com/nugget/atrium/internal/database"
	"github.com/nugget/atrium/internal/estate"
	"github.com/nugget/atrium/internal/llm"
	"github.com/nugget/atrium/internal/tools"
	"github.com/nugget/atrium/internal/usage"
)

// app holds the wired components shared by the serve, ask and mcp
// commands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB

	records       *estate.Store
	conversations *conversation.Store
	usage         *usage.Store
	shared        *chat.SharedState
	registry      *tools.Registry
	chat          *chat.Service
	verifier      *auth.Verifier
}

// buildApp opens the database and wires every store and service. The
// caller owns the returned app and must Close it.
func buildApp(cfg *config.Config, logger *slog.Logger, client llm.Client) (*app, error) {
	db, err := database.Open(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, db: db}

	if a.records, err = estate.NewStore(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("estate store: %w", err)
	}
	if a.conversations, err = conversation.NewStore(db, cfg.Chat.TitleLength); err != nil {
		db.Close()
		return nil, fmt.Errorf("conversation store: %w", err)
	}
	if a.usage, err = usage.NewStore(db, cfg.Chat.UsageTextLimit); err != nil {
		db.Close()
		return nil, fmt.Errorf("usage store: %w", err)
	}

	a.shared = chat.NewSharedState(cfg.Chat.RateLimit.Requests, cfg.Chat.RateLimit.Window.Duration, a.records, cfg.Chat.SchemaTTL.Duration)

	a.registry = tools.NewRegistry(logger)
	a.registry.RegisterEstateTools(a.records, a.shared.Schemas)
	a.registry.RegisterUsageTools(a.usage, nil)

	loop := agent.NewLoop(logger, client, a.registry, agent.Config{
		Model:           cfg.Models.Default,
		MaxSteps:        cfg.Chat.MaxSteps,
		ToolConcurrency: cfg.Chat.ToolConcurrency,
	})
	a.chat = chat.NewService(chat.Deps{
		Logger:        logger,
		Shared:        a.shared,
		Loop:          loop,
		Conversations: a.conversations,
		Usage:         a.usage,
		Pricing:       cfg.Pricing,
	})
	a.verifier = auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)

	logger.Info("components initialized",
		"database", cfg.Database.Path,
		"driver", cfg.Database.Driver,
		"tools", len(a.registry.Names()),
		"default_model", cfg.Models.Default,
	)
	return a, nil
}

// Close releases the database.
func (a *app) Close() error {
	return a.db.Close()
}

// createLLMClient builds the provider router. Ollama, when configured,
// serves models with no explicit provider; otherwise Anthropic does.
// Outbound calls are paced when models.max_requests_per_second is set.
func createLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	var fallback llm.Client
	var ollama, anthropic llm.Client

	if cfg.Ollama.URL != "" {
		ollama = llm.NewOllamaClient(cfg.Ollama.URL, logger)
		fallback = ollama
	}
	if cfg.Anthropic.APIKey != "" {
		anthropic = llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger)
		if fallback == nil {
			fallback = anthropic
		}
	}

	multi := llm.NewMultiClient(fallback)
	if ollama != nil {
		multi.AddProvider("ollama", ollama)
	}
	if anthropic != nil {
		multi.AddProvider("anthropic", anthropic)
		logger.Info("Anthropic provider configured")
	}
	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}

	logger.Info("LLM client initialized",
		"default_model", cfg.Models.Default,
		"default_provider", cfg.ProviderFor(cfg.Models.Default),
	)

	if cfg.Models.MaxRequestsPerSecond > 0 {
		return llm.NewPacedClient(multi, cfg.Models.MaxRequestsPerSecond, cfg.Models.Burst)
	}
	return multi
}
