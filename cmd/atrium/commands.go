package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nugget/atrium/internal/agent"
	"github.com/nugget/atrium/internal/api"
	"github.com/nugget/atrium/internal/auth"
	"github.com/nugget/atrium/internal/buildinfo"
	"github.com/nugget/atrium/internal/chat"
	"github.com/nugget/atrium/internal/config"
	"github.com/nugget/atrium/internal/conversation"
	"github.com/nugget/atrium/internal/database"
	"github.com/nugget/atrium/internal/estate"
	"github.com/nugget/atrium/internal/mcpserver"
)

// shutdownTimeout bounds graceful shutdown of the API server.
const shutdownTimeout = 30 * time.Second

// newClient builds the model client for serve, ask and mcp. Tests
// replace it with a scripted client.
var newClient = createLLMClient

// loadConfig locates and loads the configuration file. An explicit path
// that does not exist is an error; otherwise the default search paths
// are tried in order.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, "", fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// newLogger builds the process logger from the configured level and
// format.
func newLogger(w io.Writer, cfg *config.Config) (*slog.Logger, error) {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log_level: %w", err)
	}
	return config.NewLogger(w, level, cfg.LogFormat), nil
}

// principalFlags are shared by the commands that act as one user.
type principalFlags struct {
	org  string
	user string
	role string
}

func (f *principalFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.org, "org", "", "organization id (required)")
	cmd.Flags().StringVar(&f.user, "user", "", "user id (required)")
	cmd.Flags().StringVar(&f.role, "role", auth.RoleMember, "role: admin, member or viewer")
	_ = cmd.MarkFlagRequired("org")
	_ = cmd.MarkFlagRequired("user")
}

func (f *principalFlags) principal() (auth.Principal, error) {
	p := auth.Principal{OrgID: f.org, UserID: f.user, Role: f.role}
	switch p.Role {
	case auth.RoleAdmin, auth.RoleMember, auth.RoleViewer:
	default:
		return auth.Principal{}, fmt.Errorf("unknown role %q (valid: admin, member, viewer)", f.role)
	}
	if !p.Valid() {
		return auth.Principal{}, errors.New("--org and --user must not be empty")
	}
	return p, nil
}

func newServeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cmd.OutOrStdout(), opts.configPath)
		},
	}
}

// runServe starts the API server and blocks until a shutdown signal.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(stdout, cfg)
	if err != nil {
		return err
	}
	logger.Info("starting Atrium",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"branch", buildinfo.GitBranch,
		"built", buildinfo.BuildTime,
	)
	logger.Info("config loaded", "path", cfgPath, "port", cfg.Listen.Port, "model", cfg.Models.Default)

	a, err := buildApp(cfg, logger, newClient(cfg, logger))
	if err != nil {
		return err
	}
	defer a.Close()

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, api.Deps{
		Logger:        logger,
		Chat:          a.chat,
		Conversations: a.conversations,
		Usage:         a.usage,
		Verifier:      a.verifier,
	})

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("API server shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("API server: %w", err)
	}
	logger.Info("Atrium stopped")
	return nil
}

func newAskCmd(opts *globalOptions) *cobra.Command {
	var pf principalFlags
	var conversationID, model string
	cmd := &cobra.Command{
		Use:   "ask [flags] <question>",
		Short: "Ask the assistant one question from the terminal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pf.principal()
			if err != nil {
				return err
			}
			req := chat.Request{
				Messages:       []chat.InboundMessage{{Role: conversation.RoleUser, Content: strings.Join(args, " ")}},
				ConversationID: conversationID,
				Source:         conversation.SourcePage,
				Model:          model,
			}
			return runAsk(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), opts, p, req)
		},
	}
	pf.register(cmd)
	cmd.Flags().StringVar(&conversationID, "conversation", "", "continue an existing conversation")
	cmd.Flags().StringVar(&model, "model", "", "model override (default: models.default)")
	return cmd
}

// askResult is the json output of ask.
type askResult struct {
	ConversationID string   `json:"conversation_id"`
	Text           string   `json:"text"`
	State          string   `json:"state"`
	Tools          []string `json:"tools,omitempty"`
	InputTokens    int      `json:"input_tokens"`
	OutputTokens   int      `json:"output_tokens"`
}

// runAsk runs one exchange through the chat service. In text mode the
// answer streams to stdout and tool activity goes to stderr; in json mode
// one result object is printed when the exchange ends.
func runAsk(ctx context.Context, stdout, stderr io.Writer, opts *globalOptions, p auth.Principal, req chat.Request) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(stderr, cfg)
	if err != nil {
		return err
	}
	a, err := buildApp(cfg, logger, newClient(cfg, logger))
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	text := opts.output == "text"
	emit := func(ev agent.Event) {
		if !text {
			return
		}
		switch ev.Type {
		case agent.EventTextDelta:
			fmt.Fprint(stdout, ev.Delta)
		case agent.EventToolCallStarted:
			fmt.Fprintf(stderr, "[%s]\n", ev.ToolName)
		case agent.EventToolCallFinished:
			if ev.Error != "" {
				fmt.Fprintf(stderr, "[%s failed: %s]\n", ev.ToolName, ev.Error)
			}
		}
	}

	ex, out, err := a.chat.Handle(ctx, uuid.NewString(), p, req, emit)
	if err != nil {
		return err
	}

	if !text {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(askResult{
			ConversationID: ex.ConversationID,
			Text:           out.Text,
			State:          out.State.String(),
			Tools:          out.ToolNames,
			InputTokens:    out.Usage.InputTokens,
			OutputTokens:   out.Usage.OutputTokens,
		})
	}

	fmt.Fprintln(stdout)
	fmt.Fprintf(stderr, "conversation %s\n", ex.ConversationID)
	if out.Err != nil {
		return out.Err
	}
	return nil
}

func newMCPCmd(opts *globalOptions) *cobra.Command {
	var pf principalFlags
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the assistant's tools over MCP on stdin/stdout",
		Long: "Serve the assistant's tools to an MCP client over stdio. Every call is\n" +
			"scoped to the organization given by --org. Logs go to stderr.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pf.principal()
			if err != nil {
				return err
			}
			cfg, _, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg)
			if err != nil {
				return err
			}
			a, err := buildApp(cfg, logger, newClient(cfg, logger))
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			s := mcpserver.NewServer(a.registry, p, logger)
			logger.Info("serving MCP on stdio", "org_id", p.OrgID, "user_id", p.UserID)
			return mcpserver.ServeStdio(ctx, s, cmd.InOrStdin(), cmd.OutOrStdout(), logger)
		},
	}
	pf.register(cmd)
	return cmd
}

func newSeedCmd(opts *globalOptions) *cobra.Command {
	var org string
	var seed uint64
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create a demo dataset for an organization",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd.Context(), cmd.OutOrStdout(), opts, org, seed)
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "organization id (required)")
	cmd.Flags().Uint64Var(&seed, "seed", 1, "random seed; the same seed produces the same records")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

// runSeed only needs the records store, so it opens the database
// directly instead of wiring the whole app.
func runSeed(ctx context.Context, w io.Writer, opts *globalOptions, org string, seed uint64) error {
	if org == "" {
		return errors.New("--org must not be empty")
	}
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	db, err := database.Open(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	records, err := estate.NewStore(db)
	if err != nil {
		return err
	}
	counts, err := records.Seed(ctx, org, rand.New(rand.NewPCG(seed, seed)))
	if err != nil {
		return fmt.Errorf("seed %s: %w", org, err)
	}

	if opts.output == "json" {
		return json.NewEncoder(w).Encode(counts)
	}
	fmt.Fprintf(w, "seeded %s: %d portfolios, %d properties, %d spaces, %d tenants, %d leases, %d audit entries\n",
		org, counts.Portfolios, counts.Properties, counts.Spaces, counts.Tenants, counts.Leases, counts.Audit)
	return nil
}

func newTokenCmd(opts *globalOptions) *cobra.Command {
	var pf principalFlags
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for development",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pf.principal()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				return fmt.Errorf("--ttl must be positive, got %s", ttl)
			}
			cfg, _, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			token, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer).Issue(p, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	pf.register(cmd)
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
