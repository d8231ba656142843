// Package app wires the service's components from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/fragments/internal/config"
	"github.com/ashureev/fragments/internal/llm"
	"github.com/ashureev/fragments/internal/middleware"
	"github.com/ashureev/fragments/internal/prompt"
	"github.com/ashureev/fragments/internal/sandbox"
	"github.com/ashureev/fragments/internal/store"
	"github.com/ashureev/fragments/internal/stream"
	"github.com/ashureev/fragments/internal/trace"
	"github.com/ashureev/fragments/internal/workflow"
)

// App holds the long-lived components shared by the server and the CLI.
type App struct {
	Config    *config.Config
	Repo      *store.SQLiteStore
	Sandboxes *sandbox.DockerProvider
	Model     llm.Model
	Prompts   prompt.Set
	Trace     trace.Logger
	Hub       *stream.Hub
	Workflow  *workflow.Workflow
	Logger    *slog.Logger
}

// New opens the database, connects to Docker and builds the workflow.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	if err := repo.Ping(ctx); err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("database health check: %w", err)
	}
	logger.Info("Database connected", "path", cfg.DBPath)

	a := &App{Config: cfg, Repo: repo, Logger: logger}
	if err := a.init(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Config

	sandboxes, err := sandbox.NewDockerProvider(sandbox.DockerConfig{
		Runtime:    cfg.ContainerRuntime,
		Port:       cfg.Sandbox.Port,
		PublicHost: cfg.Sandbox.PublicHost,
		WorkDir:    cfg.Sandbox.WorkDir,
		TTL:        cfg.Sandbox.TTL,
	}, a.Repo, a.Logger)
	if err != nil {
		return fmt.Errorf("initialize sandbox provider: %w", err)
	}
	networkID, err := sandboxes.EnsureNetwork(ctx)
	if err != nil {
		return fmt.Errorf("ensure sandbox network: %w", err)
	}
	a.Sandboxes = sandboxes
	a.Logger.Info("Sandbox network ready", "network_id", networkID, "runtime", cfg.ContainerRuntime)

	prompts, err := prompt.Load(cfg.PromptsFile)
	if err != nil {
		return fmt.Errorf("load prompts: %w", err)
	}
	a.Prompts = prompts

	a.Model = llm.NewOpenAI(llm.OpenAIConfig{
		APIKey:  cfg.Model.APIKey,
		BaseURL: cfg.Model.BaseURL,
		Model:   cfg.Model.Name,
	})

	a.Trace, err = trace.NewConversationLogger(trace.Config{
		Enabled:   cfg.ConversationLog.Enabled,
		Dir:       cfg.ConversationLog.Dir,
		QueueSize: cfg.ConversationLog.QueueSize,
	}, a.Logger)
	if err != nil {
		return fmt.Errorf("initialize conversation logger: %w", err)
	}

	a.Hub = stream.NewHub(websocketOrigins(cfg), a.Logger)
	a.Workflow = workflow.New(a.Repo, a.Sandboxes, a.Model, a.Prompts, a.WorkflowConfig(),
		workflow.WithPublisher(a.Hub),
		workflow.WithTrace(a.Trace),
		workflow.WithLogger(a.Logger),
	)
	return nil
}

// websocketOrigins converts the CORS origins into websocket origin
// patterns, which match on host only.
func websocketOrigins(cfg *config.Config) []string {
	origins := middleware.AllowedOrigins(cfg.FrontendURL, cfg.IsDevelopment())
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		patterns = append(patterns, hostOf(o))
	}
	return patterns
}

// WorkflowConfig derives the workflow settings from configuration.
func (a *App) WorkflowConfig() workflow.Config {
	cfg := a.Config
	return workflow.Config{
		Template:     cfg.Sandbox.Template,
		SandboxTTL:   cfg.Sandbox.TTL,
		SandboxPort:  cfg.Sandbox.Port,
		MaxIter:      cfg.Agent.MaxIterations,
		HistoryLimit: cfg.Agent.HistoryLimit,
		Temperature:  cfg.Model.Temperature,
		MaxTokens:    cfg.Model.MaxTokens,
	}
}

// NewDriver builds the workflow driver from configuration.
func (a *App) NewDriver() *workflow.Driver {
	d := a.Config.Driver
	return workflow.NewDriver(a.Workflow, a.Repo, workflow.DriverConfig{
		Workers:   d.Workers,
		QueueSize: d.QueueSize,
		Retry: workflow.RetryPolicy{
			MaxRetries:        d.MaxRetries,
			InitialDelay:      d.InitialDelay,
			MaxDelay:          d.MaxDelay,
			BackoffMultiplier: d.BackoffMultiplier,
		},
	}, a.Hub, a.Logger)
}

// NewReaper builds the sandbox reaper. onReap may be nil; runs still holding
// a reaped sandbox fail their next tool call.
func (a *App) NewReaper(onReap sandbox.ReapCallback) *sandbox.Reaper {
	return sandbox.NewReaper(a.Sandboxes, a.Repo, a.Config.Sandbox.ReapInterval, onReap, a.Logger)
}

// Close flushes the trace log and closes the database.
func (a *App) Close() error {
	var errs []error
	if a.Trace != nil {
		errs = append(errs, a.Trace.Close())
	}
	if a.Repo != nil {
		errs = append(errs, a.Repo.Close())
	}
	return errors.Join(errs...)
}
