// Package workflow implements the code-generation workflow and the driver
// that runs it durably.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/ashureev/fragments/internal/domain"
	"github.com/ashureev/fragments/internal/llm"
	"github.com/ashureev/fragments/internal/network"
	"github.com/ashureev/fragments/internal/prompt"
	"github.com/ashureev/fragments/internal/sandbox"
	"github.com/ashureev/fragments/internal/state"
	"github.com/ashureev/fragments/internal/step"
	"github.com/ashureev/fragments/internal/stream"
	"github.com/ashureev/fragments/internal/tools"
	"github.com/ashureev/fragments/internal/trace"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"
)

// Agent and network names. They are part of step ids, so renaming one
// invalidates cached steps of in-flight invocations.
const (
	CodeAgentName     = "code-agent"
	TitleAgentName    = "fragment-title-generator"
	ResponseAgentName = "response-generator"
	NetworkName       = "coding-agent-network"
)

// Outcome texts.
const (
	ErrorMessage    = "Something went wrong. Please try again."
	DefaultTitle    = "Fragment"
	DefaultResponse = "Here you go"
	ResultTitle     = "Fragment"
)

// Event triggers one invocation.
type Event struct {
	ProjectID string `json:"projectId"`
	Value     string `json:"value"`
}

// Result is the outward result of a completed invocation.
type Result struct {
	URL     string            `json:"url"`
	Title   string            `json:"title"`
	Files   map[string]string `json:"files"`
	Summary string            `json:"summary"`

	MessageID   string             `json:"message_id"`
	MessageType domain.MessageType `json:"message_type"`
}

// OutcomeSaver persists assistant outcome messages.
type OutcomeSaver interface {
	SaveOutcome(ctx context.Context, msg *domain.Message) error
}

// Store is the persistence the workflow needs.
type Store interface {
	step.Store
	OutcomeSaver
	ListRecentMessages(ctx context.Context, projectID string, limit int) ([]*domain.Message, error)
}

// Publisher hands out per-invocation event emitters.
type Publisher interface {
	Emitter(projectID, invocationID string) stream.Emitter
}

// Config tunes a Workflow.
type Config struct {
	Template     string
	SandboxTTL   time.Duration
	SandboxPort  int
	MaxIter      int
	HistoryLimit int
	Temperature  float64
	MaxTokens    int
}

// Workflow runs the code agent network for one trigger event and persists
// the outcome.
type Workflow struct {
	store     Store
	sandboxes sandbox.Provider
	model     llm.Model
	prompts   prompt.Set
	cfg       Config
	publisher Publisher
	trace     trace.Logger
	logger    *slog.Logger
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithPublisher streams run events through p.
func WithPublisher(p Publisher) Option {
	return func(w *Workflow) { w.publisher = p }
}

// WithTrace records model turns and tool calls to t.
func WithTrace(t trace.Logger) Option {
	return func(w *Workflow) { w.trace = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Workflow) { w.logger = l }
}

// New creates a workflow.
func New(store Store, sandboxes sandbox.Provider, model llm.Model, prompts prompt.Set, cfg Config, opts ...Option) *Workflow {
	if cfg.MaxIter <= 0 {
		cfg.MaxIter = network.DefaultMaxIter
	}
	if cfg.SandboxPort == 0 {
		cfg.SandboxPort = 3000
	}
	w := &Workflow{
		store:     store,
		sandboxes: sandboxes,
		model:     model,
		prompts:   prompts,
		cfg:       cfg,
		trace:     trace.Noop(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Workflow) emitter(projectID, invocationID string) stream.Emitter {
	if w.publisher == nil {
		return nil
	}
	return w.publisher.Emitter(projectID, invocationID)
}

func (w *Workflow) codeNetwork() *network.Network {
	return &network.Network{
		Name: NetworkName,
		Agents: []*network.Agent{{
			Name:        CodeAgentName,
			Description: "An expert coding agent",
			System:      w.prompts.CodeAgent,
			Model:       w.model,
			Tools:       tools.Default(),
			Temperature: w.cfg.Temperature,
			MaxTokens:   w.cfg.MaxTokens,
			OnResponse:  network.SummaryHook,
		}},
		Router:  network.DefaultRouter(CodeAgentName),
		MaxIter: w.cfg.MaxIter,
		Logger:  w.logger,
	}
}

// Run executes the workflow for invocationID. Re-running the same
// invocation replays completed steps from the step store.
func (w *Workflow) Run(ctx context.Context, invocationID string, ev Event) (*Result, error) {
	runner := step.NewRunner(invocationID, w.store, w.logger)
	emit := w.emitter(ev.ProjectID, invocationID)
	emit.Emit(stream.Event{Type: stream.EventRunStarted, Data: ev.Value})

	sandboxID, err := step.Do(ctx, runner, "get-sandbox-id", w.cfg.Template, func(ctx context.Context) (string, error) {
		return w.createSandbox(ctx)
	})
	if err != nil {
		return nil, err
	}

	history, err := step.Do(ctx, runner, "get-previous-messages", ev.ProjectID, func(ctx context.Context) ([]llm.Message, error) {
		return w.previousMessages(ctx, ev)
	})
	if err != nil {
		return nil, err
	}

	rc := &network.RunContext{
		ProjectID: ev.ProjectID,
		Steps:     runner,
		State:     state.New(),
		Sandboxes: w.sandboxes,
		SandboxID: sandboxID,
		Events:    emit,
		Trace:     w.trace,
		Logger:    w.logger,
	}
	out, err := w.codeNetwork().Run(ctx, ev.Value, history, rc)
	if err != nil {
		return nil, err
	}

	url, err := step.Do(ctx, runner, "get-sandbox-url", sandboxID, func(ctx context.Context) (string, error) {
		h, err := w.sandboxes.Connect(ctx, sandboxID)
		if err != nil {
			return "", err
		}
		host, err := h.Host(ctx, w.cfg.SandboxPort)
		if err != nil {
			return "", err
		}
		return sandbox.URL(host), nil
	})
	if err != nil {
		return nil, err
	}

	summary := out.State.Summary
	files := out.State.Files
	isError := summary == "" || len(files) == 0

	title, response := DefaultTitle, DefaultResponse
	if !isError {
		title, response, err = w.postProcess(ctx, rc, summary)
		if err != nil {
			return nil, err
		}
	}

	saved, err := step.Do(ctx, runner, "save-result", outcomeInput{
		IsError:  isError,
		URL:      url,
		Title:    title,
		Response: response,
		Files:    files,
	}, func(ctx context.Context) (savedOutcome, error) {
		return w.saveOutcome(ctx, invocationID, ev.ProjectID, isError, url, title, response, files)
	})
	if err != nil {
		return nil, err
	}

	replayed, executed := runner.Stats()
	w.logger.Info("Workflow completed",
		"invocation_id", invocationID,
		"project_id", ev.ProjectID,
		"outcome", saved.Type,
		"iterations", out.Iterations,
		"files", len(files),
		"steps_replayed", replayed,
		"steps_executed", executed)
	emit.Emit(stream.Event{Type: stream.EventRunCompleted, Data: string(saved.Type)})

	return &Result{
		URL:         url,
		Title:       ResultTitle,
		Files:       files,
		Summary:     summary,
		MessageID:   saved.MessageID,
		MessageType: saved.Type,
	}, nil
}

func (w *Workflow) createSandbox(ctx context.Context) (string, error) {
	id, err := w.sandboxes.Create(ctx, w.cfg.Template)
	if err != nil {
		return "", fmt.Errorf("create sandbox: %w", err)
	}
	h, err := w.sandboxes.Connect(ctx, id)
	if err != nil {
		return "", fmt.Errorf("connect sandbox: %w", err)
	}
	if w.cfg.SandboxTTL > 0 {
		if err := h.SetTimeout(ctx, w.cfg.SandboxTTL); err != nil {
			return "", fmt.Errorf("set sandbox timeout: %w", err)
		}
	}
	return id, nil
}

// previousMessages loads the latest messages of the project in
// chronological order. The triggering user message is usually already
// persisted; it is dropped from the tail since the network appends it.
func (w *Workflow) previousMessages(ctx context.Context, ev Event) ([]llm.Message, error) {
	recent, err := w.store.ListRecentMessages(ctx, ev.ProjectID, w.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load previous messages: %w", err)
	}
	slices.Reverse(recent)

	if n := len(recent); n > 0 {
		last := recent[n-1]
		if last.Role == domain.RoleUser && last.Content == ev.Value {
			recent = recent[:n-1]
		}
	}

	history := make([]llm.Message, 0, len(recent))
	for _, m := range recent {
		role := llm.RoleUser
		if m.IsAssistant() {
			role = llm.RoleAssistant
		}
		history = append(history, llm.Message{Role: role, Content: m.Content})
	}
	return history, nil
}

// postProcess runs the title and response agents concurrently.
func (w *Workflow) postProcess(ctx context.Context, rc *network.RunContext, summary string) (string, string, error) {
	titleAgent := &network.Agent{
		Name:        TitleAgentName,
		Description: "A fragment title generator",
		System:      w.prompts.Title,
		Model:       w.model,
		Temperature: w.cfg.Temperature,
		MaxTokens:   w.cfg.MaxTokens,
	}
	responseAgent := &network.Agent{
		Name:        ResponseAgentName,
		Description: "A response generator",
		System:      w.prompts.Response,
		Model:       w.model,
		Temperature: w.cfg.Temperature,
		MaxTokens:   w.cfg.MaxTokens,
	}
	input := []llm.Message{{Role: llm.RoleUser, Content: summary}}

	var title, response string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := titleAgent.Run(gctx, input, rc)
		if err != nil {
			return err
		}
		title = parseAgentOutput(res, DefaultTitle)
		return nil
	})
	g.Go(func() error {
		res, err := responseAgent.Run(gctx, input, rc)
		if err != nil {
			return err
		}
		response = parseAgentOutput(res, DefaultResponse)
		return nil
	})
	if err := g.Wait(); err != nil {
		return "", "", err
	}
	return title, response, nil
}

// parseAgentOutput returns the agent's first assistant text, or fallback.
func parseAgentOutput(res *network.Result, fallback string) string {
	for _, m := range res.Messages {
		if m.Role == llm.RoleAssistant {
			if text := strings.TrimSpace(m.Content); text != "" {
				return text
			}
			break
		}
	}
	return fallback
}

type outcomeInput struct {
	IsError  bool
	URL      string
	Title    string
	Response string
	Files    map[string]string
}

type savedOutcome struct {
	MessageID string
	Type      domain.MessageType
}

func (w *Workflow) saveOutcome(ctx context.Context, invocationID, projectID string, isError bool, url, title, response string, files map[string]string) (savedOutcome, error) {
	msg := &domain.Message{
		ID:           ulid.Make().String(),
		ProjectID:    projectID,
		InvocationID: invocationID,
		Role:         domain.RoleAssistant,
		CreatedAt:    time.Now(),
	}
	if isError {
		msg.Type = domain.MessageTypeError
		msg.Content = ErrorMessage
	} else {
		msg.Type = domain.MessageTypeResult
		msg.Content = response
		msg.Fragment = &domain.Fragment{
			SandboxURL: url,
			Title:      title,
			Files:      files,
		}
	}
	if err := w.store.SaveOutcome(ctx, msg); err != nil {
		return savedOutcome{}, fmt.Errorf("save outcome: %w", err)
	}
	w.trace.Log(trace.Event{
		ProjectID:    projectID,
		InvocationID: invocationID,
		Direction:    "outbound",
		EventType:    trace.EventOutcome,
		ContentRaw:   msg.Content,
		Meta:         map[string]any{"type": string(msg.Type), "message_id": msg.ID},
	})
	return savedOutcome{MessageID: msg.ID, Type: msg.Type}, nil
}

// SaveFailure persists the error outcome for an invocation that could not
// complete. It is a no-op when the invocation already has an outcome.
func SaveFailure(ctx context.Context, store OutcomeSaver, invocationID, projectID string) error {
	msg := &domain.Message{
		ID:           ulid.Make().String(),
		ProjectID:    projectID,
		InvocationID: invocationID,
		Role:         domain.RoleAssistant,
		Type:         domain.MessageTypeError,
		Content:      ErrorMessage,
		CreatedAt:    time.Now(),
	}
	return store.SaveOutcome(ctx, msg)
}
