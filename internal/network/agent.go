// Package network runs model-driven agents in a bounded routing loop.
package network

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/fragments/internal/llm"
	"github.com/ashureev/fragments/internal/prompt"
	"github.com/ashureev/fragments/internal/sandbox"
	"github.com/ashureev/fragments/internal/state"
	"github.com/ashureev/fragments/internal/step"
	"github.com/ashureev/fragments/internal/stream"
	"github.com/ashureev/fragments/internal/tools"
	"github.com/ashureev/fragments/internal/trace"
)

// RunContext carries the per-invocation handles an agent turn may use.
type RunContext struct {
	ProjectID string
	Steps     *step.Runner
	State     *state.State
	Sandboxes sandbox.Provider
	SandboxID string
	Events    stream.Emitter
	Trace     trace.Logger
	Logger    *slog.Logger
}

func (rc *RunContext) toolContext() *tools.Context {
	return &tools.Context{
		Steps:     rc.Steps,
		State:     rc.State,
		Sandboxes: rc.Sandboxes,
		SandboxID: rc.SandboxID,
		Events:    rc.Events,
	}
}

func (rc *RunContext) trace(ev trace.Event) {
	if rc.Trace == nil {
		return
	}
	ev.ProjectID = rc.ProjectID
	ev.InvocationID = rc.Steps.InvocationID()
	rc.Trace.Log(ev)
}

// replayMeta marks a trace event whose content came from the step cache,
// so retried invocations do not read as new model or tool activity.
func replayMeta(meta map[string]any, replayed bool) map[string]any {
	if !replayed {
		return meta
	}
	if meta == nil {
		meta = make(map[string]any, 1)
	}
	meta["replayed"] = true
	return meta
}

func (rc *RunContext) logger() *slog.Logger {
	if rc.Logger == nil {
		return slog.Default()
	}
	return rc.Logger
}

// Result is what one agent turn appended to the conversation.
type Result struct {
	Agent    string
	Messages []llm.Message
	// Replayed is set when the turn's inference came from the step cache.
	Replayed bool
}

// Text returns the last assistant text produced in the turn.
func (r *Result) Text() string {
	return llm.LastAssistantText(r.Messages)
}

// Hook runs after every agent turn.
type Hook func(ctx context.Context, result *Result, rc *RunContext) error

// SummaryHook records the turn's final assistant text as the task summary
// once it contains the summary marker.
func SummaryHook(_ context.Context, result *Result, rc *RunContext) error {
	text := result.Text()
	if strings.Contains(text, prompt.TaskSummaryOpen) {
		rc.State.SetSummary(text)
		rc.trace(trace.Event{
			Agent:      result.Agent,
			Direction:  "outbound",
			EventType:  trace.EventSummary,
			ContentRaw: text,
			Meta:       replayMeta(nil, result.Replayed),
		})
	}
	return nil
}

// Agent is a model plus a system prompt and optional tools.
type Agent struct {
	Name        string
	Description string
	System      string
	Model       llm.Model
	Tools       []tools.Tool
	Temperature float64
	MaxTokens   int
	OnResponse  Hook
}

// Run performs one inference over history, executes any requested tool
// calls in order and returns the messages the turn produced. Tool calls
// naming an unknown tool are answered with an error message for the model.
func (a *Agent) Run(ctx context.Context, history []llm.Message, rc *RunContext) (*Result, error) {
	specs, err := tools.Specs(a.Tools)
	if err != nil {
		return nil, err
	}
	req := llm.Request{
		System:      a.System,
		Messages:    history,
		Tools:       specs,
		Temperature: a.Temperature,
		MaxTokens:   a.MaxTokens,
	}

	resp, replayed, err := step.DoCached(ctx, rc.Steps, "model:"+a.Name, history, func(ctx context.Context) (llm.Response, error) {
		r, err := a.Model.Complete(ctx, req)
		if err != nil {
			return llm.Response{}, fmt.Errorf("%s inference: %w", a.Name, err)
		}
		return *r, nil
	})
	if err != nil {
		return nil, err
	}

	assistant := resp.Message
	assistant.Role = llm.RoleAssistant
	result := &Result{Agent: a.Name, Messages: []llm.Message{assistant}, Replayed: replayed}
	rc.trace(trace.Event{
		Agent:      a.Name,
		Direction:  "outbound",
		EventType:  trace.EventModelResponse,
		ContentRaw: assistant.Content,
		Meta:       replayMeta(map[string]any{"tool_calls": len(assistant.ToolCalls), "finish_reason": resp.FinishReason}, replayed),
	})

	tc := rc.toolContext()
	for _, call := range assistant.ToolCalls {
		out, err := a.callTool(ctx, call, tc, rc, replayed)
		if err != nil {
			return nil, err
		}
		result.Messages = append(result.Messages, llm.Message{
			Role:       llm.RoleTool,
			Content:    out,
			ToolCallID: call.ID,
		})
	}

	if a.OnResponse != nil {
		if err := a.OnResponse(ctx, result, rc); err != nil {
			return nil, fmt.Errorf("%s response hook: %w", a.Name, err)
		}
	}
	return result, nil
}

// callTool runs one tool call. Tool calls execute one at a time, so the
// runner's replay count before and after tells whether the tool's step
// came from the cache.
func (a *Agent) callTool(ctx context.Context, call llm.ToolCall, tc *tools.Context, rc *RunContext, turnReplayed bool) (string, error) {
	rc.trace(trace.Event{
		Agent:      a.Name,
		Direction:  "outbound",
		EventType:  trace.EventToolCall,
		ContentRaw: call.Arguments,
		Meta:       replayMeta(map[string]any{"tool": call.Name, "call_id": call.ID}, turnReplayed),
	})

	tool, ok := tools.Find(a.Tools, call.Name)
	if !ok {
		rc.logger().Warn("Model requested unknown tool", "agent", a.Name, "tool", call.Name)
		return fmt.Sprintf("Error: unknown tool %q", call.Name), nil
	}
	hitsBefore, _ := rc.Steps.Stats()
	out, err := tool.Execute(ctx, json.RawMessage(call.Arguments), tc)
	if err != nil {
		return "", fmt.Errorf("%s: %w", call.Name, err)
	}
	hitsAfter, _ := rc.Steps.Stats()

	rc.trace(trace.Event{
		Agent:      a.Name,
		Direction:  "inbound",
		EventType:  trace.EventToolResult,
		ContentRaw: out,
		Meta:       replayMeta(map[string]any{"tool": call.Name, "call_id": call.ID}, hitsAfter > hitsBefore),
	})
	return out, nil
}
