package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ashureev/fragments/internal/llm"
	"github.com/ashureev/fragments/internal/llm/llmtest"
	"github.com/ashureev/fragments/internal/sandbox/sandboxtest"
	"github.com/ashureev/fragments/internal/state"
	"github.com/ashureev/fragments/internal/step"
	"github.com/ashureev/fragments/internal/stream"
	"github.com/ashureev/fragments/internal/tools"
	"github.com/ashureev/fragments/internal/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const summaryText = "<task_summary>\nBuilt a landing page.\n</task_summary>"

func newRunContext(t *testing.T, steps step.Store) (*RunContext, *sandboxtest.Provider) {
	t.Helper()
	provider := sandboxtest.NewProvider()
	id, err := provider.Create(context.Background(), "fragments-nextjs:latest")
	require.NoError(t, err)
	return &RunContext{
		ProjectID: "proj-1",
		Steps:     step.NewRunner("inv-1", steps, nil),
		State:     state.New(),
		Sandboxes: provider,
		SandboxID: id,
	}, provider
}

func codeNetwork(model llm.Model) *Network {
	return &Network{
		Name: "coding-agent-network",
		Agents: []*Agent{{
			Name:       "code-agent",
			System:     "system",
			Model:      model,
			Tools:      tools.Default(),
			OnResponse: SummaryHook,
		}},
		Router:  DefaultRouter("code-agent"),
		MaxIter: DefaultMaxIter,
	}
}

func writeCall(id, path, content string) llm.ToolCall {
	return llm.ToolCall{
		ID:        id,
		Name:      tools.NameCreateOrUpdateFiles,
		Arguments: fmt.Sprintf(`{"files":[{"path":%q,"content":%q}]}`, path, content),
	}
}

func TestSummaryOnFirstTurnStopsAfterOneTurn(t *testing.T) {
	model := &llmtest.Scripted{Responses: []llm.Response{llmtest.Text(summaryText)}}
	rc, _ := newRunContext(t, step.NewMemoryStore())

	out, err := codeNetwork(model).Run(context.Background(), "build a landing page", nil, rc)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Iterations)
	assert.Equal(t, 1, model.Calls())
	assert.Equal(t, summaryText, out.State.Summary)
}

func TestRunStopsAtIterationCeiling(t *testing.T) {
	model := &llmtest.Scripted{Fallback: func(llm.Request) llm.Response {
		return llmtest.Text("still working")
	}}
	rc, _ := newRunContext(t, step.NewMemoryStore())

	out, err := codeNetwork(model).Run(context.Background(), "never finishes", nil, rc)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxIter, out.Iterations)
	assert.Equal(t, DefaultMaxIter, model.Calls())
	assert.Empty(t, out.State.Summary)
}

func TestMaxIterAboveCeilingIsClamped(t *testing.T) {
	model := &llmtest.Scripted{Fallback: func(llm.Request) llm.Response {
		return llmtest.Text("still working")
	}}
	rc, _ := newRunContext(t, step.NewMemoryStore())
	n := codeNetwork(model)
	n.MaxIter = 50

	out, err := n.Run(context.Background(), "never finishes", nil, rc)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxIter, out.Iterations)
	assert.Equal(t, DefaultMaxIter, model.Calls())
}

func TestFilesFoldAcrossTurns(t *testing.T) {
	model := &llmtest.Scripted{Responses: []llm.Response{
		llmtest.ToolCalls(writeCall("c1", "app/page.tsx", "v1"), writeCall("c2", "lib/a.ts", "a")),
		llmtest.ToolCalls(writeCall("c3", "app/page.tsx", "v2")),
		llmtest.Text(summaryText),
	}}
	rc, provider := newRunContext(t, step.NewMemoryStore())

	out, err := codeNetwork(model).Run(context.Background(), "build", nil, rc)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Iterations)
	assert.Equal(t, map[string]string{"app/page.tsx": "v2", "lib/a.ts": "a"}, out.State.Files)
	assert.Equal(t, "v2", provider.Files(rc.SandboxID)["/home/user/app/page.tsx"])
}

func TestToolResultsAreFedBackToTheModel(t *testing.T) {
	model := &llmtest.Scripted{Responses: []llm.Response{
		llmtest.ToolCalls(llm.ToolCall{ID: "t1", Name: tools.NameTerminal, Arguments: `{"command":"ls"}`}),
		llmtest.Text(summaryText),
	}}
	rc, _ := newRunContext(t, step.NewMemoryStore())
	history := []llm.Message{{Role: llm.RoleUser, Content: "earlier"}, {Role: llm.RoleAssistant, Content: "done"}}

	_, err := codeNetwork(model).Run(context.Background(), "now", history, rc)
	require.NoError(t, err)

	reqs := model.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "earlier", reqs[0].Messages[0].Content)
	assert.Equal(t, "now", reqs[0].Messages[2].Content)
	assert.Len(t, reqs[0].Tools, 3)

	second := reqs[1].Messages
	last := second[len(second)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	assert.Equal(t, "t1", last.ToolCallID)
}

func TestUnknownToolIsReportedToTheModel(t *testing.T) {
	model := &llmtest.Scripted{Responses: []llm.Response{
		llmtest.ToolCalls(llm.ToolCall{ID: "x", Name: "deploy", Arguments: `{}`}),
		llmtest.Text(summaryText),
	}}
	rc, _ := newRunContext(t, step.NewMemoryStore())

	out, err := codeNetwork(model).Run(context.Background(), "build", nil, rc)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Iterations)
	assert.Contains(t, model.Requests()[1].Messages[2].Content, `unknown tool "deploy"`)
}

func TestInvalidToolArgumentsAbortTheRun(t *testing.T) {
	model := &llmtest.Scripted{Responses: []llm.Response{
		llmtest.ToolCalls(llm.ToolCall{ID: "t1", Name: tools.NameTerminal, Arguments: `{"cmd":"ls"}`}),
	}}
	rc, _ := newRunContext(t, step.NewMemoryStore())

	_, err := codeNetwork(model).Run(context.Background(), "build", nil, rc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, tools.ErrInvalidArguments))
}

func TestModelFailureAbortsTheRun(t *testing.T) {
	model := &llmtest.Scripted{}
	rc, _ := newRunContext(t, step.NewMemoryStore())

	_, err := codeNetwork(model).Run(context.Background(), "build", nil, rc)
	require.ErrorIs(t, err, llmtest.ErrScriptExhausted)
}

func TestReplayDoesNotCallTheModelAgain(t *testing.T) {
	steps := step.NewMemoryStore()
	script := []llm.Response{
		llmtest.ToolCalls(writeCall("c1", "app/page.tsx", "v1")),
		llmtest.Text(summaryText),
	}

	first := &llmtest.Scripted{Responses: script}
	rc, _ := newRunContext(t, steps)
	_, err := codeNetwork(first).Run(context.Background(), "build", nil, rc)
	require.NoError(t, err)

	second := &llmtest.Scripted{}
	rc2, _ := newRunContext(t, steps)
	out, err := codeNetwork(second).Run(context.Background(), "build", nil, rc2)
	require.NoError(t, err)
	assert.Zero(t, second.Calls())
	assert.Equal(t, map[string]string{"app/page.tsx": "v1"}, out.State.Files)
	assert.Equal(t, summaryText, out.State.Summary)
}

type recordingTrace struct {
	mu     sync.Mutex
	events []trace.Event
}

func (r *recordingTrace) Log(ev trace.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingTrace) Close() error { return nil }

func (r *recordingTrace) ofType(eventType string) []trace.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []trace.Event
	for _, ev := range r.events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func TestHistoryIsTracedBeforeUserMessage(t *testing.T) {
	model := &llmtest.Scripted{Responses: []llm.Response{llmtest.Text(summaryText)}}
	rc, _ := newRunContext(t, step.NewMemoryStore())
	rec := &recordingTrace{}
	rc.Trace = rec

	history := []llm.Message{
		{Role: llm.RoleUser, Content: "build a landing page"},
		{Role: llm.RoleAssistant, Content: "Here you go"},
	}
	_, err := codeNetwork(model).Run(context.Background(), "add a footer", history, rc)
	require.NoError(t, err)

	hist := rec.ofType(trace.EventHistory)
	require.Len(t, hist, 2)
	assert.Equal(t, "build a landing page", hist[0].ContentRaw)
	assert.Equal(t, "assistant", hist[1].Meta["role"])
	assert.Equal(t, "proj-1", hist[0].ProjectID)

	require.Len(t, rec.ofType(trace.EventUserMessage), 1)
	assert.Equal(t, trace.EventHistory, rec.events[0].EventType)
}

func TestReplayedTurnsAreMarkedInTrace(t *testing.T) {
	steps := step.NewMemoryStore()
	script := []llm.Response{
		llmtest.ToolCalls(writeCall("c1", "app/page.tsx", "v1")),
		llmtest.Text(summaryText),
	}

	rc, _ := newRunContext(t, steps)
	fresh := &recordingTrace{}
	rc.Trace = fresh
	_, err := codeNetwork(&llmtest.Scripted{Responses: script}).Run(context.Background(), "build", nil, rc)
	require.NoError(t, err)
	for _, ev := range fresh.ofType(trace.EventModelResponse) {
		assert.Nil(t, ev.Meta["replayed"], "first attempt must not be marked replayed")
	}

	rc2, _ := newRunContext(t, steps)
	replay := &recordingTrace{}
	rc2.Trace = replay
	_, err = codeNetwork(&llmtest.Scripted{}).Run(context.Background(), "build", nil, rc2)
	require.NoError(t, err)

	for _, eventType := range []string{trace.EventModelResponse, trace.EventToolCall, trace.EventToolResult, trace.EventSummary} {
		events := replay.ofType(eventType)
		require.NotEmpty(t, events, eventType)
		for _, ev := range events {
			assert.Equal(t, true, ev.Meta["replayed"], eventType)
		}
	}
}

func TestRouterSelectingUnknownAgentFails(t *testing.T) {
	n := codeNetwork(&llmtest.Scripted{})
	n.Router = func(NetworkState) (string, bool) { return "ghost", true }
	rc, _ := newRunContext(t, step.NewMemoryStore())

	_, err := n.Run(context.Background(), "build", nil, rc)
	require.ErrorIs(t, err, ErrUnknownAgent)
}

func TestAgentTurnsAreEmitted(t *testing.T) {
	model := &llmtest.Scripted{Responses: []llm.Response{llmtest.Text("working"), llmtest.Text(summaryText)}}
	rc, _ := newRunContext(t, step.NewMemoryStore())
	var turns []int
	rc.Events = func(ev stream.Event) {
		if ev.Type == stream.EventAgentTurn {
			turns = append(turns, ev.Iteration)
		}
	}

	_, err := codeNetwork(model).Run(context.Background(), "build", nil, rc)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, turns)
}

func TestDefaultRouter(t *testing.T) {
	r := DefaultRouter("code-agent")
	name, ok := r(NetworkState{})
	assert.True(t, ok)
	assert.Equal(t, "code-agent", name)

	_, ok = r(NetworkState{Summary: "done"})
	assert.False(t, ok)
}
