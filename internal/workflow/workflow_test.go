package workflow

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/fragments/internal/domain"
	"github.com/ashureev/fragments/internal/llm"
	"github.com/ashureev/fragments/internal/llm/llmtest"
	"github.com/ashureev/fragments/internal/prompt"
	"github.com/ashureev/fragments/internal/sandbox/sandboxtest"
	"github.com/ashureev/fragments/internal/store"
	"github.com/ashureev/fragments/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPrompts = prompt.Set{CodeAgent: "code", Title: "title", Response: "response"}

const helloSummary = "<task_summary>Built a hello world page</task_summary>"

// agentModel answers the code agent from a script and the post-processing
// agents with fixed text, keyed on the system prompt.
type agentModel struct {
	code     []llm.Response
	title    string
	response string

	mu        sync.Mutex
	codeCalls int
	postCalls int
}

func (m *agentModel) Name() string { return "agent-model" }

func (m *agentModel) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var resp llm.Response
	switch req.System {
	case testPrompts.Title:
		m.postCalls++
		resp = llmtest.Text(m.title)
	case testPrompts.Response:
		m.postCalls++
		resp = llmtest.Text(m.response)
	default:
		n := m.codeCalls
		m.codeCalls++
		if n < len(m.code) {
			resp = m.code[n]
		} else {
			resp = llmtest.Text("still thinking")
		}
	}
	return &resp, nil
}

func (m *agentModel) calls() (code, post int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codeCalls, m.postCalls
}

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "fragments.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedProject(t *testing.T, s *store.SQLiteStore, projectID string, messages ...string) {
	t.Helper()
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	require.NoError(t, s.CreateProject(ctx, &domain.Project{ID: projectID, Name: "calm-otter", CreatedAt: base, UpdatedAt: base}))
	for i, content := range messages {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		require.NoError(t, s.CreateMessage(ctx, &domain.Message{
			ID:        fmt.Sprintf("m%02d", i),
			ProjectID: projectID,
			Role:      role,
			Type:      domain.MessageTypeResult,
			Content:   content,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
}

func writeFile(id, path, content string) llm.ToolCall {
	return llm.ToolCall{
		ID:        id,
		Name:      tools.NameCreateOrUpdateFiles,
		Arguments: fmt.Sprintf(`{"files":[{"path":%q,"content":%q}]}`, path, content),
	}
}

func newWorkflow(s Store, provider *sandboxtest.Provider, model llm.Model) *Workflow {
	return New(s, provider, model, testPrompts, Config{
		Template:     "fragments-nextjs:latest",
		SandboxTTL:   20 * time.Minute,
		SandboxPort:  3000,
		MaxIter:      15,
		HistoryLimit: 5,
	})
}

func TestRunPersistsResultWithFragment(t *testing.T) {
	s := newStore(t)
	seedProject(t, s, "proj-1", "build a hello world page")
	provider := sandboxtest.NewProvider()
	model := &agentModel{
		code: []llm.Response{
			llmtest.ToolCalls(writeFile("c1", "index.html", "<h1>Hello</h1>")),
			llmtest.Text(helloSummary),
		},
		title:    "Hello Page",
		response: "I built a hello world page for you.",
	}

	res, err := newWorkflow(s, provider, model).Run(context.Background(), "inv-1", Event{ProjectID: "proj-1", Value: "build a hello world page"})
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:49153", res.URL)
	assert.Equal(t, "Fragment", res.Title)
	assert.Equal(t, map[string]string{"index.html": "<h1>Hello</h1>"}, res.Files)
	assert.Equal(t, helloSummary, res.Summary)
	assert.Equal(t, domain.MessageTypeResult, res.MessageType)

	require.Len(t, provider.Created(), 1)
	assert.Equal(t, 20*time.Minute, provider.Timeout(provider.Created()[0]))

	messages, err := s.ListMessages(context.Background(), "proj-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	outcome := messages[1]
	assert.Equal(t, domain.RoleAssistant, outcome.Role)
	assert.Equal(t, domain.MessageTypeResult, outcome.Type)
	assert.Equal(t, "I built a hello world page for you.", outcome.Content)
	assert.Equal(t, "inv-1", outcome.InvocationID)
	require.NotNil(t, outcome.Fragment)
	assert.Equal(t, "Hello Page", outcome.Fragment.Title)
	assert.Equal(t, "http://localhost:49153", outcome.Fragment.SandboxURL)
	assert.Equal(t, map[string]string{"index.html": "<h1>Hello</h1>"}, outcome.Fragment.Files)
	assert.Equal(t, store.DigestFiles(outcome.Fragment.Files), outcome.Fragment.Digest)
}

func TestRunWithoutSummaryPersistsErrorAfterCeiling(t *testing.T) {
	s := newStore(t)
	seedProject(t, s, "proj-1", "build something")
	model := &agentModel{}

	res, err := newWorkflow(s, sandboxtest.NewProvider(), model).Run(context.Background(), "inv-1", Event{ProjectID: "proj-1", Value: "build something"})
	require.NoError(t, err)
	assert.Equal(t, domain.MessageTypeError, res.MessageType)

	code, post := model.calls()
	assert.Equal(t, 15, code)
	assert.Zero(t, post)

	messages, err := s.ListMessages(context.Background(), "proj-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, domain.MessageTypeError, messages[1].Type)
	assert.Equal(t, ErrorMessage, messages[1].Content)
	assert.Nil(t, messages[1].Fragment)
}

func TestRunWithSummaryButNoFilesIsAnError(t *testing.T) {
	s := newStore(t)
	seedProject(t, s, "proj-1", "explain")
	model := &agentModel{code: []llm.Response{llmtest.Text(helloSummary)}}

	res, err := newWorkflow(s, sandboxtest.NewProvider(), model).Run(context.Background(), "inv-1", Event{ProjectID: "proj-1", Value: "explain"})
	require.NoError(t, err)
	assert.Equal(t, domain.MessageTypeError, res.MessageType)
	assert.Equal(t, helloSummary, res.Summary)
}

func TestRerunReplaysCompletedSteps(t *testing.T) {
	s := newStore(t)
	seedProject(t, s, "proj-1", "build")
	provider := sandboxtest.NewProvider()
	model := &agentModel{
		code: []llm.Response{
			llmtest.ToolCalls(writeFile("c1", "index.html", "hi")),
			llmtest.Text(helloSummary),
		},
		title:    "T",
		response: "R",
	}
	wf := newWorkflow(s, provider, model)
	ev := Event{ProjectID: "proj-1", Value: "build"}

	first, err := wf.Run(context.Background(), "inv-1", ev)
	require.NoError(t, err)
	second, err := wf.Run(context.Background(), "inv-1", ev)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	code, post := model.calls()
	assert.Equal(t, 2, code)
	assert.Equal(t, 2, post)
	assert.Len(t, provider.Created(), 1)

	messages, err := s.ListMessages(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Len(t, messages, 2)
}

func TestHistoryIsReplayedChronologically(t *testing.T) {
	s := newStore(t)
	seedProject(t, s, "proj-1", "first", "first result", "second")
	model := &llmtest.Scripted{Fallback: func(llm.Request) llm.Response { return llmtest.Text(helloSummary) }}

	_, err := newWorkflow(s, sandboxtest.NewProvider(), model).Run(context.Background(), "inv-1", Event{ProjectID: "proj-1", Value: "second"})
	require.NoError(t, err)

	reqs := model.Requests()
	require.NotEmpty(t, reqs)
	var contents []string
	for _, m := range reqs[0].Messages {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"first", "first result", "second"}, contents)
	assert.Equal(t, llm.RoleAssistant, reqs[0].Messages[1].Role)
}

func TestHistoryIsLimited(t *testing.T) {
	s := newStore(t)
	seedProject(t, s, "proj-1", "a", "b", "c", "d", "e", "f", "g")
	model := &llmtest.Scripted{Fallback: func(llm.Request) llm.Response { return llmtest.Text(helloSummary) }}

	_, err := newWorkflow(s, sandboxtest.NewProvider(), model).Run(context.Background(), "inv-1", Event{ProjectID: "proj-1", Value: "g"})
	require.NoError(t, err)

	var contents []string
	for _, m := range model.Requests()[0].Messages {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"c", "d", "e", "f", "g"}, contents)
}

func TestPostProcessingFallbacks(t *testing.T) {
	s := newStore(t)
	seedProject(t, s, "proj-1", "build")
	model := &agentModel{
		code: []llm.Response{
			llmtest.ToolCalls(writeFile("c1", "index.html", "hi")),
			llmtest.Text(helloSummary),
		},
	}

	res, err := newWorkflow(s, sandboxtest.NewProvider(), model).Run(context.Background(), "inv-1", Event{ProjectID: "proj-1", Value: "build"})
	require.NoError(t, err)

	messages, err := s.ListMessages(context.Background(), "proj-1")
	require.NoError(t, err)
	outcome := messages[len(messages)-1]
	assert.Equal(t, res.MessageID, outcome.ID)
	assert.Equal(t, DefaultResponse, outcome.Content)
	require.NotNil(t, outcome.Fragment)
	assert.Equal(t, DefaultTitle, outcome.Fragment.Title)
}

func TestInvalidToolArgumentsFailTheRun(t *testing.T) {
	s := newStore(t)
	seedProject(t, s, "proj-1", "build")
	model := &agentModel{code: []llm.Response{
		llmtest.ToolCalls(llm.ToolCall{ID: "c1", Name: tools.NameReadFiles, Arguments: `{"files":"index.html"}`}),
	}}

	_, err := newWorkflow(s, sandboxtest.NewProvider(), model).Run(context.Background(), "inv-1", Event{ProjectID: "proj-1", Value: "build"})
	require.ErrorIs(t, err, tools.ErrInvalidArguments)

	messages, err := s.ListMessages(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Len(t, messages, 1, "no outcome is saved by a failed run")
}
