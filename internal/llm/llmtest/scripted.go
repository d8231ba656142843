// Package llmtest provides a scripted llm.Model for tests.
package llmtest

import (
	"context"
	"errors"
	"sync"

	"github.com/ashureev/fragments/internal/llm"
)

// ErrScriptExhausted is returned when more completions are requested than
// were scripted and no Fallback is set.
var ErrScriptExhausted = errors.New("llmtest: script exhausted")

// Scripted replays canned responses in order and records every request.
type Scripted struct {
	ModelName string
	Responses []llm.Response
	// Fallback, if set, answers every request after the script runs out.
	Fallback func(req llm.Request) llm.Response

	mu       sync.Mutex
	requests []llm.Request
}

// Name implements llm.Model.
func (s *Scripted) Name() string {
	if s.ModelName == "" {
		return "scripted"
	}
	return s.ModelName
}

// Complete implements llm.Model.
func (s *Scripted) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.requests)
	s.requests = append(s.requests, req)
	if n < len(s.Responses) {
		resp := s.Responses[n]
		return &resp, nil
	}
	if s.Fallback != nil {
		resp := s.Fallback(req)
		return &resp, nil
	}
	return nil, ErrScriptExhausted
}

// Requests returns a copy of the recorded requests.
func (s *Scripted) Requests() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Request(nil), s.requests...)
}

// Calls returns how many completions were requested.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Text builds a plain assistant text response.
func Text(content string) llm.Response {
	return llm.Response{
		Message:      llm.Message{Role: llm.RoleAssistant, Content: content},
		FinishReason: "stop",
	}
}

// ToolCalls builds an assistant response requesting the given tool calls.
func ToolCalls(calls ...llm.ToolCall) llm.Response {
	return llm.Response{
		Message:      llm.Message{Role: llm.RoleAssistant, ToolCalls: calls},
		FinishReason: "tool_calls",
	}
}
