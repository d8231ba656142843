// Package tools implements the sandbox tools offered to the code agent.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashureev/fragments/internal/llm"
	"github.com/ashureev/fragments/internal/sandbox"
	"github.com/ashureev/fragments/internal/state"
	"github.com/ashureev/fragments/internal/step"
	"github.com/ashureev/fragments/internal/stream"
	"github.com/mark3labs/mcp-go/mcp"
)

// Tool names as exposed to the model.
const (
	NameTerminal            = "terminal"
	NameCreateOrUpdateFiles = "createOrUpdateFiles"
	NameReadFiles           = "readFiles"
)

// ErrInvalidArguments is returned when the model sends arguments that do
// not match a tool's schema. It is a hard failure, never a tool result.
var ErrInvalidArguments = errors.New("invalid tool arguments")

// Context is what a tool call may touch.
type Context struct {
	Steps     *step.Runner
	State     *state.State
	Sandboxes sandbox.Provider
	SandboxID string
	Events    stream.Emitter
}

// Tool is a capability the agent can invoke.
type Tool interface {
	Name() string
	Definition() mcp.Tool
	// Execute runs the tool. Sandbox failures are reported in the returned
	// text; only malformed arguments and step failures return an error.
	Execute(ctx context.Context, raw json.RawMessage, tc *Context) (string, error)
}

// Default returns the code agent's tool set.
func Default() []Tool {
	return []Tool{Terminal{}, CreateOrUpdateFiles{}, ReadFiles{}}
}

// Find returns the tool with the given name.
func Find(tools []Tool, name string) (Tool, bool) {
	for _, t := range tools {
		if t.Name() == name {
			return t, true
		}
	}
	return nil, false
}

// Specs converts tool definitions to model tool specs.
func Specs(tools []Tool) ([]llm.ToolSpec, error) {
	specs := make([]llm.ToolSpec, 0, len(tools))
	for _, t := range tools {
		def := t.Definition()
		params, err := json.Marshal(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("marshal %s schema: %w", def.Name, err)
		}
		specs = append(specs, llm.ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  params,
		})
	}
	return specs, nil
}

// decodeArgs strictly decodes raw into v, rejecting unknown fields.
func decodeArgs(tool string, raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("%w: %s: empty arguments", ErrInvalidArguments, tool)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidArguments, tool, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: %s: trailing data", ErrInvalidArguments, tool)
	}
	return nil
}

func missing(tool, field string) error {
	return fmt.Errorf("%w: %s: missing required field %q", ErrInvalidArguments, tool, field)
}

func (tc *Context) emit(ev stream.Event) {
	tc.Events.Emit(ev)
}
