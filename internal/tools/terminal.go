package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ashureev/fragments/internal/step"
	"github.com/ashureev/fragments/internal/stream"
	"github.com/mark3labs/mcp-go/mcp"
)

// Terminal runs a shell command in the sandbox.
type Terminal struct{}

type terminalArgs struct {
	Command string `json:"command"`
}

func (Terminal) Name() string { return NameTerminal }

func (Terminal) Definition() mcp.Tool {
	return mcp.NewTool(NameTerminal,
		mcp.WithDescription("Use the terminal to run commands"),
		mcp.WithString("command",
			mcp.Required(),
			mcp.Description("Shell command to run in the sandbox"),
		),
	)
}

func (t Terminal) Execute(ctx context.Context, raw json.RawMessage, tc *Context) (string, error) {
	var args terminalArgs
	if err := decodeArgs(NameTerminal, raw, &args); err != nil {
		return "", err
	}
	if args.Command == "" {
		return "", missing(NameTerminal, "command")
	}

	return step.Do(ctx, tc.Steps, NameTerminal, args, func(ctx context.Context) (string, error) {
		tc.emit(stream.Event{Type: stream.EventToolCall, Tool: NameTerminal, Data: args.Command})

		h, err := tc.Sandboxes.Connect(ctx, tc.SandboxID)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return commandFailed(err, "", ""), nil
		}

		onOutput := func(chunk string) {
			tc.emit(stream.Event{Type: stream.EventToolOutput, Tool: NameTerminal, Data: chunk})
		}
		res, err := h.Run(ctx, args.Command, onOutput, onOutput)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return commandFailed(err, res.Stdout, res.Stderr), nil
		}
		return res.Stdout, nil
	})
}

func commandFailed(err error, stdout, stderr string) string {
	return fmt.Sprintf("Command failed: %v \nstdout: %s\nstderr: %s", err, stdout, stderr)
}
