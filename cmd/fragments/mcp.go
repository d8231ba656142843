package main

import (
	"context"
	"fmt"

	"github.com/ashureev/fragments/internal/state"
	"github.com/ashureev/fragments/internal/step"
	"github.com/ashureev/fragments/internal/tools"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
)

func mcpCmd() *cobra.Command {
	var sandboxID string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the sandbox tools over MCP stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if sandboxID == "" {
				if sandboxID, err = a.Sandboxes.Create(ctx, a.Config.Sandbox.Template); err != nil {
					return fmt.Errorf("create sandbox: %w", err)
				}
				a.Logger.Info("Sandbox created for MCP session", "sandbox_id", sandboxID)
			} else if _, err := a.Sandboxes.Connect(ctx, sandboxID); err != nil {
				return err
			}

			// One state per session; every call is its own step scope.
			st := state.New()
			steps := step.NewMemoryStore()
			newContext := func(context.Context) (*tools.Context, error) {
				return &tools.Context{
					Steps:     step.NewRunner(uuid.NewString(), steps, a.Logger),
					State:     st,
					Sandboxes: a.Sandboxes,
					SandboxID: sandboxID,
				}, nil
			}

			s := tools.NewMCPServer("fragments-sandbox", version, tools.Default(), newContext)
			return server.ServeStdio(s)
		},
	}

	cmd.Flags().StringVarP(&sandboxID, "sandbox", "s", "", "sandbox id (default: create one)")
	return cmd
}
