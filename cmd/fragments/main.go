// Package main provides the fragments CLI entrypoint.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ashureev/fragments/internal/app"
	"github.com/ashureev/fragments/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fragments",
		Short: "Generate runnable web app fragments with a coding agent",
		Long: `fragments runs the code-generation workflow without the HTTP server.

Examples:
  fragments run "build a todo app"                # new project
  fragments run --project <id> "add dark mode"    # continue a project
  fragments mcp --sandbox <id>                    # serve sandbox tools over MCP stdio
  fragments reap                                  # remove expired sandboxes once`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			// stdout belongs to command output (and to MCP framing).
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			_ = godotenv.Load()
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging to stderr")

	rootCmd.AddCommand(
		runCmd(),
		mcpCmd(),
		reapCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

// openApp loads configuration and wires the application.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, slog.Default())
}
