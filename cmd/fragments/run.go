package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ashureev/fragments/internal/domain"
	"github.com/ashureev/fragments/internal/stream"
	"github.com/ashureev/fragments/internal/workflow"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
)

func runCmd() *cobra.Command {
	var (
		projectID string
		quiet     bool
	)

	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run one code-generation invocation in-process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			value := args[0]
			if strings.TrimSpace(value) == "" {
				return fmt.Errorf("prompt is required")
			}

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			now := time.Now()
			if projectID == "" {
				projectID = uuid.NewString()
				if err := a.Repo.CreateProject(ctx, &domain.Project{
					ID: projectID, Name: "cli-" + projectID[:8], CreatedAt: now, UpdatedAt: now,
				}); err != nil {
					return fmt.Errorf("create project: %w", err)
				}
				fmt.Printf("%s %s\n", color.CyanString("project"), projectID)
			} else if _, err := a.Repo.GetProject(ctx, projectID); err != nil {
				return fmt.Errorf("project %s: %w", projectID, err)
			}

			if err := a.Repo.CreateMessage(ctx, &domain.Message{
				ID: ulid.Make().String(), ProjectID: projectID,
				Role: domain.RoleUser, Type: domain.MessageTypeResult,
				Content: value, CreatedAt: now,
			}); err != nil {
				return fmt.Errorf("create message: %w", err)
			}

			invocationID := uuid.NewString()
			if err := a.Repo.CreateInvocation(ctx, &domain.Invocation{
				ID: invocationID, ProjectID: projectID, Value: value,
				Status: domain.InvocationRunning, Attempts: 1, CreatedAt: now, UpdatedAt: now,
			}); err != nil {
				return fmt.Errorf("record invocation: %w", err)
			}

			opts := []workflow.Option{workflow.WithTrace(a.Trace), workflow.WithLogger(a.Logger)}
			if !quiet {
				opts = append(opts, workflow.WithPublisher(printer{}))
			}
			wf := workflow.New(a.Repo, a.Sandboxes, a.Model, a.Prompts, a.WorkflowConfig(), opts...)

			res, err := wf.Run(ctx, invocationID, workflow.Event{ProjectID: projectID, Value: value})
			if err != nil {
				_ = workflow.SaveFailure(ctx, a.Repo, invocationID, projectID)
				_ = a.Repo.UpdateInvocation(ctx, invocationID, domain.InvocationFailed, 1, err.Error())
				return err
			}
			if err := a.Repo.UpdateInvocation(ctx, invocationID, domain.InvocationCompleted, 1, ""); err != nil {
				return err
			}

			printResult(res)
			return nil
		},
	}

	cmd.Flags().StringVarP(&projectID, "project", "p", "", "existing project id (default: create a new project)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not stream run events")
	return cmd
}

// printer streams run events to stdout.
type printer struct{}

func (printer) Emitter(_, _ string) stream.Emitter {
	return func(ev stream.Event) {
		switch ev.Type {
		case stream.EventAgentTurn:
			fmt.Printf("%s %s #%d\n", color.HiBlackString(ev.Time.Format("15:04:05")), color.CyanString(ev.Agent), ev.Iteration)
		case stream.EventToolCall:
			fmt.Printf("  %s %s\n", color.YellowString(ev.Tool), truncate(ev.Data, 120))
		case stream.EventToolOutput:
			fmt.Print(color.HiBlackString(ev.Data))
		}
	}
}

func printResult(res *workflow.Result) {
	fmt.Println()
	if res.MessageType == domain.MessageTypeError {
		fmt.Println(color.RedString("✗ %s", workflow.ErrorMessage))
		return
	}
	fmt.Printf("%s %s\n", color.GreenString("✓"), res.URL)
	paths := make([]string, 0, len(res.Files))
	for p := range res.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		fmt.Printf("  %s\n", p)
	}
	fmt.Println()
	fmt.Println(res.Summary)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
