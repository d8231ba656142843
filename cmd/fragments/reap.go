package main

import (
	"fmt"
	"time"

	"github.com/ashureev/fragments/internal/domain"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func reapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Remove sandboxes whose lease has expired",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.NewReaper(printReaped(time.Now)).Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("%s reaped %d sandbox(es)\n", color.GreenString("✓"), n)
			return nil
		},
	}
}

func printReaped(now func() time.Time) func(*domain.SandboxLease) {
	return func(lease *domain.SandboxLease) {
		fmt.Printf("  %s %s expired %s ago\n",
			color.YellowString(lease.SandboxID),
			color.HiBlackString(lease.Template),
			now().Sub(lease.ExpiresAt).Round(time.Second))
	}
}
