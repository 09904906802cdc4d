package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and system health",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			status, err := client.status(cmd.Context())
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, status)
			}

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			fmt.Fprintln(out, "Narrator daemon")
			fmt.Fprintln(out, renderStatusLine("Daemon", boolKind(status.Running), runLabel(status.Running), colorize))
			fmt.Fprintln(out, renderStatusLine("Workflow", boolKind(status.Workflow), runLabel(status.Workflow), colorize))
			healthKind, healthMessage := statusOK, "all critical capabilities up"
			if !status.Health.Healthy {
				healthKind = statusError
				healthMessage = "critical down: " + strings.Join(status.Health.CriticalDown, ", ")
			}
			fmt.Fprintln(out, renderStatusLine("Health", healthKind, healthMessage, colorize))
			if status.LastError != "" {
				fmt.Fprintln(out, renderStatusLine("Last error", statusWarn, status.LastError, colorize))
			}
			for _, check := range status.Preflight {
				if check.Passed {
					continue
				}
				fmt.Fprintln(out, renderStatusLine("Preflight", statusWarn, check.Name+": "+check.Detail, colorize))
			}
			fmt.Fprintln(out, renderStatusLine("Queue DB", statusInfo, status.QueueDBPath, colorize))
			fmt.Fprintln(out, renderStatusLine("Lock file", statusInfo, status.LockFilePath, colorize))
			return nil
		},
	}
}

func newHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show capability health and circuit breakers",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			health, err := client.health(cmd.Context())
			if err != nil {
				return err
			}
			breakers, err := client.breakers(cmd.Context())
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, map[string]any{
					"health":       health.Health,
					"capabilities": health.Capabilities,
					"breakers":     breakers,
				})
			}

			out := cmd.OutOrStdout()
			rows := make([][]string, 0, len(health.Capabilities))
			for _, capability := range health.Capabilities {
				rows = append(rows, []string{
					capability.Name,
					string(capability.Status),
					criticalLabel(capability.Critical),
					capability.Version,
					capability.LastError,
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Capability", "Status", "Critical", "Version", "Detail"},
				rows,
				nil,
			))

			if len(breakers) > 0 {
				rows = rows[:0]
				for _, snap := range breakers {
					rows = append(rows, []string{
						snap.Capability,
						string(snap.State),
						fmt.Sprintf("%d", snap.ConsecutiveFailures),
						fmt.Sprintf("%.0f%% of %d", snap.WindowFailureRate*100, snap.WindowSamples),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"Breaker", "State", "Consecutive", "Window failures"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight},
				))
			}
			return nil
		},
	}
}

func boolKind(ok bool) statusKind {
	if ok {
		return statusOK
	}
	return statusError
}

func runLabel(running bool) string {
	if running {
		return "running"
	}
	return "stopped"
}

func criticalLabel(critical bool) string {
	if critical {
		return "yes"
	}
	return "no"
}
