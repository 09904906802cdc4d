package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"narrator/internal/pipeline"
)

func newPipelineCommand(ctx *commandContext) *cobra.Command {
	pipelineCmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Manage audiobook pipeline jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	pipelineCmd.AddCommand(newPipelineAddCommand(ctx))
	pipelineCmd.AddCommand(newPipelineListCommand(ctx))
	pipelineCmd.AddCommand(newPipelineShowCommand(ctx))
	pipelineCmd.AddCommand(newPipelineCancelCommand(ctx))
	return pipelineCmd
}

func newPipelineAddCommand(ctx *commandContext) *cobra.Command {
	var titleFlag string
	var authorFlag string

	cmd := &cobra.Command{
		Use:   "add [query]",
		Short: "Request a new audiobook",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := ""
			if len(args) > 0 {
				query = args[0]
			}
			if strings.TrimSpace(query) == "" && strings.TrimSpace(titleFlag) == "" {
				return fmt.Errorf("a search query or --title is required")
			}

			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			job, err := client.createPipelineJob(cmd.Context(), query, titleFlag, authorFlag)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, map[string]any{"job": job})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pipeline job %s created\n", job.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&titleFlag, "title", "", "Book title, skips the catalog search")
	cmd.Flags().StringVar(&authorFlag, "author", "", "Book author")
	return cmd
}

func newPipelineListCommand(ctx *commandContext) *cobra.Command {
	var allFlag bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pipeline jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			jobs, err := client.pipelineJobs(cmd.Context(), !allFlag)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, map[string]any{"jobs": jobs})
			}

			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No pipeline jobs")
				return nil
			}
			rows := make([][]string, 0, len(jobs))
			for _, job := range jobs {
				rows = append(rows, []string{
					job.ID,
					pipelineTitle(job),
					string(job.CurrentStep),
					fmt.Sprintf("%.0f%%", job.Progress),
					truncate(job.Error, 40),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Book", "Step", "Progress", "Error"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().BoolVar(&allFlag, "all", false, "Include completed and failed jobs")
	return cmd
}

func newPipelineShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one pipeline job in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			job, err := client.pipelineJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, map[string]any{"job": job})
			}

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			fmt.Fprintf(out, "Pipeline job %s\n", job.ID)
			fmt.Fprintln(out, renderStatusLine("Book", statusInfo, pipelineTitle(job), colorize))
			fmt.Fprintln(out, renderStatusLine("Step", stepKind(job.CurrentStep), string(job.CurrentStep), colorize))
			fmt.Fprintln(out, renderStatusLine("Progress", statusInfo, fmt.Sprintf("%.0f%%", job.Progress), colorize))
			if job.Error != "" {
				fmt.Fprintln(out, renderStatusLine("Error", statusError, fmt.Sprintf("%s (at %s)", job.Error, job.ErrorStep), colorize))
			}
			for _, step := range []pipeline.Step{pipeline.StepSearch, pipeline.StepDownload, pipeline.StepParse, pipeline.StepTTS} {
				status := job.StepStatuses[step]
				fmt.Fprintln(out, renderStatusLine("  "+string(step), stepStatusKind(status), string(status), colorize))
			}
			for _, book := range job.CreatedBooks {
				fmt.Fprintln(out, renderStatusLine("Created book", statusOK,
					fmt.Sprintf("%s by %s (id %d)", book.Title, book.Author, book.BookID), colorize))
			}
			return nil
		},
	}
}

func newPipelineCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pipeline job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			job, err := client.cancelPipelineJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, map[string]any{"job": job})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pipeline job %s cancelled\n", job.ID)
			return nil
		},
	}
}

func pipelineTitle(job pipeline.Job) string {
	if job.BookTitle != "" {
		if job.BookAuthor != "" {
			return job.BookTitle + " by " + job.BookAuthor
		}
		return job.BookTitle
	}
	return job.SearchQuery
}

func stepKind(step pipeline.Step) statusKind {
	switch step {
	case pipeline.StepComplete:
		return statusOK
	case pipeline.StepFailed:
		return statusError
	case pipeline.StepCompleteWithErrors:
		return statusWarn
	default:
		return statusInfo
	}
}

func stepStatusKind(status pipeline.StepStatus) statusKind {
	switch status {
	case pipeline.StepDone:
		return statusOK
	case pipeline.StepFailedStatus:
		return statusError
	case pipeline.StepDoneWithError:
		return statusWarn
	case pipeline.StepRunning:
		return statusInfo
	default:
		return statusInfo
	}
}
