package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newBooksCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "books",
		Short: "List books in the library",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			books, err := client.books(cmd.Context())
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, map[string]any{"books": books})
			}

			if len(books) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Library is empty")
				return nil
			}
			rows := make([][]string, 0, len(books))
			for _, book := range books {
				rows = append(rows, []string{
					strconv.FormatInt(book.ID, 10),
					book.Title,
					book.Author,
					book.Format,
					string(book.Status),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Title", "Author", "Format", "Status"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft},
			))
			return nil
		},
	}
}

func newChaptersCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "chapters <book-id>",
		Short: "List chapters of a book",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bookID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || bookID <= 0 {
				return fmt.Errorf("invalid book id %q", args[0])
			}

			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			chapters, err := client.chapters(cmd.Context(), bookID)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, map[string]any{"chapters": chapters})
			}

			if len(chapters) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Book has no chapters")
				return nil
			}
			rows := make([][]string, 0, len(chapters))
			for _, chapter := range chapters {
				rows = append(rows, []string{
					strconv.Itoa(chapter.Number),
					truncate(chapter.Title, 48),
					strconv.Itoa(chapter.WordCount),
					string(chapter.Status),
					chapter.AudioPath,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"#", "Title", "Words", "Status", "Audio"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignRight, alignLeft, alignLeft},
			))
			return nil
		},
	}
}
