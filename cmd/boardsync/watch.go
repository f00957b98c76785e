package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gosuda/boardsync/internal/domain"
	"github.com/gosuda/boardsync/internal/syncclient"
)

const defaultServerURL = "http://localhost:8080"

func serverURL() string {
	if v := os.Getenv("BOARDSYNC_URL"); v != "" {
		return v
	}
	return defaultServerURL
}

func watchCmd() *cobra.Command {
	var baseURL string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a board from the terminal",
		Long: `Load the board, subscribe to its push stream, and print the board
every time it changes. Falls back to polling when the stream keeps failing.

Examples:
  boardsync watch
  boardsync watch --url=https://board.example.com`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runWatch(ctx, cmd.OutOrStdout(), baseURL)
		},
	}

	cmd.Flags().StringVarP(&baseURL, "url", "u", serverURL(), "Server base URL (default from BOARDSYNC_URL)")

	return cmd
}

func runWatch(ctx context.Context, out io.Writer, baseURL string) error {
	var (
		mu   sync.Mutex
		last int64 = -1
	)
	client, err := syncclient.New(syncclient.Options{
		BaseURL: baseURL,
		OnChange: func(st domain.BoardState) {
			mu.Lock()
			defer mu.Unlock()
			// A forced refresh can repeat a version.
			if st.Version == last {
				return
			}
			last = st.Version
			printBoard(out, st)
		},
	})
	if err != nil {
		return err
	}
	return client.Run(ctx)
}

var columns = []domain.TicketStatus{ //nolint:gochecknoglobals // display order
	domain.TicketStatusTodo,
	domain.TicketStatusInProgress,
	domain.TicketStatusDone,
}

func printBoard(out io.Writer, st domain.BoardState) {
	fmt.Fprintf(out, "== version %d (%d tickets)\n", st.Version, len(st.Tickets))
	for _, status := range columns {
		fmt.Fprintf(out, "[%s]\n", status)
		for _, t := range st.Tickets {
			if t.Status == status {
				fmt.Fprintf(out, "  #%d %s: %s\n", t.ID, t.Title, t.Description)
			}
		}
	}
}
