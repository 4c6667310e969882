package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/exportcap/internal/config"
	"github.com/xkilldash9x/exportcap/internal/observability"
	"github.com/xkilldash9x/exportcap/internal/store"
)

// RunLister is the part of the ledger the runs command reads.
type RunLister interface {
	RecentRuns(ctx context.Context, limit int) ([]store.Run, error)
}

func newRunsCmd() *cobra.Command {
	var limit int

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent export runs from the ledger",
		Long:  `Reads the export ledger in PostgreSQL (postgres.url) and prints the latest runs with the strategy that produced each file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := config.Get()
			if cfg.Postgres.URL == "" {
				return &config.ConfigError{Field: "postgres.url", Reason: "is required to read the ledger"}
			}

			pool, err := store.Connect(ctx, cfg.Postgres.URL)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer pool.Close()

			ledger, err := store.New(ctx, pool, observability.GetLogger())
			if err != nil {
				return fmt.Errorf("failed to initialize store service: %w", err)
			}
			return printRuns(ctx, cmd.OutOrStdout(), ledger, limit)
		},
	}
	runsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	return runsCmd
}

func printRuns(ctx context.Context, out io.Writer, ledger RunLister, limit int) error {
	runs, err := ledger.RecentRuns(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No export runs recorded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tVIEW\tSTATUS\tSOURCE\tBYTES\tDURATION\tOUTPUT")
	for _, r := range runs {
		status := "ok"
		if !r.Success {
			status = "failed"
		}
		source := r.Source
		if source == "" {
			source = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Label, status, source, r.Bytes,
			r.FinishedAt.Sub(r.StartedAt).Round(time.Second),
			r.OutputPath,
		)
	}
	return w.Flush()
}
