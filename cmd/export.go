package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/exportcap/internal/config"
	"github.com/xkilldash9x/exportcap/internal/observability"
	"github.com/xkilldash9x/exportcap/internal/portal"
)

func newExportCmd(factory ComponentFactory) *cobra.Command {
	var noUpload bool

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Log into the portal and export the bookings and services views",
		Long: `Logs into the booking portal, filters the bookings list on the configured departure
window, captures the spreadsheet export of the bookings and services views, and writes a
filter report next to them. When a Drive service account is configured the files are
uploaded afterwards.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd.Context(), cmd.OutOrStdout(), factory, config.Get(), !noUpload)
		},
	}
	exportCmd.Flags().BoolVar(&noUpload, "no-upload", false, "keep the files local even when Drive is configured")
	return exportCmd
}

func runExport(ctx context.Context, out io.Writer, factory ComponentFactory, cfg *config.Config, upload bool) error {
	if err := cfg.RequireCredentials(); err != nil {
		return err
	}
	logger := observability.GetLogger()

	comps, err := factory.Create(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer comps.Shutdown()

	report, err := comps.Portal.Run(ctx)
	if err != nil {
		return fmt.Errorf("portal run failed: %w", err)
	}
	for _, view := range []string{portal.ViewBookings, portal.ViewServices} {
		res := report.Exports[view]
		logger.Info("Export captured.",
			zap.String("view", view),
			zap.String("source", string(res.Source)),
			zap.Int("bytes", len(res.Data)),
			zap.String("mime", res.MIME),
		)
	}

	fmt.Fprintf(out, "Results: %s\n", report.Summary)
	for _, f := range report.Files {
		fmt.Fprintln(out, f)
	}

	if !upload || cfg.Drive.ServiceAccountKey == "" {
		return nil
	}
	return uploadFiles(ctx, out, cfg.Drive, cfg.Drive.FolderID, report.Files)
}
