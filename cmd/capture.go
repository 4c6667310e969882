package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/exportcap/internal/capture"
	"github.com/xkilldash9x/exportcap/internal/config"
	"github.com/xkilldash9x/exportcap/internal/observability"
	"github.com/xkilldash9x/exportcap/internal/portal"
)

type captureOptions struct {
	form   string
	menu   string
	label  string
	output string
	login  bool
}

func newCaptureCmd() *cobra.Command {
	var opts captureOptions

	captureCmd := &cobra.Command{
		Use:   "capture <url> <trigger-id>",
		Short: "Capture a single export from any page",
		Long: `Opens the page, fires the export trigger and captures the file through the download,
framework callback and response interception strategies in turn. The trigger may be an
element id, an id suffix or a CSS selector.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCapture(cmd.Context(), cmd.OutOrStdout(), config.Get(), args[0], args[1], opts)
		},
	}
	captureCmd.Flags().StringVar(&opts.form, "form", "", "form id the trigger submits (default portal.export.form)")
	captureCmd.Flags().StringVar(&opts.menu, "menu", "", "CSS selector of a menu to open before the trigger")
	captureCmd.Flags().StringVar(&opts.label, "label", "", "visible text of the trigger, tried last")
	captureCmd.Flags().StringVarP(&opts.output, "output", "o", "export.xlsx", "file to write")
	captureCmd.Flags().BoolVar(&opts.login, "login", false, "log into the portal before opening the page")
	return captureCmd
}

func runCapture(ctx context.Context, out io.Writer, cfg *config.Config, url, triggerID string, opts captureOptions) error {
	logger := observability.GetLogger()
	if opts.form == "" {
		opts.form = cfg.Portal.Export.Form
	}
	req, err := capture.NewExportRequest(triggerID, opts.form, opts.output,
		capture.WithLabel(opts.label), capture.WithMenu(opts.menu))
	if err != nil {
		return err
	}
	if opts.login {
		if err := cfg.RequireCredentials(); err != nil {
			return err
		}
	}

	comps := &Components{}
	defer comps.Shutdown()
	if comps.Browser, err = newBrowser(ctx, cfg); err != nil {
		return err
	}
	if comps.Session, err = openSession(ctx, comps.Browser, cfg); err != nil {
		return err
	}

	if opts.login {
		p := portal.New(comps.Session, nil, cfg.Portal, cfg.Output, logger)
		if err := p.Login(ctx); err != nil {
			return err
		}
	}
	if err := comps.Session.Navigate(ctx, url); err != nil {
		return err
	}
	if err := comps.Session.WaitForAjax(ctx); err != nil {
		return err
	}

	coord := newCoordinator(comps.Session, cfg.Capture, logger)
	res, err := coord.Export(ctx, req)
	if err != nil {
		return err
	}
	logger.Info("Capture finished.",
		zap.String("request_id", res.RequestID),
		zap.String("source", string(res.Source)),
		zap.String("mime", res.MIME),
	)
	fmt.Fprintf(out, "%s: %d bytes via %s\n", req.OutputPath(), len(res.Data), res.Source)
	return nil
}
