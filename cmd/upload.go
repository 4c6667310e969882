package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/exportcap/internal/config"
	"github.com/xkilldash9x/exportcap/internal/drive"
	"github.com/xkilldash9x/exportcap/internal/observability"
)

func newUploadCmd() *cobra.Command {
	var folder string

	uploadCmd := &cobra.Command{
		Use:   "upload <file>...",
		Short: "Upload files to the configured Google Drive folder",
		Long: `Uploads each file to Google Drive with the service account in drive.service_account_key
(or GDRIVE_SERVICE_ACCOUNT_KEY). A file with the same name in the folder is replaced.
The folder may be given as an id or as a pasted Drive URL.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Get()
			if folder == "" {
				folder = cfg.Drive.FolderID
			}
			return uploadFiles(cmd.Context(), cmd.OutOrStdout(), cfg.Drive, folder, args)
		},
	}
	uploadCmd.Flags().StringVar(&folder, "folder", "", "target folder id or URL (default drive.folder_id)")
	return uploadCmd
}

func uploadFiles(ctx context.Context, out io.Writer, cfg config.DriveConfig, folder string, paths []string) error {
	logger := observability.GetLogger()

	key, err := serviceAccountKey(cfg.ServiceAccountKey)
	if err != nil {
		return err
	}
	svc, err := drive.NewService(ctx, key)
	if err != nil {
		return err
	}
	if email, err := svc.AccountEmail(ctx); err == nil && email != "" {
		logger.Info("Authenticated with Drive.", zap.String("account", email))
	}

	uploader := drive.NewUploader(svc, logger)
	for _, path := range paths {
		res, err := uploader.Upload(ctx, path, folder)
		if err != nil {
			return err
		}
		verb := "uploaded"
		if res.Updated {
			verb = "updated"
		}
		fmt.Fprintf(out, "%s %s (%s)\n", verb, res.Name, res.FileID)
	}
	return nil
}

// serviceAccountKey accepts the key JSON inline or a path to the key file.
func serviceAccountKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, &config.ConfigError{Field: "drive.service_account_key", Reason: "is required (GDRIVE_SERVICE_ACCOUNT_KEY)"}
	}
	if strings.HasPrefix(raw, "{") {
		return []byte(raw), nil
	}
	key, err := os.ReadFile(raw)
	if err != nil {
		return nil, fmt.Errorf("read service account key: %w", err)
	}
	return key, nil
}
