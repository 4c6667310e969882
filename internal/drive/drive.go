// Package drive uploads exported files to a Google Drive folder.
package drive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

// ErrFolderUnavailable means the folder does not exist or is not shared with
// the service account.
var ErrFolderUnavailable = errors.New("drive folder not found or not accessible")

// Files is the subset of the Drive API the uploader needs.
type Files interface {
	CheckFolder(ctx context.Context, folderID string) error
	// FindByName returns the id of a non-trashed file called name, or "".
	FindByName(ctx context.Context, folderID, name string) (string, error)
	Update(ctx context.Context, fileID string, media io.Reader, contentType string) (string, error)
	Create(ctx context.Context, name, folderID string, media io.Reader, contentType string) (string, error)
}

// Result describes a completed upload.
type Result struct {
	FileID  string
	Name    string
	Updated bool
}

// Uploader pushes files into a folder, replacing same-named files.
type Uploader struct {
	files  Files
	logger *zap.Logger
}

func NewUploader(files Files, logger *zap.Logger) *Uploader {
	return &Uploader{files: files, logger: logger.Named("drive")}
}

// SanitizeFolderID accepts a bare folder id or a pasted Drive URL.
func SanitizeFolderID(raw string) string {
	id := strings.TrimSpace(raw)
	if !strings.Contains(id, "drive.google.com") {
		return id
	}
	var last string
	for _, part := range strings.Split(id, "/") {
		if strings.TrimSpace(part) != "" {
			last = part
		}
	}
	if i := strings.Index(last, "?"); i >= 0 {
		last = last[:i]
	}
	return last
}

// MaskID keeps the first and last four characters of an id for logs.
func MaskID(id string) string {
	if len(id) <= 8 {
		return "***"
	}
	return id[:4] + "..." + id[len(id)-4:]
}

// Upload sends path to folderID. An empty folder id uploads to the account root.
func (u *Uploader) Upload(ctx context.Context, path, folderID string) (Result, error) {
	folderID = SanitizeFolderID(folderID)
	name := filepath.Base(path)
	log := u.logger.With(zap.String("file", name), zap.String("folder", MaskID(folderID)))

	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	contentType := "application/octet-stream"
	if mt, err := mimetype.DetectReader(f); err == nil {
		contentType = mt.String()
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return Result{}, fmt.Errorf("rewind %s: %w", path, err)
	}

	if folderID != "" {
		if err := u.files.CheckFolder(ctx, folderID); err != nil {
			return Result{}, fmt.Errorf("%w: %s: %w", ErrFolderUnavailable, MaskID(folderID), err)
		}
		existing, err := u.files.FindByName(ctx, folderID, name)
		if err != nil {
			return Result{}, fmt.Errorf("look up %s: %w", name, err)
		}
		if existing != "" {
			id, err := u.files.Update(ctx, existing, f, contentType)
			if err != nil {
				return Result{}, fmt.Errorf("update %s: %w", name, err)
			}
			log.Info("File updated.", zap.String("file_id", id))
			return Result{FileID: id, Name: name, Updated: true}, nil
		}
	}

	id, err := u.files.Create(ctx, name, folderID, f, contentType)
	if err != nil {
		return Result{}, fmt.Errorf("create %s: %w", name, err)
	}
	log.Info("File uploaded.", zap.String("file_id", id), zap.String("content_type", contentType))
	return Result{FileID: id, Name: name}, nil
}

// escapeQuery quotes a value for the Drive search grammar.
func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}
