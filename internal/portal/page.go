// Package portal drives the booking portal: login, filters and the two
// spreadsheet exports.
package portal

import (
	"context"

	"github.com/xkilldash9x/exportcap/internal/capture"
	"github.com/xkilldash9x/exportcap/internal/store"
)

// Page is the browsing surface the portal flow needs. *browser.Session
// implements it.
type Page interface {
	capture.Portal
	Navigate(ctx context.Context, url string) error
	WaitForAjax(ctx context.Context) error
	WaitVisible(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	JSClick(ctx context.Context, selector string) (bool, error)
	ClickText(ctx context.Context, text string) (bool, error)
	Evaluate(ctx context.Context, script string, res interface{}) error
	CurrentURL(ctx context.Context) (string, error)
	OuterHTML(ctx context.Context, selector string) (string, error)
	Screenshot(ctx context.Context, path string) error
}

// Exporter captures and persists one export. *capture.Coordinator implements it.
type Exporter interface {
	Export(ctx context.Context, req capture.ExportRequest) (capture.CaptureResult, error)
}

// Recorder stores export runs. *store.Store implements it.
type Recorder interface {
	RecordExport(ctx context.Context, run store.Run) error
}
