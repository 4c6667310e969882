package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/exportcap/internal/capture"
)

// valueOnlyContext is a context that is not cancellable and carries only values.
type valueOnlyContext struct{ context.Context }

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }
func (valueOnlyContext) Done() <-chan struct{}                   { return nil }
func (valueOnlyContext) Err() error                              { return nil }

const bodyFetchTimeout = 15 * time.Second

type bodyFetcher func(ctx context.Context, id network.RequestID) ([]byte, error)

type pendingDownload struct {
	url      string
	filename string
}

// Harvester listens to the tab's CDP events and fans finished downloads and
// response bodies out to the session's hubs.
type Harvester struct {
	logger      *zap.Logger
	downloadDir string
	downloads   *capture.Hub[capture.Download]
	responses   *capture.Hub[capture.Response]
	fetch       bodyFetcher

	// The context for the browser tab this harvester is attached to.
	sessionCtx context.Context
	// A separate context for the listener so it can be stopped cleanly.
	listenerCtx    context.Context
	cancelListener context.CancelFunc

	lock      sync.Mutex
	pending   map[string]pendingDownload
	inflight  map[network.RequestID]*network.Response
	isStarted bool

	// Tracks body fetches and file reads so Stop does not return early.
	workWG sync.WaitGroup
}

func NewHarvester(sessionCtx context.Context, logger *zap.Logger, downloadDir string, downloads *capture.Hub[capture.Download], responses *capture.Hub[capture.Response]) *Harvester {
	h := &Harvester{
		logger:      logger.Named("harvester"),
		downloadDir: downloadDir,
		downloads:   downloads,
		responses:   responses,
		sessionCtx:  sessionCtx,
		pending:     make(map[string]pendingDownload),
		inflight:    make(map[network.RequestID]*network.Response),
	}
	h.fetch = h.fetchFromBrowser
	return h
}

// Start subscribes to target events and enables the network domain and
// observable downloads.
func (h *Harvester) Start() error {
	h.lock.Lock()
	defer h.lock.Unlock()

	if h.isStarted {
		return nil
	}
	h.listenerCtx, h.cancelListener = context.WithCancel(h.sessionCtx)
	chromedp.ListenTarget(h.listenerCtx, h.handleEvent)

	err := chromedp.Run(h.sessionCtx,
		network.Enable(),
		browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllowAndName).
			WithDownloadPath(h.downloadDir).
			WithEventsEnabled(true),
	)
	if err != nil {
		h.cancelListener()
		if h.sessionCtx.Err() != nil {
			return h.sessionCtx.Err()
		}
		return fmt.Errorf("enable network and download events: %w", err)
	}

	h.isStarted = true
	h.logger.Debug("Harvester started.", zap.String("download_dir", h.downloadDir))
	return nil
}

// Stop detaches the listener and waits for in-flight work or ctx.
func (h *Harvester) Stop(ctx context.Context) {
	h.lock.Lock()
	if h.cancelListener != nil {
		h.cancelListener()
		h.cancelListener = nil
	}
	h.isStarted = false
	h.lock.Unlock()

	done := make(chan struct{})
	go func() {
		h.workWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		h.logger.Debug("Stopped waiting for pending harvester work.", zap.Error(ctx.Err()))
	}
}

// handleEvent runs on the CDP event loop and must not block.
func (h *Harvester) handleEvent(ev interface{}) {
	switch e := ev.(type) {
	case *browser.EventDownloadWillBegin:
		h.handleDownloadWillBegin(e)
	case *browser.EventDownloadProgress:
		h.handleDownloadProgress(e)
	case *network.EventResponseReceived:
		h.handleResponseReceived(e)
	case *network.EventLoadingFinished:
		h.handleLoadingFinished(e)
	case *network.EventLoadingFailed:
		h.lock.Lock()
		delete(h.inflight, e.RequestID)
		h.lock.Unlock()
	}
}

func (h *Harvester) handleDownloadWillBegin(e *browser.EventDownloadWillBegin) {
	h.lock.Lock()
	h.pending[e.GUID] = pendingDownload{url: e.URL, filename: e.SuggestedFilename}
	h.lock.Unlock()
	h.logger.Debug("Download started.", zap.String("guid", e.GUID), zap.String("filename", e.SuggestedFilename))
}

func (h *Harvester) handleDownloadProgress(e *browser.EventDownloadProgress) {
	if e.State != browser.DownloadProgressStateCompleted && e.State != browser.DownloadProgressStateCanceled {
		return
	}
	h.lock.Lock()
	p := h.pending[e.GUID]
	delete(h.pending, e.GUID)
	h.lock.Unlock()

	d := capture.Download{GUID: e.GUID, URL: p.url, SuggestedFilename: p.filename}
	if e.State == browser.DownloadProgressStateCanceled {
		d.Err = fmt.Errorf("download %s canceled", e.GUID)
		h.downloads.Publish(d)
		return
	}

	h.workWG.Add(1)
	go func() {
		defer h.workWG.Done()
		path := filepath.Join(h.downloadDir, e.GUID)
		data, err := os.ReadFile(path)
		if err != nil {
			d.Err = fmt.Errorf("read downloaded file: %w", err)
		} else {
			d.Data = data
			_ = os.Remove(path)
		}
		h.logger.Debug("Download finished.", zap.String("guid", e.GUID), zap.Int("bytes", len(data)))
		h.downloads.Publish(d)
	}()
}

// Response metadata is only kept while someone is listening; bodies of
// unobserved traffic are never fetched.
func (h *Harvester) handleResponseReceived(e *network.EventResponseReceived) {
	if h.responses.Len() == 0 || e.Response == nil {
		return
	}
	h.lock.Lock()
	h.inflight[e.RequestID] = e.Response
	h.lock.Unlock()
}

func (h *Harvester) handleLoadingFinished(e *network.EventLoadingFinished) {
	h.lock.Lock()
	resp, ok := h.inflight[e.RequestID]
	delete(h.inflight, e.RequestID)
	h.lock.Unlock()
	if !ok || h.responses.Len() == 0 {
		return
	}

	h.workWG.Add(1)
	go func() {
		defer h.workWG.Done()
		h.deliverResponse(e.RequestID, resp)
	}()
}

func (h *Harvester) deliverResponse(id network.RequestID, resp *network.Response) {
	ctx, cancel := context.WithTimeout(valueOnlyContext{h.sessionCtx}, bodyFetchTimeout)
	defer cancel()

	body, err := h.fetch(ctx, id)
	if err != nil {
		if h.sessionCtx.Err() == nil {
			h.logger.Debug("Failed to fetch response body.", zap.String("url", resp.URL), zap.Error(err))
		}
		return
	}
	h.responses.Publish(capture.Response{
		URL:      resp.URL,
		Status:   int(resp.Status),
		MimeType: resp.MimeType,
		Headers:  flattenHeaders(resp.Headers),
		Body:     body,
	})
}

func (h *Harvester) fetchFromBrowser(ctx context.Context, id network.RequestID) ([]byte, error) {
	var body []byte
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		body, err = network.GetResponseBody(id).Do(ctx)
		return err
	}))
	return body, err
}

func flattenHeaders(headers network.Headers) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[k] = fmt.Sprint(v)
	}
	return out
}
