package browser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/natefinch/atomic"
	"go.uber.org/zap"

	"github.com/xkilldash9x/exportcap/internal/capture"
	"github.com/xkilldash9x/exportcap/internal/config"
)

// visibleClickTimeout bounds the real mouse click before falling back to a
// scripted click on the same element.
const visibleClickTimeout = 3 * time.Second

// ErrCallbackFailed is returned by Invoke when the framework call threw.
var ErrCallbackFailed = errors.New("framework callback failed")

// Session is one browser tab. It implements capture.Portal and the page
// primitives the portal glue drives.
type Session struct {
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger
	cfg     config.BrowserConfig
	manager *Manager

	callbackTemplate string
	downloadDir      string
	ownsDownloadDir  bool

	downloads *capture.Hub[capture.Download]
	responses *capture.Hub[capture.Response]
	harvester *Harvester

	closeOnce sync.Once
}

var _ capture.Portal = (*Session)(nil)

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// Context is the chromedp context of the tab.
func (s *Session) Context() context.Context { return s.ctx }

// run executes actions on the tab, bounded by both the caller's ctx and the
// tab's lifetime.
func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := s.bind(ctx, timeout)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// bind derives a context from the tab that is also cancelled with ctx.
func (s *Session) bind(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(s.ctx)
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, timeout)
		inner := cancel
		cancel = func() { cancelTimeout(); inner() }
	}
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

// OnDownload implements capture.Portal.
func (s *Session) OnDownload(fn func(capture.Download)) func() { return s.downloads.Subscribe(fn) }

// OnResponse implements capture.Portal.
func (s *Session) OnResponse(fn func(capture.Response)) func() { return s.responses.Subscribe(fn) }

// Activate clicks the element loc points at. It returns capture.ErrElementNotFound
// when nothing matches.
func (s *Session) Activate(ctx context.Context, loc capture.Locator) error {
	if loc.Kind == capture.ByCSS {
		return s.activateCSS(ctx, loc.Value)
	}
	script, err := locatorScript(loc)
	if err != nil {
		return err
	}
	var clicked bool
	if err := s.Evaluate(ctx, script, &clicked); err != nil {
		return fmt.Errorf("activate %s: %w", loc, err)
	}
	if !clicked {
		return fmt.Errorf("%w: %s", capture.ErrElementNotFound, loc)
	}
	return nil
}

func (s *Session) activateCSS(ctx context.Context, selector string) error {
	var exists bool
	if err := s.Evaluate(ctx, existsScript(selector), &exists); err != nil {
		return fmt.Errorf("query %q: %w", selector, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", capture.ErrElementNotFound, selector)
	}

	err := s.run(ctx, visibleClickTimeout, chromedp.Click(selector, chromedp.ByQuery))
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.logger.Debug("Visible click failed, clicking by script.", zap.String("selector", selector), zap.Error(err))
	clicked, err := s.JSClick(ctx, selector)
	if err != nil {
		return err
	}
	if !clicked {
		return fmt.Errorf("%w: %s", capture.ErrElementNotFound, selector)
	}
	return nil
}

// Invoke calls the framework's asynchronous request function for the
// component directly, bypassing visibility checks.
func (s *Session) Invoke(ctx context.Context, triggerID, form string) error {
	var failure string
	if err := s.Evaluate(ctx, callbackScript(s.callbackTemplate, triggerID, form), &failure); err != nil {
		return fmt.Errorf("invoke %s: %w", triggerID, err)
	}
	if failure != "" {
		return fmt.Errorf("%w: %s: %s", ErrCallbackFailed, triggerID, failure)
	}
	return nil
}

// Navigate loads url and waits for the DOM. Aborted navigations caused by
// server-side redirects are tolerated.
func (s *Session) Navigate(ctx context.Context, url string) error {
	err := s.run(ctx, s.cfg.NavigationTimeout, chromedp.Navigate(url))
	if err != nil {
		if !strings.Contains(err.Error(), "ERR_ABORTED") {
			return fmt.Errorf("navigate to %s: %w", url, err)
		}
		s.logger.Warn("Navigation interrupted, waiting for the page to settle.", zap.String("url", url))
	}
	if err := s.run(ctx, s.cfg.NavigationTimeout, chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return fmt.Errorf("wait for %s: %w", url, err)
	}
	return nil
}

// WaitForAjax waits for the framework's request queue to drain. Running out
// of time is logged, not returned.
func (s *Session) WaitForAjax(ctx context.Context) error {
	var idle bool
	err := s.run(ctx, 0, chromedp.Poll(ajaxIdleScript, &idle,
		chromedp.WithPollingInterval(250*time.Millisecond),
		chromedp.WithPollingTimeout(s.cfg.AjaxTimeout),
	))
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.logger.Warn("Ajax queue did not drain, continuing.", zap.Duration("timeout", s.cfg.AjaxTimeout), zap.Error(err))
	return nil
}

// WaitVisible blocks until selector is visible or the action timeout passes.
func (s *Session) WaitVisible(ctx context.Context, selector string) error {
	return s.run(ctx, s.cfg.ActionTimeout, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

// Fill sets the value of an input and fires input and change events.
func (s *Session) Fill(ctx context.Context, selector, value string) error {
	if err := s.WaitVisible(ctx, selector); err != nil {
		return fmt.Errorf("fill %q: %w", selector, err)
	}
	var ok bool
	if err := s.Evaluate(ctx, fillScript(selector, value), &ok); err != nil {
		return fmt.Errorf("fill %q: %w", selector, err)
	}
	if !ok {
		return fmt.Errorf("fill %q: %w", selector, capture.ErrElementNotFound)
	}
	return nil
}

// JSClick clicks the first match of selector by script and reports whether
// it existed.
func (s *Session) JSClick(ctx context.Context, selector string) (bool, error) {
	var clicked bool
	err := s.Evaluate(ctx, clickSelectorScript(selector), &clicked)
	return clicked, err
}

// ClickText clicks the first clickable element whose trimmed text is text.
func (s *Session) ClickText(ctx context.Context, text string) (bool, error) {
	var clicked bool
	err := s.Evaluate(ctx, clickTextScript(text, clickableTags), &clicked)
	return clicked, err
}

// Evaluate runs script in the page and decodes its result into res. With a
// nil res the script's value is discarded.
func (s *Session) Evaluate(ctx context.Context, script string, res interface{}) error {
	if res == nil {
		var done bool
		return s.run(ctx, s.cfg.ActionTimeout, chromedp.Evaluate(discardScript(script), &done))
	}
	return s.run(ctx, s.cfg.ActionTimeout, chromedp.Evaluate(script, res))
}

// CurrentURL returns the tab's location.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	var loc string
	err := s.run(ctx, s.cfg.ActionTimeout, chromedp.Location(&loc))
	return loc, err
}

// OuterHTML returns the markup of the first element matching selector.
func (s *Session) OuterHTML(ctx context.Context, selector string) (string, error) {
	var html string
	err := s.run(ctx, s.cfg.ActionTimeout, chromedp.OuterHTML(selector, &html, chromedp.ByQuery))
	return html, err
}

// Screenshot writes a full-page PNG to path.
func (s *Session) Screenshot(ctx context.Context, path string) error {
	var buf []byte
	if err := s.run(ctx, s.cfg.ActionTimeout, chromedp.FullScreenshot(&buf, 100)); err != nil {
		return fmt.Errorf("screenshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return atomic.WriteFile(path, bytes.NewReader(buf))
}

// Close stops event collection and closes the tab.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		if s.harvester != nil {
			s.harvester.Stop(ctx)
		}
		if s.cancel != nil {
			s.cancel()
		}
		if s.ownsDownloadDir {
			_ = os.RemoveAll(s.downloadDir)
		}
		if s.manager != nil {
			s.manager.unregisterSession(s.id)
		}
		s.logger.Debug("Session closed.")
	})
	return nil
}
