package browser

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/exportcap/internal/capture"
	"github.com/xkilldash9x/exportcap/internal/config"
)

const defaultCallbackTemplate = "PrimeFaces.ab({s:%[1]s,f:%[2]s,u:%[2]s})"

// Manager manages the lifecycle of the browser process and the tabs opened on it.
type Manager struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	// ChromeDP allocator context manages the underlying browser executable.
	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc

	// Track active sessions for graceful shutdown.
	sessions map[string]*Session
	mu       sync.Mutex
}

// SessionOptions tunes one tab.
type SessionOptions struct {
	// CallbackTemplate is the framework call used by Invoke; see config.CaptureConfig.
	CallbackTemplate string
}

// NewManager creates the allocator. The browser process starts with the first session.
func NewManager(ctx context.Context, logger *zap.Logger, cfg config.BrowserConfig) (*Manager, error) {
	m := &Manager{
		logger:   logger.Named("browser_manager"),
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
	m.allocatorCtx, m.allocatorCancel = chromedp.NewExecAllocator(ctx, allocatorOptions(cfg)...)

	m.logger.Info("Browser manager initialized",
		zap.Bool("headless", cfg.Headless),
		zap.Int("viewport_width", viewportSize(cfg, "width", 1920)),
		zap.Int("viewport_height", viewportSize(cfg, "height", 1080)),
	)
	return m, nil
}

func viewportSize(cfg config.BrowserConfig, key string, fallback int) int {
	if v := cfg.Viewport[key]; v > 0 {
		return v
	}
	return fallback
}

// allocatorOptions configures the flags for the browser executable.
func allocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)

	if !cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}

	opts = append(opts,
		chromedp.WindowSize(viewportSize(cfg, "width", 1920), viewportSize(cfg, "height", 1080)),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),

		// Performance and stability flags
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("metrics-recording-only", true),
		chromedp.Flag("disable-default-apps", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-hang-monitor", true),
		chromedp.Flag("disable-prompt-on-repost", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-dev-shm-usage", true),

		// GPU often causes issues in headless/containerized environments.
		chromedp.Flag("disable-gpu", cfg.Headless),
		chromedp.Flag("ignore-certificate-errors", cfg.IgnoreTLSErrors),
	)

	for _, arg := range cfg.Args {
		name, value := splitFlag(arg)
		opts = append(opts, chromedp.Flag(name, value))
	}
	return opts
}

// splitFlag turns "--name=value" or "--name" into a chromedp flag pair.
func splitFlag(arg string) (string, interface{}) {
	name, value, found := strings.Cut(strings.TrimLeft(arg, "-"), "=")
	if !found {
		return name, true
	}
	return name, value
}

// NewSession opens a tab whose lifetime is also bound to ctx.
func (m *Manager) NewSession(ctx context.Context, opts SessionOptions) (*Session, error) {
	tabCtx, cancel := chromedp.NewContext(m.allocatorCtx,
		chromedp.WithLogf(m.logger.Sugar().Debugf),
		chromedp.WithErrorf(m.logger.Sugar().Errorf),
	)
	stop := context.AfterFunc(ctx, cancel)
	release := func() {
		stop()
		cancel()
	}

	if err := chromedp.Run(tabCtx, chromedp.Navigate("about:blank")); err != nil {
		release()
		return nil, fmt.Errorf("failed to start browser tab: %w", err)
	}

	id := uuid.NewString()
	downloadDir, owns := m.cfg.DownloadDir, false
	if downloadDir == "" {
		dir, err := os.MkdirTemp("", "exportcap-downloads-*")
		if err != nil {
			release()
			return nil, fmt.Errorf("create download dir: %w", err)
		}
		downloadDir, owns = dir, true
	} else if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		release()
		return nil, fmt.Errorf("create download dir: %w", err)
	}

	template := opts.CallbackTemplate
	if template == "" {
		template = defaultCallbackTemplate
	}

	s := &Session{
		id:               id,
		ctx:              tabCtx,
		cancel:           release,
		logger:           m.logger.Named("session").With(zap.String("session_id", id)),
		cfg:              m.cfg,
		manager:          m,
		callbackTemplate: template,
		downloadDir:      downloadDir,
		ownsDownloadDir:  owns,
		downloads:        capture.NewHub[capture.Download](),
		responses:        capture.NewHub[capture.Response](),
	}
	s.harvester = NewHarvester(tabCtx, s.logger, downloadDir, s.downloads, s.responses)
	if err := s.harvester.Start(); err != nil {
		_ = s.Close(context.Background())
		return nil, err
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	return s, nil
}

func (m *Manager) unregisterSession(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Shutdown closes every session and then the browser process.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Shutting down browser manager...")

	m.mu.Lock()
	toClose := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		toClose = append(toClose, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range toClose {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			closeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := s.Close(closeCtx); err != nil {
				m.logger.Warn("Error closing browser session during shutdown", zap.String("session_id", s.id), zap.Error(err))
			}
		}(s)
	}
	wg.Wait()

	if m.allocatorCancel != nil {
		m.allocatorCancel()
	}
	m.logger.Info("Browser manager shutdown complete.")
	return nil
}
