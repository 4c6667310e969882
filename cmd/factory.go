package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/exportcap/internal/browser"
	"github.com/xkilldash9x/exportcap/internal/capture"
	"github.com/xkilldash9x/exportcap/internal/config"
	"github.com/xkilldash9x/exportcap/internal/observability"
	"github.com/xkilldash9x/exportcap/internal/portal"
	"github.com/xkilldash9x/exportcap/internal/store"
)

// Components holds everything one portal run needs.
type Components struct {
	Browser     *browser.Manager
	Session     *browser.Session
	Coordinator *capture.Coordinator
	Store       *store.Store
	DBPool      *pgxpool.Pool
	Portal      *portal.Portal
}

// Shutdown releases resources in reverse order of creation.
func (c *Components) Shutdown() {
	logger := observability.GetLogger()
	logger.Debug("Beginning components shutdown sequence.")

	// The caller's context may already be canceled, so shutdown gets its own.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if c.Session != nil {
		if err := c.Session.Close(shutdownCtx); err != nil {
			logger.Warn("Error closing browser session.", zap.Error(err))
		}
	}
	if c.Browser != nil {
		if err := c.Browser.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error during browser manager shutdown.", zap.Error(err))
		}
	}
	if c.DBPool != nil {
		c.DBPool.Close()
		logger.Debug("Database connection pool closed.")
	}
	logger.Debug("All components shut down.")
}

// ComponentFactory builds the components of a run. The export command takes
// one so its wiring can be replaced in tests.
type ComponentFactory interface {
	Create(ctx context.Context, cfg *config.Config) (*Components, error)
}

type concreteFactory struct{}

// NewComponentFactory creates the production factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// Create starts the browser, opens a tab, connects the optional ledger and
// assembles the portal flow on top.
func (f *concreteFactory) Create(ctx context.Context, cfg *config.Config) (comps *Components, err error) {
	logger := observability.GetLogger()
	comps = &Components{}

	// Release whatever was built if a later step fails.
	defer func() {
		if err != nil {
			comps.Shutdown()
			comps = nil
		}
	}()

	if comps.Browser, err = newBrowser(ctx, cfg); err != nil {
		return comps, err
	}
	if comps.Session, err = openSession(ctx, comps.Browser, cfg); err != nil {
		return comps, err
	}

	comps.Coordinator = newCoordinator(comps.Session, cfg.Capture, logger)

	var opts []portal.Option
	if cfg.Postgres.URL != "" {
		if comps.DBPool, err = store.Connect(ctx, cfg.Postgres.URL); err != nil {
			return comps, err
		}
		if comps.Store, err = store.New(ctx, comps.DBPool, logger); err != nil {
			return comps, fmt.Errorf("failed to initialize store: %w", err)
		}
		if err = comps.Store.EnsureSchema(ctx); err != nil {
			return comps, err
		}
		opts = append(opts, portal.WithRecorder(comps.Store))
		logger.Info("Export ledger enabled.")
	}

	comps.Portal = portal.New(comps.Session, comps.Coordinator, cfg.Portal, cfg.Output, logger, opts...)
	return comps, nil
}

func newBrowser(ctx context.Context, cfg *config.Config) (*browser.Manager, error) {
	m, err := browser.NewManager(ctx, observability.GetLogger(), cfg.Browser)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize browser manager: %w", err)
	}
	return m, nil
}

func openSession(ctx context.Context, m *browser.Manager, cfg *config.Config) (*browser.Session, error) {
	s, err := m.NewSession(ctx, browser.SessionOptions{CallbackTemplate: cfg.Capture.CallbackScript})
	if err != nil {
		return nil, fmt.Errorf("failed to open browser session: %w", err)
	}
	return s, nil
}

// newCoordinator wires the three capture strategies to a tab with the
// configured budgets and payload signatures.
func newCoordinator(p capture.Portal, cfg config.CaptureConfig, logger *zap.Logger) *capture.Coordinator {
	timeouts := capture.Timeouts{
		Download:     cfg.DownloadTimeout,
		Callback:     cfg.CallbackTimeout,
		Interception: cfg.InterceptionTimeout,
	}
	sigs := capture.DefaultSignatures
	if len(cfg.Signatures) > 0 {
		sigs = make([]capture.Signature, 0, len(cfg.Signatures))
		for _, mime := range cfg.Signatures {
			sigs = append(sigs, capture.SignatureFor(mime))
		}
	}
	return capture.NewPortalCoordinator(p, capture.NewFileSink(), timeouts, sigs, logger)
}
