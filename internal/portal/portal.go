package portal

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/exportcap/internal/capture"
	"github.com/xkilldash9x/exportcap/internal/config"
	"github.com/xkilldash9x/exportcap/internal/store"
	"github.com/xkilldash9x/exportcap/internal/wait"
)

var (
	// ErrLoginFailed means the portal kept us on the login page.
	ErrLoginFailed = errors.New("login failed")
	// ErrNavigation means the bookings list could not be reached.
	ErrNavigation = errors.New("could not reach bookings list")
)

const bookingsAttempts = 3

// Views exported by Run, in order.
const (
	ViewBookings = "BOOKINGS"
	ViewServices = "SERVICES"
)

// Portal runs the export flow against one page.
type Portal struct {
	page     Page
	exporter Exporter
	recorder Recorder
	cfg      config.PortalConfig
	out      config.OutputConfig
	logger   *zap.Logger

	now   func() time.Time
	stamp string

	// poll and patience bound every wait for the page to reach a state.
	poll     time.Duration
	patience time.Duration
}

// Option customizes a Portal.
type Option func(*Portal)

// WithRecorder stores every export in a run ledger.
func WithRecorder(r Recorder) Option {
	return func(p *Portal) { p.recorder = r }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Portal) { p.now = now }
}

func New(page Page, exporter Exporter, cfg config.PortalConfig, out config.OutputConfig, logger *zap.Logger, opts ...Option) *Portal {
	p := &Portal{
		page:     page,
		exporter: exporter,
		cfg:      cfg,
		out:      out,
		logger:   logger.Named("portal"),
		now:      time.Now,
		poll:     250 * time.Millisecond,
		patience: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.stamp = p.now().Format(out.StampLayout)
	return p
}

// await polls until the page satisfies cond or patience runs out.
func (p *Portal) await(ctx context.Context, cond func(ctx context.Context) bool) error {
	return wait.Until(ctx, p.poll, p.patience, func(ctx context.Context) (bool, error) {
		return cond(ctx), nil
	})
}

func (p *Portal) offLogin(ctx context.Context) bool {
	current, err := p.page.CurrentURL(ctx)
	return err == nil && !strings.Contains(strings.ToLower(current), "login")
}

// Stamp is the timestamp embedded in every artifact name of this run.
func (p *Portal) Stamp() string { return p.stamp }

// OutputPath returns the export file for a view.
func (p *Portal) OutputPath(view string) string {
	return filepath.Join(p.out.Dir, fmt.Sprintf("%s_%s.xlsx", view, p.stamp))
}

// Screenshot saves a debug capture of the page when enabled. Failures are logged.
func (p *Portal) Screenshot(ctx context.Context, name string) {
	if !p.out.Screenshots {
		return
	}
	file := filepath.Join(p.out.Dir, fmt.Sprintf("debug_%s_%s.png", name, p.stamp))
	if err := p.page.Screenshot(ctx, file); err != nil {
		p.logger.Warn("Screenshot failed.", zap.String("name", name), zap.Error(err))
		return
	}
	p.logger.Debug("Screenshot saved.", zap.String("path", file))
}

// Login signs in and dismisses the consent banner if one shows up.
func (p *Portal) Login(ctx context.Context) error {
	sel := p.cfg.Selectors
	p.logger.Info("Logging in.", zap.String("user", p.cfg.Username))

	if err := p.page.Navigate(ctx, p.cfg.LoginURL); err != nil {
		return err
	}
	if err := p.page.Fill(ctx, sel.UsernameInput, p.cfg.Username); err != nil {
		return fmt.Errorf("username: %w", err)
	}
	if err := p.page.Fill(ctx, sel.PasswordInput, p.cfg.Password); err != nil {
		return fmt.Errorf("password: %w", err)
	}
	clicked, err := p.page.ClickText(ctx, sel.SubmitText)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	if !clicked {
		if clicked, err = p.page.JSClick(ctx, "button[type=submit]"); err != nil || !clicked {
			return fmt.Errorf("submit: %w", capture.ErrElementNotFound)
		}
	}
	if err := p.page.WaitForAjax(ctx); err != nil {
		return err
	}

	if sel.ConsentText != "" {
		if ok, _ := p.page.ClickText(ctx, sel.ConsentText); ok {
			p.logger.Debug("Consent banner dismissed.")
			_ = p.page.WaitForAjax(ctx)
		}
	}

	err = p.await(ctx, p.offLogin)
	p.Screenshot(ctx, "01_after_login")
	current, _ := p.page.CurrentURL(ctx)
	if errors.Is(err, wait.ErrTimeout) {
		return fmt.Errorf("%w: still on %s", ErrLoginFailed, current)
	}
	if err != nil {
		return err
	}
	p.logger.Info("Logged in.", zap.String("url", current))
	return nil
}

// listPrefix is the path every bookings list view lives under.
func listPrefix(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return raw
	}
	return path.Dir(u.Path)
}

func (p *Portal) onBookings(ctx context.Context) bool {
	current, err := p.page.CurrentURL(ctx)
	if err != nil {
		return false
	}
	return strings.Contains(current, listPrefix(p.cfg.BookingsURL))
}

// OpenBookings reaches the bookings list, retrying with a scripted redirect.
func (p *Portal) OpenBookings(ctx context.Context) error {
	for attempt := 1; attempt <= bookingsAttempts; attempt++ {
		if p.onBookings(ctx) {
			return nil
		}
		log := p.logger.With(zap.Int("attempt", attempt), zap.Int("max_attempts", bookingsAttempts))
		log.Info("Navigating to bookings.")

		if err := p.page.Navigate(ctx, p.cfg.BookingsURL); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("Navigation error.", zap.Error(err))
		}
		if err := p.await(ctx, p.onBookings); err == nil {
			return nil
		} else if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := p.page.Evaluate(ctx, redirectScript(p.cfg.BookingsURL), nil); err != nil {
			log.Debug("Scripted redirect failed.", zap.Error(err))
		}
		_ = p.page.WaitForAjax(ctx)
		if err := p.await(ctx, p.onBookings); err == nil {
			log.Info("Reached bookings via scripted redirect.")
			return nil
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	p.Screenshot(ctx, "admin_nav_failed")
	current, _ := p.page.CurrentURL(ctx)
	return fmt.Errorf("%w after %d attempts, current URL %s", ErrNavigation, bookingsAttempts, current)
}

// ApplyFilters opens the filter panel, sets the departure window, search type
// and status, submits, and summarizes the resulting list.
func (p *Portal) ApplyFilters(ctx context.Context, w Window) (Summary, error) {
	sel := p.cfg.Selectors
	form := p.cfg.Export.Form

	if err := p.OpenBookings(ctx); err != nil {
		return Summary{}, err
	}
	p.Screenshot(ctx, "02_bookings_loaded")

	if !p.clickAny(ctx, sel.FilterToggle, sel.FilterToggleAlt) {
		if ok, _ := p.page.ClickText(ctx, sel.FilterToggleText); !ok {
			p.logger.Warn("Could not open the filter panel.")
			p.Screenshot(ctx, "filter_panel_fail")
		}
	}
	if err := p.page.WaitVisible(ctx, sel.FilterForm); err != nil {
		if ctx.Err() != nil {
			return Summary{}, ctx.Err()
		}
		p.logger.Warn("Filter form did not appear.", zap.Error(err))
		p.Screenshot(ctx, "filter_form_missing")
	}
	p.Screenshot(ctx, "03_filters_opened")

	if !p.clickAny(ctx, sel.ClearDates) {
		_, _ = p.page.ClickText(ctx, sel.ClearDatesText)
	}

	from, to := w.Format(p.cfg.Filters.DateLayout)
	var datesSet bool
	if err := p.page.Evaluate(ctx, setDatesScript(sel.DepartureFrom, sel.DepartureTo, form, from, to), &datesSet); err != nil {
		return Summary{}, fmt.Errorf("set departure dates: %w", err)
	}
	if !datesSet {
		return Summary{}, fmt.Errorf("set departure dates: %w", capture.ErrElementNotFound)
	}
	if err := p.page.WaitForAjax(ctx); err != nil {
		return Summary{}, err
	}
	p.logger.Info("Departure dates set.", zap.String("from", from), zap.String("to", to))

	var typeSet bool
	if err := p.page.Evaluate(ctx, selectOptionScript(sel.SearchType, p.cfg.Filters.SearchType), &typeSet); err != nil {
		return Summary{}, fmt.Errorf("set search type: %w", err)
	}
	if !typeSet {
		p.logger.Warn("Search type option not found.", zap.String("search_type", p.cfg.Filters.SearchType))
	}

	var toggled int
	if err := p.page.Evaluate(ctx, statusScript(p.cfg.Filters.Status), &toggled); err != nil {
		return Summary{}, fmt.Errorf("set status: %w", err)
	}
	p.Screenshot(ctx, "04_filters_set")

	var submitted bool
	if err := p.page.Evaluate(ctx, submitScript(sel.SearchButton, form), &submitted); err != nil {
		return Summary{}, fmt.Errorf("submit filters: %w", err)
	}
	if err := p.page.WaitForAjax(ctx); err != nil {
		return Summary{}, err
	}
	if p.clickAny(ctx, sel.ApplyButton) {
		_ = p.page.WaitForAjax(ctx)
	}
	if ok, _ := p.page.ClickText(ctx, sel.ApplyText); ok {
		_ = p.page.WaitForAjax(ctx)
	}
	p.Screenshot(ctx, "05_after_apply")

	html, err := p.page.OuterHTML(ctx, "html")
	if err != nil {
		return Summary{}, fmt.Errorf("read results: %w", err)
	}
	summary, err := Summarize(html, sel.ResultsTable, sel.Pager)
	if err != nil {
		return Summary{}, err
	}
	p.logger.Info("Filters applied.",
		zap.Int("rows", summary.Rows),
		zap.String("pager", summary.Pager),
		zap.Int("status_toggled", toggled),
		zap.Bool("framework_submit", submitted))
	return summary, nil
}

// clickAny clicks the first selector that matches anything.
func (p *Portal) clickAny(ctx context.Context, selectors ...string) bool {
	for _, s := range selectors {
		if s == "" {
			continue
		}
		if ok, err := p.page.JSClick(ctx, s); err == nil && ok {
			return true
		}
	}
	return false
}

// ExportView captures the export of the current list view into its file and
// records the run when a ledger is configured.
func (p *Portal) ExportView(ctx context.Context, view string) (capture.CaptureResult, error) {
	exp := p.cfg.Export
	req, err := capture.NewExportRequest(exp.TriggerID, exp.Form, p.OutputPath(view),
		capture.WithLabel(exp.Label), capture.WithMenu(exp.Menu))
	if err != nil {
		return capture.CaptureResult{}, err
	}
	p.logger.Info("Exporting.", zap.String("view", view), zap.String("path", req.OutputPath()), zap.String("request_id", req.ID()))

	started := p.now()
	res, exportErr := p.exporter.Export(ctx, req)
	if p.recorder != nil {
		run := store.RunFromResult(req, res, started, p.now())
		run.Label = view
		if err := p.recorder.RecordExport(ctx, run); err != nil {
			p.logger.Warn("Could not record export run.", zap.String("view", view), zap.Error(err))
		}
	}
	if exportErr != nil {
		return res, fmt.Errorf("export %s: %w", view, exportErr)
	}
	return res, nil
}

// Report is what one full run produced.
type Report struct {
	Stamp      string
	Window     Window
	Summary    Summary
	Exports    map[string]capture.CaptureResult
	Files      []string
	ReportPath string
}

// Run performs the full flow: login, filters, both exports and the filter report.
func (p *Portal) Run(ctx context.Context) (report Report, err error) {
	defer func() {
		if err != nil && ctx.Err() == nil {
			p.Screenshot(ctx, "CRASH")
		}
	}()

	w := NewWindow(p.now(), p.cfg.Filters.FromDays, p.cfg.Filters.ToDays)
	report = Report{Stamp: p.stamp, Window: w, Exports: make(map[string]capture.CaptureResult)}

	if err = p.Login(ctx); err != nil {
		return report, err
	}
	if report.Summary, err = p.ApplyFilters(ctx, w); err != nil {
		return report, err
	}

	res, err := p.ExportView(ctx, ViewBookings)
	report.Exports[ViewBookings] = res
	if err != nil {
		return report, err
	}
	report.Files = append(report.Files, p.OutputPath(ViewBookings))

	p.logger.Info("Switching to the services view.")
	if err = p.page.Navigate(ctx, p.cfg.ServicesURL); err != nil {
		return report, err
	}
	if err = p.page.WaitForAjax(ctx); err != nil {
		return report, err
	}
	p.Screenshot(ctx, "06_services_view")

	res, err = p.ExportView(ctx, ViewServices)
	report.Exports[ViewServices] = res
	if err != nil {
		return report, err
	}
	report.Files = append(report.Files, p.OutputPath(ViewServices))

	if report.ReportPath, err = p.WriteFilterReport(w); err != nil {
		return report, err
	}
	report.Files = append(report.Files, report.ReportPath)
	return report, nil
}
