package portal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/exportcap/internal/capture"
	"github.com/xkilldash9x/exportcap/internal/config"
	"github.com/xkilldash9x/exportcap/internal/store"
)

const resultsHTML = `<html><body>
<table><tbody>
<tr><td>B-1</td></tr><tr><td>B-2</td></tr><tr><td>B-3</td></tr>
</tbody></table>
<span class="ui-paginator-current">(1 of 1)</span>
</body></html>`

// fakePage is a scripted Page. A navigation lands on its target unless
// landing maps it elsewhere.
type fakePage struct {
	mu          sync.Mutex
	url         string
	navigations []string
	clicks      []string
	texts       []string
	fills       map[string]string
	scripts     []string
	screenshots []string

	missing     map[string]bool
	landing     map[string]string
	navigateErr error
	evalHook    func(script string, res interface{}) error
}

func newFakePage() *fakePage {
	return &fakePage{fills: map[string]string{}, missing: map[string]bool{}, landing: map[string]string{}}
}

func (f *fakePage) Activate(context.Context, capture.Locator) error { return nil }
func (f *fakePage) Invoke(context.Context, string, string) error { return nil }
func (f *fakePage) OnDownload(func(capture.Download)) func() { return func() {} }
func (f *fakePage) OnResponse(func(capture.Response)) func() { return func() {} }
func (f *fakePage) WaitForAjax(context.Context) error { return nil }
func (f *fakePage) WaitVisible(_ context.Context, selector string) error {
	if f.missing[selector] {
		return errors.New("timeout")
	}
	return nil
}

func (f *fakePage) Navigate(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.navigations = append(f.navigations, url)
	f.url = url
	if to, ok := f.landing[url]; ok {
		f.url = to
	}
	return f.navigateErr
}

func (f *fakePage) Fill(_ context.Context, selector, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fills[selector] = value
	return nil
}

func (f *fakePage) JSClick(_ context.Context, selector string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[selector] {
		return false, nil
	}
	f.clicks = append(f.clicks, selector)
	return true, nil
}

func (f *fakePage) ClickText(_ context.Context, text string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[text] {
		return false, nil
	}
	f.texts = append(f.texts, text)
	return true, nil
}

func (f *fakePage) Evaluate(_ context.Context, script string, res interface{}) error {
	f.mu.Lock()
	f.scripts = append(f.scripts, script)
	hook := f.evalHook
	f.mu.Unlock()
	if hook != nil {
		return hook(script, res)
	}
	switch r := res.(type) {
	case *bool:
		*r = true
	case *int:
		*r = 1
	}
	return nil
}

func (f *fakePage) CurrentURL(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url, nil
}

func (f *fakePage) OuterHTML(context.Context, string) (string, error) { return resultsHTML, nil }

func (f *fakePage) Screenshot(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.screenshots = append(f.screenshots, filepath.Base(path))
	return nil
}

type mockExporter struct {
	mock.Mock
}

func (m *mockExporter) Export(ctx context.Context, req capture.ExportRequest) (capture.CaptureResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(capture.CaptureResult), args.Error(1)
}

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) RecordExport(ctx context.Context, run store.Run) error {
	return m.Called(ctx, run).Error(0)
}

var fixedNow = time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC)

func testConfig(t *testing.T) (config.PortalConfig, config.OutputConfig) {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	var cfg config.Config
	require.NoError(t, v.Unmarshal(&cfg))
	cfg.Portal.Username = "agent@example.com"
	cfg.Portal.Password = "secret"
	cfg.Output.Dir = t.TempDir()
	return cfg.Portal, cfg.Output
}

func newTestPortal(t *testing.T, page Page, exporter Exporter, logger *zap.Logger, opts ...Option) *Portal {
	t.Helper()
	cfg, out := testConfig(t)
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	p := New(page, exporter, cfg, out, logger, opts...)
	p.poll, p.patience = time.Millisecond, 20*time.Millisecond
	return p
}

func TestNewWindow(t *testing.T) {
	w := NewWindow(time.Date(2024, 12, 25, 23, 59, 0, 0, time.UTC), 10, 360)
	from, to := w.Format("02/01/2006")
	assert.Equal(t, "04/01/2025", from)
	assert.Equal(t, "20/12/2025", to)
}

func TestSummarize(t *testing.T) {
	s, err := Summarize(resultsHTML, "table tbody tr", ".ui-paginator-current")
	require.NoError(t, err)
	if diff := cmp.Diff(Summary{Rows: 3, Pager: "(1 of 1)"}, s); diff != "" {
		t.Errorf("Summarize mismatch (-want +got):\n%s", diff)
	}

	s, err = Summarize("<html><body><p>No records found.</p></body></html>", "table tbody tr", ".ui-paginator-current")
	require.NoError(t, err)
	assert.Equal(t, Summary{Rows: 0, Pager: "no pager"}, s)
}

func TestLogin(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		page := newFakePage()
		p := newTestPortal(t, page, nil, zap.NewNop())
		page.landing[p.cfg.LoginURL] = "https://mitika.travel/home?tripId=64"

		require.NoError(t, p.Login(context.Background()))
		assert.Equal(t, "agent@example.com", page.fills[p.cfg.Selectors.UsernameInput])
		assert.Equal(t, "secret", page.fills[p.cfg.Selectors.PasswordInput])
		assert.Equal(t, []string{"Siguiente", "Aceptar todo"}, page.texts)
		assert.Contains(t, page.screenshots, "debug_01_after_login_2024_03_05_1430.png")
	})

	t.Run("still on the login page", func(t *testing.T) {
		page := newFakePage()
		p := newTestPortal(t, page, nil, zap.NewNop())

		err := p.Login(context.Background())
		assert.ErrorIs(t, err, ErrLoginFailed)
	})

	t.Run("submit falls back to the form button", func(t *testing.T) {
		page := newFakePage()
		page.missing["Siguiente"] = true
		p := newTestPortal(t, page, nil, zap.NewNop())
		page.landing[p.cfg.LoginURL] = "https://mitika.travel/home"

		require.NoError(t, p.Login(context.Background()))
		assert.Contains(t, page.clicks, "button[type=submit]")
	})
}

func TestOpenBookings(t *testing.T) {
	t.Run("already there", func(t *testing.T) {
		page := newFakePage()
		page.url = "https://mitika.travel/admin/bookings/List.xhtml"
		p := newTestPortal(t, page, nil, zap.NewNop())

		require.NoError(t, p.OpenBookings(context.Background()))
		assert.Empty(t, page.navigations)
	})

	t.Run("aborted navigation still lands", func(t *testing.T) {
		page := newFakePage()
		page.navigateErr = errors.New("net::ERR_ABORTED")
		p := newTestPortal(t, page, nil, zap.NewNop())

		require.NoError(t, p.OpenBookings(context.Background()))
		assert.Len(t, page.navigations, 1)
	})

	t.Run("gives up after three attempts", func(t *testing.T) {
		page := newFakePage()
		p := newTestPortal(t, page, nil, zap.NewNop())
		page.landing[p.cfg.BookingsURL] = "https://mitika.travel/home"

		err := p.OpenBookings(context.Background())
		assert.ErrorIs(t, err, ErrNavigation)
		assert.Len(t, page.navigations, bookingsAttempts)
		assert.Contains(t, page.screenshots, "debug_admin_nav_failed_2024_03_05_1430.png")
	})
}

func TestApplyFilters(t *testing.T) {
	t.Run("sets the window and summarizes", func(t *testing.T) {
		page := newFakePage()
		page.url = "https://mitika.travel/admin/bookings/List.xhtml"
		p := newTestPortal(t, page, nil, zap.NewNop())

		w := NewWindow(fixedNow, 10, 360)
		summary, err := p.ApplyFilters(context.Background(), w)
		require.NoError(t, err)
		assert.Equal(t, 3, summary.Rows)
		assert.Equal(t, "(1 of 1)", summary.Pager)

		assert.Equal(t, []string{"#clickOtherFilters", "button.dev-clear-dates", "button.applyFilters"}, page.clicks)
		joined := strings.Join(page.scripts, "\n")
		assert.Contains(t, joined, `"15/03/2024", "28/02/2025"`)
		assert.Contains(t, joined, `"HOTELS"`)
		assert.Contains(t, joined, `"RESERVED"`)
		assert.Contains(t, page.screenshots, "debug_05_after_apply_2024_03_05_1430.png")
	})

	t.Run("missing date inputs fail the run", func(t *testing.T) {
		page := newFakePage()
		page.url = "https://mitika.travel/admin/bookings/List.xhtml"
		page.evalHook = func(script string, res interface{}) error {
			if b, ok := res.(*bool); ok {
				*b = !strings.Contains(script, "_input")
			}
			return nil
		}
		p := newTestPortal(t, page, nil, zap.NewNop())

		_, err := p.ApplyFilters(context.Background(), NewWindow(fixedNow, 10, 360))
		assert.ErrorIs(t, err, capture.ErrElementNotFound)
	})

	t.Run("filter panel falls back to text", func(t *testing.T) {
		page := newFakePage()
		page.url = "https://mitika.travel/admin/bookings/List.xhtml"
		page.missing["#clickOtherFilters"] = true
		page.missing["a.dev-open-filters"] = true
		p := newTestPortal(t, page, nil, zap.NewNop())

		_, err := p.ApplyFilters(context.Background(), NewWindow(fixedNow, 10, 360))
		require.NoError(t, err)
		assert.Contains(t, page.texts, "Filtros")
	})
}

func TestExportView(t *testing.T) {
	t.Run("records the run under the view name", func(t *testing.T) {
		exporter := &mockExporter{}
		recorder := &mockRecorder{}
		p := newTestPortal(t, newFakePage(), exporter, zap.NewNop(), WithRecorder(recorder))

		res := capture.CaptureResult{Data: []byte("PK"), Source: capture.SourceDownloadEvent}
		exporter.On("Export", mock.Anything, mock.MatchedBy(func(req capture.ExportRequest) bool {
			return req.TriggerID() == "[id$='exportExcel']" &&
				req.Form() == "search-form" &&
				req.Menu() == "[id$='exportButton']" &&
				req.Label() == "Excel" &&
				filepath.Base(req.OutputPath()) == "BOOKINGS_2024_03_05_1430.xlsx"
		})).Return(res, nil).Once()
		recorder.On("RecordExport", mock.Anything, mock.MatchedBy(func(run store.Run) bool {
			return run.Label == ViewBookings && run.Success && run.Source == "download_event"
		})).Return(nil).Once()

		got, err := p.ExportView(context.Background(), ViewBookings)
		require.NoError(t, err)
		assert.Equal(t, capture.SourceDownloadEvent, got.Source)
		exporter.AssertExpectations(t)
		recorder.AssertExpectations(t)
	})

	t.Run("ledger failures are only logged", func(t *testing.T) {
		exporter := &mockExporter{}
		recorder := &mockRecorder{}
		core, logs := observer.New(zap.WarnLevel)
		p := newTestPortal(t, newFakePage(), exporter, zap.New(core), WithRecorder(recorder))

		exhausted := &capture.ExhaustedError{RequestID: "r"}
		exporter.On("Export", mock.Anything, mock.Anything).Return(capture.CaptureResult{Err: exhausted}, exhausted)
		recorder.On("RecordExport", mock.Anything, mock.Anything).Return(errors.New("connection refused"))

		_, err := p.ExportView(context.Background(), ViewServices)
		assert.ErrorIs(t, err, capture.ErrExhausted)
		assert.Equal(t, 1, logs.FilterMessage("Could not record export run.").Len())
	})
}

func TestRun(t *testing.T) {
	page := newFakePage()
	exporter := &mockExporter{}
	exporter.On("Export", mock.Anything, mock.Anything).Return(capture.CaptureResult{Data: []byte("PK")}, nil).Twice()

	p := newTestPortal(t, page, exporter, zap.NewNop())
	page.landing[p.cfg.LoginURL] = "https://mitika.travel/home"

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2024_03_05_1430", report.Stamp)
	assert.Len(t, report.Exports, 2)
	require.Len(t, report.Files, 3)
	assert.Equal(t, "FILTER_PARAMS_2024_03_05_1430.txt", filepath.Base(report.ReportPath))
	assert.Equal(t, "https://mitika.travel/admin/bookings/List.xhtml?view=services", page.navigations[len(page.navigations)-1])
	exporter.AssertExpectations(t)

	content, err := os.ReadFile(report.ReportPath)
	require.NoError(t, err)
	text := string(content)
	assert.Contains(t, text, "Departure date from  : 15/03/2024")
	assert.Contains(t, text, "Departure date to    : 28/02/2025")
	assert.Contains(t, text, "Bookings : BOOKINGS_2024_03_05_1430.xlsx")
	assert.Contains(t, text, "Services : SERVICES_2024_03_05_1430.xlsx")
	assert.Contains(t, text, "User           : agent@example.com")
}

func TestRunScreenshotsOnCrash(t *testing.T) {
	page := newFakePage()
	p := newTestPortal(t, page, &mockExporter{}, zap.NewNop())

	_, err := p.Run(context.Background())
	assert.ErrorIs(t, err, ErrLoginFailed)
	assert.Contains(t, page.screenshots, "debug_CRASH_2024_03_05_1430.png")
}
