package portal

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
	"go.uber.org/zap"
)

// FilterReport renders the companion text file describing the filters a run used.
func (p *Portal) FilterReport(w Window) string {
	from, to := w.Format(p.cfg.Filters.DateLayout)
	const iso = "2006-01-02"
	now := p.now()

	var b strings.Builder
	line := func(format string, args ...interface{}) {
		fmt.Fprintf(&b, format+"\n", args...)
	}
	line("BOOKINGS EXPORT LOG")
	line("%s", strings.Repeat("=", 44))
	line("")
	line("Execution time : %s", now.Format("2006-01-02 15:04:05"))
	line("User           : %s", p.cfg.Username)
	line("URL (bookings) : %s", p.cfg.BookingsURL)
	line("URL (services) : %s", p.cfg.ServicesURL)
	line("")
	line("APPLIED FILTERS")
	line("%s", strings.Repeat("-", 24))
	line("Search type          : %s", p.cfg.Filters.SearchType)
	line("Status               : %s", p.cfg.Filters.Status)
	line("Departure date from  : %s", from)
	line("Departure date to    : %s", to)
	line("Creation date filter : removed")
	line("")
	line("FILTER LOGIC")
	line("%s", strings.Repeat("-", 24))
	line("From = today + %d days  (%s + %d = %s)", p.cfg.Filters.FromDays, now.Format(iso), p.cfg.Filters.FromDays, w.From.Format(iso))
	line("To   = today + %d days (%s + %d = %s)", p.cfg.Filters.ToDays, now.Format(iso), p.cfg.Filters.ToDays, w.To.Format(iso))
	line("")
	line("OUTPUT FILES")
	line("%s", strings.Repeat("-", 24))
	line("Bookings : %s", filepath.Base(p.OutputPath(ViewBookings)))
	fmt.Fprintf(&b, "Services : %s", filepath.Base(p.OutputPath(ViewServices)))
	return b.String()
}

// WriteFilterReport writes FILTER_PARAMS_<stamp>.txt next to the exports.
func (p *Portal) WriteFilterReport(w Window) (string, error) {
	path := filepath.Join(p.out.Dir, fmt.Sprintf("FILTER_PARAMS_%s.txt", p.stamp))
	if err := os.MkdirAll(p.out.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	if err := atomic.WriteFile(path, strings.NewReader(p.FilterReport(w))); err != nil {
		return "", fmt.Errorf("write filter report: %w", err)
	}
	p.logger.Info("Filter parameters saved.", zap.String("path", path))
	return path, nil
}
