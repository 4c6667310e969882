package portal

import "time"

// Window is the departure-date range the bookings are filtered on.
type Window struct {
	From time.Time
	To   time.Time
}

// NewWindow spans fromDays to toDays after now, both calendar days.
func NewWindow(now time.Time, fromDays, toDays int) Window {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return Window{From: day.AddDate(0, 0, fromDays), To: day.AddDate(0, 0, toDays)}
}

// Format renders both ends with layout.
func (w Window) Format(layout string) (string, string) {
	return w.From.Format(layout), w.To.Format(layout)
}
