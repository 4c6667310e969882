package portal

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Summary describes the result list after filtering.
type Summary struct {
	Rows  int
	Pager string
}

func (s Summary) String() string {
	return fmt.Sprintf("rows=%d pager=%q", s.Rows, s.Pager)
}

// Summarize counts result rows and reads the pager text from page markup.
func Summarize(html, rowSelector, pagerSelector string) (Summary, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Summary{}, fmt.Errorf("parse results page: %w", err)
	}
	s := Summary{Rows: doc.Find(rowSelector).Length(), Pager: "no pager"}
	if pager := doc.Find(pagerSelector).First(); pager.Length() > 0 {
		s.Pager = strings.Join(strings.Fields(pager.Text()), " ")
	}
	return s, nil
}
