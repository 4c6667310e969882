package capture

import (
	"context"
	"strings"
)

// Portal is the browsing session as seen by the capture core.
type Portal interface {
	// Activate clicks the element. It returns ErrElementNotFound when nothing matches.
	Activate(ctx context.Context, loc Locator) error
	// Invoke performs the framework-level asynchronous call the trigger would make.
	Invoke(ctx context.Context, triggerID, form string) error
	OnDownload(fn func(Download)) (unsubscribe func())
	OnResponse(fn func(Response)) (unsubscribe func())
}

// Download is a completed (or failed) native browser download.
type Download struct {
	GUID              string
	URL               string
	SuggestedFilename string
	Data              []byte
	Err               error
}

// Response is one finished HTTP response observed in the session.
type Response struct {
	URL      string
	Status   int
	MimeType string
	Headers  map[string]string
	Body     []byte
}

// Header returns the named header using a case-insensitive match.
func (r Response) Header(name string) string {
	if v, ok := r.Headers[name]; ok {
		return v
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
