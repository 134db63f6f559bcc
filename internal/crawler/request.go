package crawler

import (
	"context"
	"regexp"

	"github.com/JakeFAU/congreso-crawler/internal/query"
)

// DefaultLabel routes requests that carry no label.
const DefaultLabel = "default"

// Request is one URL to visit together with the handler label it routes to.
type Request struct {
	URL   string
	Label string
	// Referrer is the page that enqueued the request. Empty for seeds.
	Referrer string
}

// LabelOrDefault returns the label used to route the request.
func (r Request) LabelOrDefault() string {
	if r.Label == "" {
		return DefaultLabel
	}
	return r.Label
}

// SessionState is a snapshot of a Session.
type SessionState struct {
	Running    bool   `json:"running"`
	CurrentURL string `json:"current_url,omitempty"`
}

// Browser opens pages for a session. Implementations must be safe for
// concurrent use.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is one open browser tab.
type Page interface {
	query.Document
	// Navigate loads url and waits for the document to be ready.
	Navigate(ctx context.Context, url string) error
	// URL reports the address of the loaded document after redirects.
	URL(ctx context.Context) (string, error)
	// Click clicks the first element matching selector.
	Click(ctx context.Context, selector string) error
	// SelectOption sets the value of a <select> element.
	SelectOption(ctx context.Context, selector, value string) error
	// WaitVisible blocks until selector matches a visible element.
	WaitVisible(ctx context.Context, selector string) error
	// WaitURL blocks until the page address matches pattern.
	WaitURL(ctx context.Context, pattern *regexp.Regexp) error
	Close() error
}
