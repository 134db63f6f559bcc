package query

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// HTMLDocument is a Document over a static HTML snapshot.
type HTMLDocument struct {
	doc *goquery.Document
}

// NewHTMLDocument parses r into a static document.
func NewHTMLDocument(r io.Reader) (*HTMLDocument, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &HTMLDocument{doc: doc}, nil
}

// ParseHTML is NewHTMLDocument for an in-memory string.
func ParseHTML(html string) (*HTMLDocument, error) {
	return NewHTMLDocument(strings.NewReader(html))
}

// QueryAll implements Document.
func (d *HTMLDocument) QueryAll(ctx context.Context, selector string) ([]Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("query canceled: %w", err)
	}
	selection := d.doc.Find(selector)
	out := make([]Element, 0, selection.Length())
	selection.Each(func(_ int, s *goquery.Selection) {
		el := Element{Text: s.Text(), Attrs: map[string]string{}}
		if node := s.Get(0); node != nil {
			for _, a := range node.Attr {
				el.Attrs[a.Key] = a.Val
			}
		}
		out = append(out, el)
	})
	return out, nil
}

// Evaluate implements Document. Static snapshots cannot run scripts; it
// still reports ErrNoElement first so callers see a consistent contract.
func (d *HTMLDocument) Evaluate(_ context.Context, selector, _ string, _, _ any) error {
	if d.doc.Find(selector).Length() == 0 {
		return ErrNoElement
	}
	return ErrUnsupported
}
