package query

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrNoElement is returned by Evaluate when the selector matches nothing.
	ErrNoElement = errors.New("no element matches selector")
	// ErrUnsupported is returned by documents that cannot run page scripts.
	ErrUnsupported = errors.New("page evaluation not supported")
)

// Element is a snapshot of one matched node.
type Element struct {
	Text  string
	Attrs map[string]string
}

// Document is the page a Query reads from.
type Document interface {
	// QueryAll returns every element matching selector in document order.
	QueryAll(ctx context.Context, selector string) ([]Element, error)
	// Evaluate runs script against the first element matching selector and
	// decodes the result into out. script is a function expression taking
	// (element, arg).
	Evaluate(ctx context.Context, selector, script string, arg, out any) error
}

// Query is the extraction facade bound to one page.
type Query struct {
	doc Document
}

// New binds a Query to doc.
func New(doc Document) *Query {
	return &Query{doc: doc}
}

// Text returns the trimmed text of the first match, or nil.
func (q *Query) Text(ctx context.Context, selector string) (*string, error) {
	elements, err := q.all(ctx, selector)
	if err != nil || len(elements) == 0 {
		return nil, err
	}
	text := strings.TrimSpace(elements[0].Text)
	return &text, nil
}

// Texts returns the trimmed text of every match.
func (q *Query) Texts(ctx context.Context, selector string) ([]*string, error) {
	elements, err := q.all(ctx, selector)
	if err != nil {
		return nil, err
	}
	out := make([]*string, len(elements))
	for i, el := range elements {
		text := strings.TrimSpace(el.Text)
		out[i] = &text
	}
	return out, nil
}

// Attr returns the named attribute of the first match. It is nil when nothing
// matches or the attribute is not set.
func (q *Query) Attr(ctx context.Context, selector, name string) (*string, error) {
	elements, err := q.all(ctx, selector)
	if err != nil || len(elements) == 0 {
		return nil, err
	}
	return attr(elements[0], name), nil
}

// Attrs returns the named attribute of every match.
func (q *Query) Attrs(ctx context.Context, selector, name string) ([]*string, error) {
	elements, err := q.all(ctx, selector)
	if err != nil {
		return nil, err
	}
	out := make([]*string, len(elements))
	for i, el := range elements {
		out[i] = attr(el, name)
	}
	return out, nil
}

// Match applies re to the text of the first match and returns the full match
// followed by its capture groups, or nil.
func (q *Query) Match(ctx context.Context, selector string, re *regexp.Regexp) ([]string, error) {
	text, err := q.Text(ctx, selector)
	if err != nil || text == nil {
		return nil, err
	}
	return re.FindStringSubmatch(*text), nil
}

// Matches is the per-element form of Match.
func (q *Query) Matches(ctx context.Context, selector string, re *regexp.Regexp) ([][]string, error) {
	texts, err := q.Texts(ctx, selector)
	if err != nil {
		return nil, err
	}
	out := make([][]string, len(texts))
	for i, text := range texts {
		out[i] = re.FindStringSubmatch(*text)
	}
	return out, nil
}

// Evaluate runs script in the page against the first element matching
// selector and returns its result as R.
func Evaluate[R any](ctx context.Context, q *Query, selector, script string, arg any) (R, error) {
	var out R
	if err := q.doc.Evaluate(ctx, selector, script, arg, &out); err != nil {
		if errors.Is(err, ErrNoElement) {
			return out, err
		}
		return out, fmt.Errorf("evaluate %q: %w", selector, err)
	}
	return out, nil
}

// Group returns the capture group at index i, or "" when match is too short.
func Group(match []string, i int) string {
	if i < 0 || i >= len(match) {
		return ""
	}
	return match[i]
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Compact drops nil and empty entries from a batch result.
func Compact(values []*string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != nil && *v != "" {
			out = append(out, *v)
		}
	}
	return out
}

func (q *Query) all(ctx context.Context, selector string) ([]Element, error) {
	elements, err := q.doc.QueryAll(ctx, selector)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", selector, err)
	}
	return elements, nil
}

func attr(el Element, name string) *string {
	value, ok := el.Attrs[name]
	if !ok {
		return nil
	}
	return &value
}
