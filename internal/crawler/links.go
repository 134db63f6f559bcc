package crawler

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/gobwas/glob"
)

// EnqueueOptions selects the links a handler adds to the frontier.
//
// When URLs is empty the candidates are the anchors of the current page.
// When Globs is non-empty only candidates matching at least one pattern are
// kept. Every kept link is routed to Label.
type EnqueueOptions struct {
	Label string
	URLs  []string
	Globs []string
}

// NormalizeURL returns the visited-set key for rawURL: lowercase scheme and
// host, default ports and fragments stripped, query parameters sorted.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(u.Host, ":80"):
		u.Host = strings.TrimSuffix(u.Host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(u.Host, ":443"):
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.RawFragment = ""
	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}
	return u.String(), nil
}

// compileGlobs compiles patterns where * matches any run of characters,
// slashes included.
func compileGlobs(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile glob %q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

func matchAny(globs []glob.Glob, s string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}

// collectLinks resolves the candidate links for opts against base and keeps
// absolute http(s) URLs that pass the glob filter.
func collectLinks(ctx context.Context, c *Context, opts EnqueueOptions) ([]string, error) {
	globs, err := compileGlobs(opts.Globs)
	if err != nil {
		return nil, err
	}

	candidates := opts.URLs
	if len(candidates) == 0 {
		hrefs, err := c.Query.Attrs(ctx, "a[href]", "href")
		if err != nil {
			return nil, fmt.Errorf("read anchors: %w", err)
		}
		candidates = make([]string, 0, len(hrefs))
		for _, href := range hrefs {
			if href != nil {
				candidates = append(candidates, *href)
			}
		}
	}

	base, err := c.pageURL(ctx)
	if err != nil {
		return nil, err
	}

	links := make([]string, 0, len(candidates))
	for _, raw := range candidates {
		abs, ok := resolve(base, raw)
		if !ok || !matchAny(globs, abs) {
			continue
		}
		links = append(links, abs)
	}
	return links, nil
}

func resolve(base *url.URL, raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "#") {
		return "", false
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return "", false
	}
	ref.Fragment = ""
	ref.RawFragment = ""
	return ref.String(), true
}
