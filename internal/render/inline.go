// Package render provides the default HTML collaborators used before dispatch:
// resolving relative links and images against a base authority, and inferring a
// plain-text body from HTML.
package render

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// urlAttributes lists the element attributes that carry resolvable URLs.
var urlAttributes = []struct {
	selector string
	attr     string
}{
	{"a[href]", "href"},
	{"area[href]", "href"},
	{"link[href]", "href"},
	{"img[src]", "src"},
	{"[background]", "background"},
}

// AuthorityInliner rewrites relative URLs of an HTML document against the
// message authority. It does not inline CSS.
type AuthorityInliner struct{}

// NewAuthorityInliner creates an AuthorityInliner.
func NewAuthorityInliner() *AuthorityInliner {
	return &AuthorityInliner{}
}

// Inline returns html with every relative link and image resolved against
// authority. An empty authority returns html unchanged.
func (i *AuthorityInliner) Inline(ctx context.Context, html, authority string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if authority == "" {
		return html, nil
	}

	base, err := parseBase(authority)
	if err != nil {
		return "", err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	for _, ua := range urlAttributes {
		doc.Find(ua.selector).Each(func(_ int, s *goquery.Selection) {
			if v, ok := s.Attr(ua.attr); ok {
				s.SetAttr(ua.attr, resolveURL(base, v))
			}
		})
	}

	out, err := doc.Html()
	if err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}
	return out, nil
}

func parseBase(authority string) (*url.URL, error) {
	if authority == "" {
		return nil, nil
	}
	base, err := url.Parse(authority)
	if err != nil {
		return nil, fmt.Errorf("parse authority %q: %w", authority, err)
	}
	if !base.IsAbs() {
		return nil, fmt.Errorf("authority %q is not an absolute URL", authority)
	}
	return base, nil
}

// resolveURL resolves ref against base. Absolute URLs, fragments, merge
// placeholders and anything that does not parse are returned unchanged.
func resolveURL(base *url.URL, ref string) string {
	trimmed := strings.TrimSpace(ref)
	if base == nil || trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.Contains(trimmed, "%recipient.") {
		return ref
	}
	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme != "" {
		return ref
	}
	return base.ResolveReference(u).String()
}
