package render

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/mitchellh/go-wordwrap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DefaultWordwrap is the line width of inferred text.
const DefaultWordwrap = 130

// TextOptions controls HTML to text conversion.
type TextOptions struct {
	// BaseURL resolves relative link and image URLs.
	BaseURL string

	// Wordwrap is the maximum line width. Zero disables wrapping.
	Wordwrap int

	// HideSameLinkText omits the link target when it equals the link text.
	HideSameLinkText bool
}

var blankLines = regexp.MustCompile(`\n{3,}`)

// TextConverter infers a plain-text body from HTML.
// Headings are upper-cased, links render as "text [url]", images as
// "alt [src]" and list items are bulleted.
type TextConverter struct {
	upper cases.Caser
}

// NewTextConverter creates a TextConverter.
func NewTextConverter() *TextConverter {
	return &TextConverter{upper: cases.Upper(language.Und)}
}

// Convert renders html as plain text.
func (c *TextConverter) Convert(html string, opts TextOptions) (string, error) {
	base, err := parseBase(opts.BaseURL)
	if err != nil {
		return "", err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	conv := &conversion{caser: c.upper, base: base, opts: opts}
	w := &textWriter{}
	conv.children(doc.Find("body"), w)

	lines := strings.Split(w.String(), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	text := blankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	text = strings.TrimSpace(text)

	if opts.Wordwrap > 0 {
		text = wordwrap.WrapString(text, uint(opts.Wordwrap))
	}
	return text, nil
}

type conversion struct {
	caser cases.Caser
	base  *url.URL
	opts  TextOptions
}

func (c *conversion) children(s *goquery.Selection, w *textWriter) {
	s.Contents().Each(func(_ int, n *goquery.Selection) {
		c.node(n, w)
	})
}

func (c *conversion) node(n *goquery.Selection, w *textWriter) {
	name := goquery.NodeName(n)
	switch name {
	case "#text":
		w.text(n.Text())
	case "#comment", "script", "style", "head", "title", "noscript":
	case "br":
		w.newlines(1)
	case "hr":
		w.newlines(1)
		w.write(strings.Repeat("-", max(min(c.opts.Wordwrap, 40), 3)))
		w.newlines(1)
	case "h1", "h2", "h3", "h4", "h5", "h6":
		w.newlines(2)
		w.write(c.caser.String(c.inner(n)))
		w.newlines(2)
	case "p", "blockquote", "pre", "table":
		w.newlines(2)
		c.children(n, w)
		w.newlines(2)
	case "div", "section", "article", "header", "footer", "tr", "ul", "ol", "center":
		w.newlines(1)
		c.children(n, w)
		w.newlines(1)
	case "li":
		w.newlines(1)
		w.write(" * ")
		c.children(n, w)
		w.newlines(1)
	case "td", "th":
		c.children(n, w)
		w.space = true
	case "a":
		w.write(c.link(n))
	case "img":
		w.write(c.image(n))
	default:
		c.children(n, w)
	}
}

func (c *conversion) inner(n *goquery.Selection) string {
	sub := &textWriter{}
	c.children(n, sub)
	return strings.TrimSpace(sub.String())
}

func (c *conversion) link(n *goquery.Selection) string {
	text := c.inner(n)
	href, _ := n.Attr("href")
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return text
	}
	href = resolveURL(c.base, href)
	if text == "" {
		return "[" + href + "]"
	}
	if c.opts.HideSameLinkText && (href == text || strings.TrimPrefix(href, "mailto:") == text) {
		return text
	}
	return text + " [" + href + "]"
}

func (c *conversion) image(n *goquery.Selection) string {
	alt := strings.TrimSpace(n.AttrOr("alt", ""))
	src := strings.TrimSpace(n.AttrOr("src", ""))
	if src == "" || strings.HasPrefix(src, "cid:") || strings.HasPrefix(src, "data:") {
		return alt
	}
	src = resolveURL(c.base, src)
	if alt == "" {
		return "[" + src + "]"
	}
	return alt + " [" + src + "]"
}

// textWriter accumulates text, collapsing whitespace between inline content.
type textWriter struct {
	sb    strings.Builder
	space bool
}

func (w *textWriter) String() string {
	return w.sb.String()
}

func (w *textWriter) text(s string) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		if s != "" {
			w.space = true
		}
		return
	}
	if isSpace(s[0]) {
		w.space = true
	}
	w.write(strings.Join(fields, " "))
	if isSpace(s[len(s)-1]) {
		w.space = true
	}
}

func (w *textWriter) write(s string) {
	if s == "" {
		return
	}
	if w.space && w.sb.Len() > 0 {
		if last := w.sb.String()[w.sb.Len()-1]; last != ' ' && last != '\n' {
			w.sb.WriteByte(' ')
		}
	}
	w.space = false
	w.sb.WriteString(s)
}

// newlines ensures the output ends with at least n line breaks.
func (w *textWriter) newlines(n int) {
	w.space = false
	if w.sb.Len() == 0 {
		return
	}
	s := w.sb.String()
	have := len(s) - len(strings.TrimRight(s, "\n"))
	for ; have < n; have++ {
		w.sb.WriteByte('\n')
	}
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\f'
}
