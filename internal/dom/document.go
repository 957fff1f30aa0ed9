package dom

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Document is a pipeline-private parsed page.
type Document struct {
	url  string
	base *url.URL
	root *html.Node
	sel  *goquery.Document
}

// Parse builds a Document from UTF-8 markup. The page URL anchors
// relative reference resolution; a <base href> overrides it.
func Parse(pageURL string, markup []byte) (*Document, error) {
	root, err := html.Parse(bytes.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("dom: parse %s: %w", pageURL, err)
	}

	d := &Document{
		url:  pageURL,
		root: root,
		sel:  goquery.NewDocumentFromNode(root),
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		base = nil
	}
	if href, ok := d.sel.Find("base[href]").First().Attr("href"); ok && base != nil {
		if rebased, err := base.Parse(href); err == nil {
			base = rebased
		}
	}
	d.base = base
	return d, nil
}

// URL returns the page URL the document was loaded from.
func (d *Document) URL() string { return d.url }

// Title returns the text of the first <title> element.
func (d *Document) Title() string {
	return strings.TrimSpace(d.sel.Find("title").First().Text())
}

// SetTitle replaces the document title, creating the <title> element
// under <head> when the page has none.
func (d *Document) SetTitle(title string) {
	if t := d.sel.Find("title").First(); t.Length() > 0 {
		(&Element{doc: d, n: t.Get(0)}).SetTextContent(title)
		return
	}
	head := d.sel.Find("head").First()
	if head.Length() == 0 {
		return
	}
	t := &html.Node{Type: html.ElementNode, Data: "title"}
	t.AppendChild(&html.Node{Type: html.TextNode, Data: title})
	head.Get(0).AppendChild(t)
}

// Find runs a CSS selector over the document.
func (d *Document) Find(selector string) *goquery.Selection {
	return d.sel.Find(selector)
}

// QueryOne returns the first element matching the selector, or nil.
func (d *Document) QueryOne(selector string) *Element {
	s := d.sel.Find(selector).First()
	if s.Length() == 0 {
		return nil
	}
	return &Element{doc: d, n: s.Get(0)}
}

// QueryAll returns every element matching the selector.
func (d *Document) QueryAll(selector string) []*Element {
	var out []*Element
	d.sel.Find(selector).Each(func(_ int, s *goquery.Selection) {
		out = append(out, &Element{doc: d, n: s.Get(0)})
	})
	return out
}

// ElementByID returns the element with the given id attribute, or nil.
func (d *Document) ElementByID(id string) *Element {
	return d.QueryOne("#" + id)
}

// ResolveURL resolves a reference against the document base.
func (d *Document) ResolveURL(ref string) (string, error) {
	if d.base == nil {
		return ref, nil
	}
	u, err := d.base.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("dom: resolve %q: %w", ref, err)
	}
	return u.String(), nil
}

// ImageURLs collects the resolved src of every <img>, deduplicated in
// document order. These feed the image cache prefetch pass.
func (d *Document) ImageURLs() []string {
	var urls []string
	d.sel.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		if src == "" {
			return
		}
		resolved, err := d.ResolveURL(src)
		if err != nil {
			return
		}
		urls = append(urls, resolved)
	})
	return dedupe(urls)
}

// InlineScripts returns the source text of every <script> without a src
// attribute, in document order. Typed scripts other than JavaScript are
// skipped.
func (d *Document) InlineScripts() []string {
	var scripts []string
	d.sel.Find("script").Each(func(_ int, s *goquery.Selection) {
		if _, external := s.Attr("src"); external {
			return
		}
		if typ, ok := s.Attr("type"); ok {
			switch strings.ToLower(strings.TrimSpace(typ)) {
			case "", "text/javascript", "application/javascript", "module":
			default:
				return
			}
		}
		if text := s.Text(); strings.TrimSpace(text) != "" {
			scripts = append(scripts, text)
		}
	})
	return scripts
}

// Links collects the resolved href of every anchor, deduplicated.
func (d *Document) Links() []string {
	var urls []string
	d.sel.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		resolved, err := d.ResolveURL(href)
		if err != nil {
			return
		}
		urls = append(urls, resolved)
	})
	return dedupe(urls)
}

// Text returns the page's visible text with whitespace collapsed.
func (d *Document) Text() string {
	body := d.sel.Find("body")
	if body.Length() == 0 {
		return ""
	}
	clone := body.Clone()
	clone.Find("script, style, noscript").Remove()
	return collapse(clone.Text())
}

// Body returns the <body> element, or nil for fragment documents.
func (d *Document) Body() *Element {
	return d.QueryOne("body")
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := items[:0]
	for _, item := range items {
		if _, dup := seen[item]; dup {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
