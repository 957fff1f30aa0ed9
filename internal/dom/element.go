package dom

import (
	"strings"

	"golang.org/x/net/html"
)

// Element is a live handle onto one element node. Handles stay valid
// across mutations as long as the node remains in the tree.
type Element struct {
	doc *Document
	n   *html.Node
}

// TagName returns the lowercase tag name.
func (e *Element) TagName() string { return e.n.Data }

// ID returns the id attribute.
func (e *Element) ID() string { return e.Attr("id") }

// ClassName returns the class attribute.
func (e *Element) ClassName() string { return e.Attr("class") }

// Attr returns the named attribute, or "".
func (e *Element) Attr(name string) string {
	for _, a := range e.n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

// SetAttr sets or replaces the named attribute.
func (e *Element) SetAttr(name, value string) {
	for i, a := range e.n.Attr {
		if a.Key == name {
			e.n.Attr[i].Val = value
			return
		}
	}
	e.n.Attr = append(e.n.Attr, html.Attribute{Key: name, Val: value})
}

// TextContent returns the concatenated text beneath the element with
// whitespace collapsed.
func (e *Element) TextContent() string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(e.n)
	return collapse(b.String())
}

// SetTextContent replaces the element's children with one text node.
func (e *Element) SetTextContent(text string) {
	for e.n.FirstChild != nil {
		e.n.RemoveChild(e.n.FirstChild)
	}
	e.n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
}

// CreateElement builds a detached element owned by the document.
func (d *Document) CreateElement(tag string) *Element {
	return &Element{
		doc: d,
		n:   &html.Node{Type: html.ElementNode, Data: strings.ToLower(tag)},
	}
}

// AppendChild attaches a detached child under e.
func (e *Element) AppendChild(child *Element) {
	if child.n.Parent != nil {
		child.n.Parent.RemoveChild(child.n)
	}
	e.n.AppendChild(child.n)
}

// Remove detaches the element from its parent.
func (e *Element) Remove() {
	if e.n.Parent != nil {
		e.n.Parent.RemoveChild(e.n)
	}
}

// Children returns the element children in order, text nodes excluded.
func (e *Element) Children() []*Element {
	var out []*Element
	for c := e.n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			out = append(out, &Element{doc: e.doc, n: c})
		}
	}
	return out
}
