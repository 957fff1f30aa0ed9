package dom

import "golang.org/x/net/html"

// NodeKind discriminates snapshot nodes.
type NodeKind int

const (
	ElementNode NodeKind = iota
	TextNode
)

// Node is one node of an ownership-transferred document snapshot. Layout
// consumes these; they share no memory with the live tree.
type Node struct {
	Kind     NodeKind
	Tag      string
	Text     string
	Attrs    map[string]string
	Children []*Node
}

// Attr returns the named attribute, or "".
func (n *Node) Attr(name string) string {
	if n.Attrs == nil {
		return ""
	}
	return n.Attrs[name]
}

// Snapshot copies the document into a fresh value tree rooted at <html>.
// Comments and doctype nodes are dropped; text that collapses to nothing
// is dropped. Image src attributes are resolved against the document
// base so they match the URLs reported by ImageURLs. Every call
// allocates a new tree, so the caller may send it across a channel and
// forget it.
func (d *Document) Snapshot() *Node {
	rootElem := d.htmlElement()
	if rootElem == nil {
		return &Node{Kind: ElementNode, Tag: "html"}
	}
	return d.snapshotNode(rootElem)
}

func (d *Document) htmlElement() *html.Node {
	for c := d.root.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == "html" {
			return c
		}
	}
	return nil
}

func (d *Document) snapshotNode(n *html.Node) *Node {
	out := &Node{Kind: ElementNode, Tag: n.Data}
	if len(n.Attr) > 0 {
		out.Attrs = make(map[string]string, len(n.Attr))
		for _, a := range n.Attr {
			out.Attrs[a.Key] = a.Val
		}
	}
	if n.Data == "img" {
		if src, ok := out.Attrs["src"]; ok && src != "" {
			if abs, err := d.ResolveURL(src); err == nil {
				out.Attrs["src"] = abs
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.ElementNode:
			out.Children = append(out.Children, d.snapshotNode(c))
		case html.TextNode:
			if text := collapse(c.Data); text != "" {
				out.Children = append(out.Children, &Node{Kind: TextNode, Text: text})
			}
		}
	}
	return out
}
