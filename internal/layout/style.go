package layout

import (
	"strings"

	"github.com/skeinweb/skein/internal/dom"
	"github.com/skeinweb/skein/internal/render"
)

// Display is the box generation mode of an element.
type Display uint8

const (
	DisplayBlock Display = iota
	DisplayInline
	DisplayNone
)

// Style is the computed style of one node. FontSize, Bold and Color
// inherit; the rest is per element.
type Style struct {
	Display       Display
	FontSize      float64
	Bold          bool
	Color         render.Color
	Background    render.Color
	HasBackground bool
	MarginY       float64
}

// StyledNode pairs a snapshot node with its computed style.
type StyledNode struct {
	Node     *dom.Node
	Style    Style
	Children []*StyledNode
}

type uaRule struct {
	display  Display
	fontSize float64
	bold     bool
	color    *render.Color
	marginY  float64
}

// The user agent sheet. Unlisted elements default to inline with
// inherited text style.
var uaSheet = map[string]uaRule{
	"head":     {display: DisplayNone},
	"title":    {display: DisplayNone},
	"meta":     {display: DisplayNone},
	"link":     {display: DisplayNone},
	"base":     {display: DisplayNone},
	"script":   {display: DisplayNone},
	"style":    {display: DisplayNone},
	"noscript": {display: DisplayNone},

	"html":       {display: DisplayBlock},
	"body":       {display: DisplayBlock, marginY: 8},
	"div":        {display: DisplayBlock, marginY: 4},
	"section":    {display: DisplayBlock, marginY: 4},
	"article":    {display: DisplayBlock, marginY: 4},
	"main":       {display: DisplayBlock, marginY: 4},
	"header":     {display: DisplayBlock, marginY: 4},
	"footer":     {display: DisplayBlock, marginY: 4},
	"nav":        {display: DisplayBlock, marginY: 4},
	"pre":        {display: DisplayBlock, marginY: 8},
	"blockquote": {display: DisplayBlock, marginY: 8},
	"ul":         {display: DisplayBlock, marginY: 8},
	"ol":         {display: DisplayBlock, marginY: 8},
	"li":         {display: DisplayBlock, marginY: 2},
	"p":          {display: DisplayBlock, marginY: 8},
	"br":         {display: DisplayBlock},

	"h1": {display: DisplayBlock, fontSize: 32, bold: true, marginY: 16},
	"h2": {display: DisplayBlock, fontSize: 24, bold: true, marginY: 14},
	"h3": {display: DisplayBlock, fontSize: 19, bold: true, marginY: 12},
	"h4": {display: DisplayBlock, fontSize: 16, bold: true, marginY: 10},

	"a":      {display: DisplayInline, color: &render.Blue},
	"strong": {display: DisplayInline, bold: true},
	"b":      {display: DisplayInline, bold: true},
	"em":     {display: DisplayInline},
	"span":   {display: DisplayInline},
	"img":    {display: DisplayInline},
}

const defaultFontSize = 16

// ComputeStyles walks a snapshot and computes a style for every node.
// Display:none subtrees are pruned here, before any box exists.
func ComputeStyles(root *dom.Node) *StyledNode {
	base := Style{
		Display:  DisplayBlock,
		FontSize: defaultFontSize,
		Color:    render.Black,
	}
	return styleNode(root, base)
}

func styleNode(n *dom.Node, inherited Style) *StyledNode {
	s := inherited
	s.Display = DisplayInline
	s.HasBackground = false
	s.MarginY = 0

	if n.Kind == dom.ElementNode {
		if rule, ok := uaSheet[n.Tag]; ok {
			s.Display = rule.display
			if rule.fontSize > 0 {
				s.FontSize = rule.fontSize
			}
			if rule.bold {
				s.Bold = true
			}
			if rule.color != nil {
				s.Color = *rule.color
			}
			s.MarginY = rule.marginY
		}
		if s.Display == DisplayNone {
			return &StyledNode{Node: n, Style: s}
		}
		if bg, ok := parseColor(n.Attr("bgcolor")); ok {
			s.Background = bg
			s.HasBackground = true
		}
	}

	styled := &StyledNode{Node: n, Style: s}
	for _, child := range n.Children {
		cs := styleNode(child, s)
		if cs.Style.Display == DisplayNone {
			continue
		}
		styled.Children = append(styled.Children, cs)
	}
	return styled
}

var namedColors = map[string]render.Color{
	"white":  render.White,
	"black":  render.Black,
	"red":    {R: 255, G: 0, B: 0, A: 255},
	"green":  {R: 0, G: 128, B: 0, A: 255},
	"blue":   {R: 0, G: 0, B: 255, A: 255},
	"yellow": {R: 255, G: 255, B: 0, A: 255},
	"gray":   {R: 128, G: 128, B: 128, A: 255},
	"silver": {R: 192, G: 192, B: 192, A: 255},
}

// parseColor understands #rgb, #rrggbb and a few legacy names.
func parseColor(v string) (render.Color, bool) {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return render.Color{}, false
	}
	if c, ok := namedColors[v]; ok {
		return c, true
	}
	if !strings.HasPrefix(v, "#") {
		return render.Color{}, false
	}
	hex := v[1:]
	switch len(hex) {
	case 3:
		r, okR := hexNibble(hex[0])
		g, okG := hexNibble(hex[1])
		b, okB := hexNibble(hex[2])
		if !okR || !okG || !okB {
			return render.Color{}, false
		}
		return render.Color{R: r * 17, G: g * 17, B: b * 17, A: 255}, true
	case 6:
		var out [3]uint8
		for i := 0; i < 3; i++ {
			hi, okHi := hexNibble(hex[2*i])
			lo, okLo := hexNibble(hex[2*i+1])
			if !okHi || !okLo {
				return render.Color{}, false
			}
			out[i] = hi*16 + lo
		}
		return render.Color{R: out[0], G: out[1], B: out[2], A: 255}, true
	}
	return render.Color{}, false
}

func hexNibble(b byte) (uint8, bool) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', true
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, true
	}
	return 0, false
}
