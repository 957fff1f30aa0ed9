package layout

import (
	"math"
	"strings"

	"github.com/skeinweb/skein/internal/dom"
	"github.com/skeinweb/skein/internal/imagecache"
	"github.com/skeinweb/skein/internal/render"
	"github.com/skeinweb/skein/internal/sched"
)

// BoxKind discriminates layout boxes.
type BoxKind uint8

const (
	BoxBlock BoxKind = iota
	BoxText
	BoxImage
)

// Box is one node of the flow tree. Geometry is in device pixels; Rect
// becomes absolute in the final placement pass.
type Box struct {
	Kind  BoxKind
	Style Style

	Text     string   // BoxText
	lines    []string // wrapped during the height pass
	ImageURL string   // BoxImage
	imgW     float64  // decoded dimensions, 0 until measured
	imgH     float64

	Rect      render.Rect
	intrinsic float64 // preferred width, bubbled bottom-up
	offsetY   float64 // relative to parent content box

	Children []*Box
}

const (
	// crude text metrics for a monospace-ish default face
	charWidthRatio  = 0.5
	lineHeightRatio = 1.4

	// fallback size for images that failed to decode
	placeholderSide = 80
)

func textWidth(s string, fontSize float64) float64 {
	return float64(len([]rune(s))) * fontSize * charWidthRatio
}

func lineHeight(fontSize float64) float64 {
	return fontSize * lineHeightRatio
}

// BuildBoxes turns the styled body subtree into a flow tree. The root
// box is the body; a document without a body yields an empty root.
func BuildBoxes(styled *StyledNode, images *imagecache.PipelineCache) *Box {
	body := findBody(styled)
	if body == nil {
		return &Box{Kind: BoxBlock, Style: Style{Display: DisplayBlock, FontSize: defaultFontSize, Color: render.Black}}
	}
	return buildBox(body, images)
}

func findBody(n *StyledNode) *StyledNode {
	if n.Node.Kind == dom.ElementNode && n.Node.Tag == "body" {
		return n
	}
	for _, c := range n.Children {
		if found := findBody(c); found != nil {
			return found
		}
	}
	return nil
}

func buildBox(sn *StyledNode, images *imagecache.PipelineCache) *Box {
	if sn.Node.Kind == dom.TextNode {
		return &Box{Kind: BoxText, Style: sn.Style, Text: sn.Node.Text}
	}

	if sn.Node.Tag == "img" {
		box := &Box{Kind: BoxImage, Style: sn.Style, ImageURL: sn.Node.Attr("src")}
		if images != nil {
			if img, ok := images.Image(box.ImageURL); ok {
				box.imgW = float64(img.Width)
				box.imgH = float64(img.Height)
			}
		}
		if box.imgW == 0 {
			box.imgW, box.imgH = placeholderSide, placeholderSide
		}
		return box
	}

	box := &Box{Kind: BoxBlock, Style: sn.Style}
	for _, c := range sn.Children {
		box.Children = append(box.Children, buildBox(c, images))
	}
	return box
}

// bubbleWidths is the bottom-up intrinsic width pass.
func bubbleWidths(b *Box) {
	switch b.Kind {
	case BoxText:
		b.intrinsic = textWidth(b.Text, b.Style.FontSize)
	case BoxImage:
		b.intrinsic = b.imgW
	case BoxBlock:
		for _, c := range b.Children {
			bubbleWidths(c)
			if c.intrinsic > b.intrinsic {
				b.intrinsic = c.intrinsic
			}
		}
	}
}

// assignWidths is the top-down available width pass.
func assignWidths(b *Box, avail float64) {
	if avail < 0 {
		avail = 0
	}
	switch b.Kind {
	case BoxText:
		b.Rect.Width = avail
	case BoxImage:
		b.Rect.Width = math.Min(b.imgW, avail)
	case BoxBlock:
		b.Rect.Width = avail
		for _, c := range b.Children {
			assignWidths(c, avail)
		}
	}
}

// assignHeights is the bottom-up size pass: text wraps into lines,
// images scale preserving aspect, blocks stack children vertically.
func assignHeights(b *Box) {
	switch b.Kind {
	case BoxText:
		b.lines = wrapText(b.Text, b.Rect.Width, b.Style.FontSize)
		b.Rect.Height = float64(len(b.lines)) * lineHeight(b.Style.FontSize)
	case BoxImage:
		if b.imgW > 0 && b.Rect.Width < b.imgW {
			b.Rect.Height = b.imgH * (b.Rect.Width / b.imgW)
		} else {
			b.Rect.Height = b.imgH
		}
	case BoxBlock:
		y := b.Style.MarginY
		for _, c := range b.Children {
			assignHeights(c)
			y += c.Style.MarginY
			c.offsetY = y
			y += c.Rect.Height + c.Style.MarginY
		}
		b.Rect.Height = y + b.Style.MarginY
	}
}

// place converts relative offsets into absolute coordinates.
func place(b *Box, x, y float64) {
	b.Rect.X = x
	b.Rect.Y = y
	for _, c := range b.Children {
		place(c, x, y+c.offsetY)
	}
}

// Solve runs the three constraint passes over the flow tree. With a work
// queue and more than one top-level child, the bottom-up passes fan out
// across subtrees; the top-down width pass stays sequential.
func Solve(root *Box, viewport render.Size, queue *sched.WorkQueue) {
	avail := float64(viewport.Width) - 2*root.Style.MarginY

	if queue != nil && len(root.Children) > 1 {
		queue.RunN(len(root.Children), func(i int) {
			bubbleWidths(root.Children[i])
		})
		for _, c := range root.Children {
			if c.intrinsic > root.intrinsic {
				root.intrinsic = c.intrinsic
			}
		}

		assignWidths(root, avail)

		queue.RunN(len(root.Children), func(i int) {
			assignHeights(root.Children[i])
		})
		stackChildren(root)
	} else {
		bubbleWidths(root)
		assignWidths(root, avail)
		assignHeights(root)
	}

	place(root, root.Style.MarginY, 0)
}

// stackChildren repeats the block-stacking portion of assignHeights for
// a root whose children were sized in parallel.
func stackChildren(b *Box) {
	y := b.Style.MarginY
	for _, c := range b.Children {
		y += c.Style.MarginY
		c.offsetY = y
		y += c.Rect.Height + c.Style.MarginY
	}
	b.Rect.Height = y + b.Style.MarginY
}

func wrapText(s string, width, fontSize float64) []string {
	words := strings.Fields(s)
	if len(words) == 0 {
		return nil
	}
	if width <= 0 {
		return []string{strings.Join(words, " ")}
	}

	var lines []string
	line := words[0]
	for _, w := range words[1:] {
		if textWidth(line+" "+w, fontSize) > width {
			lines = append(lines, line)
			line = w
			continue
		}
		line += " " + w
	}
	return append(lines, line)
}
