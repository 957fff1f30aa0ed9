package layout

import (
	"github.com/skeinweb/skein/internal/imagecache"
	"github.com/skeinweb/skein/internal/render"
)

// BuildDisplayList flattens the placed flow tree into paint order. The
// page background travels on the tree, not as an item, so a blank page
// produces an empty list.
func BuildDisplayList(root *Box, viewport render.Size, images *imagecache.PipelineCache) *render.Tree {
	tree := &render.Tree{
		Viewport:   viewport,
		Background: render.White,
	}
	if root.Style.HasBackground {
		tree.Background = root.Style.Background
	}
	paintBox(root, tree, images, root)
	return tree
}

func paintBox(b *Box, tree *render.Tree, images *imagecache.PipelineCache, root *Box) {
	switch b.Kind {
	case BoxBlock:
		// the root background is the tree background
		if b.Style.HasBackground && b != root {
			tree.Items = append(tree.Items, render.DisplayItem{
				Kind:   render.KindRect,
				Bounds: b.Rect,
				Color:  b.Style.Background,
			})
		}
		for _, c := range b.Children {
			paintBox(c, tree, images, root)
		}

	case BoxText:
		lh := lineHeight(b.Style.FontSize)
		for i, line := range b.lines {
			tree.Items = append(tree.Items, render.DisplayItem{
				Kind: render.KindText,
				Bounds: render.Rect{
					X:      b.Rect.X,
					Y:      b.Rect.Y + float64(i)*lh,
					Width:  textWidth(line, b.Style.FontSize),
					Height: lh,
				},
				Color:    b.Style.Color,
				Text:     line,
				FontSize: b.Style.FontSize,
			})
		}

	case BoxImage:
		var decoded *imagecache.DecodedImage
		if images != nil {
			if img, ok := images.Image(b.ImageURL); ok {
				decoded = img
			}
		}
		tree.Items = append(tree.Items, render.DisplayItem{
			Kind:     render.KindImage,
			Bounds:   b.Rect,
			ImageURL: b.ImageURL,
			Image:    decoded,
		})
	}
}
