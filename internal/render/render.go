package render

import "github.com/skeinweb/skein/internal/imagecache"

// Color is an sRGB color with straight alpha.
type Color struct {
	R, G, B, A uint8
}

var (
	White = Color{255, 255, 255, 255}
	Black = Color{0, 0, 0, 255}
	Blue  = Color{0, 0, 238, 255}
)

// Size is a viewport size in device pixels.
type Size struct {
	Width  int
	Height int
}

// Rect is a box in device pixels, y growing downward.
type Rect struct {
	X, Y          float64
	Width, Height float64
}

// ItemKind discriminates display items.
type ItemKind uint8

const (
	KindRect ItemKind = iota
	KindText
	KindImage
)

// DisplayItem is one paint command. Items are plain values; the only
// pointer they carry is the shared immutable decoded image.
type DisplayItem struct {
	Kind   ItemKind
	Bounds Rect

	// KindRect fill, KindText ink
	Color Color

	// KindText
	Text     string
	FontSize float64

	// KindImage. Image is nil when the decode failed and the box renders
	// as a placeholder rect.
	ImageURL string
	Image    *imagecache.DecodedImage
}

// Tree is the display list for one laid-out page, in paint order. A tree
// is transferred by message and never aliased back by its builder.
type Tree struct {
	Viewport   Size
	Background Color
	Items      []DisplayItem
}

// Clone deep-copies the tree. Decoded image pointers are shared: the
// payloads are immutable and pointer identity is how the cache dedupes.
func (t *Tree) Clone() *Tree {
	if t == nil {
		return nil
	}
	out := &Tree{
		Viewport:   t.Viewport,
		Background: t.Background,
	}
	if len(t.Items) > 0 {
		out.Items = make([]DisplayItem, len(t.Items))
		copy(out.Items, t.Items)
	}
	return out
}

// Images returns the distinct decoded images the tree references.
func (t *Tree) Images() []*imagecache.DecodedImage {
	seen := make(map[*imagecache.DecodedImage]struct{})
	var out []*imagecache.DecodedImage
	for i := range t.Items {
		img := t.Items[i].Image
		if img == nil {
			continue
		}
		if _, dup := seen[img]; dup {
			continue
		}
		seen[img] = struct{}{}
		out = append(out, img)
	}
	return out
}
