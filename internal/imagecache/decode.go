package imagecache

import (
	"bytes"
	"fmt"
	"image"

	// register the formats the engine renders
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// DecodedImage is the shared, immutable result of one decode. Pointers to
// it are handed to every waiter and embedded in render trees; nobody may
// mutate Pixels after construction.
type DecodedImage struct {
	URL    string
	Format string
	Width  int
	Height int
	Pixels image.Image
	Bytes  int64 // decoded size estimate for budget accounting
}

// Decode turns an encoded payload into a DecodedImage.
func Decode(url string, data []byte) (*DecodedImage, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	bounds := img.Bounds()
	return &DecodedImage{
		URL:    url,
		Format: format,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		Pixels: img,
		Bytes:  int64(bounds.Dx()) * int64(bounds.Dy()) * 4,
	}, nil
}
