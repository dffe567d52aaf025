package inference

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
)

const jpegQuality = 90

// ResizeImage decodes a jpeg or png, scales it to width x height and returns it
// as a jpeg. A zero height keeps the aspect ratio.
func ResizeImage(data []byte, width, height int) ([]byte, error) {
	if width <= 0 || height < 0 {
		return nil, errors.New("width must be positive and height must not be negative")
	}

	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("error decoding image: %w", err)
	}

	bounds := src.Bounds()
	if height == 0 {
		height = max(1, bounds.Dy()*width/bounds.Dx())
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("error encoding %s image as jpeg: %w", format, err)
	}
	return buf.Bytes(), nil
}
