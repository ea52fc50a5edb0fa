package encode

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

const (
	DefaultJPEGQuality = 70
	DefaultMaxWidth    = 640
)

// JPEGOptions controls frame downscaling and compression.
type JPEGOptions struct {
	MaxWidth int
	Quality  int
}

// JPEG downsamples img to at most MaxWidth pixels wide and encodes it.
func JPEG(img image.Image, opts JPEGOptions) ([]byte, error) {
	if img == nil {
		return nil, errors.New("nil frame")
	}
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, fmt.Errorf("empty frame %dx%d", bounds.Dx(), bounds.Dy())
	}

	quality := opts.Quality
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}

	src := img
	if opts.MaxWidth > 0 && bounds.Dx() > opts.MaxWidth {
		height := bounds.Dy() * opts.MaxWidth / bounds.Dx()
		if height < 1 {
			height = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, opts.MaxWidth, height))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Src, nil)
		src = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
