package encode

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/require"
)

func solidFrame(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 40, B: 90, A: 255})
		}
	}
	return img
}

func TestJPEGDownscalesToMaxWidth(t *testing.T) {
	out, err := JPEG(solidFrame(1280, 720), JPEGOptions{MaxWidth: 640, Quality: 70})
	require.NoError(t, err)

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	require.Equal(t, 640, cfg.Width)
	require.Equal(t, 360, cfg.Height)
}

func TestJPEGKeepsSmallFrames(t *testing.T) {
	out, err := JPEG(solidFrame(320, 240), JPEGOptions{MaxWidth: 640})
	require.NoError(t, err)

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	require.Equal(t, 320, cfg.Width)
	require.Equal(t, 240, cfg.Height)
}

func TestJPEGRejectsEmptyFrames(t *testing.T) {
	_, err := JPEG(nil, JPEGOptions{})
	require.Error(t, err)

	_, err = JPEG(image.NewRGBA(image.Rect(0, 0, 0, 0)), JPEGOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "empty frame")
}
