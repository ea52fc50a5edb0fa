package video

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadFramesDecodesRGB24(t *testing.T) {
	raw := []byte{
		255, 0, 0, 0, 255, 0,
		0, 0, 255, 10, 20, 30,
	}
	raw = append(raw, raw...)

	var frames []image.Image
	err := readFrames(bytes.NewReader(raw), 2, 2, func(img image.Image) { frames = append(frames, img) })
	require.NoError(t, err)
	require.Len(t, frames, 2)

	img := frames[0]
	require.Equal(t, image.Rect(0, 0, 2, 2), img.Bounds())
	require.Equal(t, color.RGBA{R: 255, A: 255}, img.At(0, 0))
	require.Equal(t, color.RGBA{G: 255, A: 255}, img.At(1, 0))
	require.Equal(t, color.RGBA{R: 10, G: 20, B: 30, A: 255}, img.At(1, 1))
}

func TestReadFramesIgnoresTrailingPartialFrame(t *testing.T) {
	raw := make([]byte, 2*2*3+5)
	count := 0
	require.NoError(t, readFrames(bytes.NewReader(raw), 2, 2, func(image.Image) { count++ }))
	require.Equal(t, 1, count)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("device lost") }

func TestReadFramesPropagatesReadError(t *testing.T) {
	err := readFrames(failingReader{}, 2, 2, func(image.Image) {})
	require.ErrorContains(t, err, "device lost")
}

func TestReadFramesRejectsInvalidSize(t *testing.T) {
	require.Error(t, readFrames(bytes.NewReader(nil), 0, 10, func(image.Image) {}))
}

func TestOpenCameraMissingDevice(t *testing.T) {
	_, err := OpenCamera(context.Background(), CameraConfig{Device: filepath.Join(t.TempDir(), "video9")}, nil)
	require.ErrorIs(t, err, ErrCameraUnavailable)
}

func TestOpenCameraMissingFFmpeg(t *testing.T) {
	device := filepath.Join(t.TempDir(), "video0")
	require.NoError(t, writeFile(device))

	_, err := OpenCamera(context.Background(), CameraConfig{Device: device, FFmpeg: []string{"definitely-not-ffmpeg"}}, nil)
	require.ErrorIs(t, err, ErrCameraUnavailable)
}

func TestFFmpegArgs(t *testing.T) {
	args := ffmpegArgs(CameraConfig{}.withDefaults())
	require.Contains(t, args, "/dev/video0")
	require.Contains(t, args, "640x480")
	require.Contains(t, args, "rgb24")
}

func TestFFmpegArgsKeepsExtraLeadingArgs(t *testing.T) {
	args := ffmpegArgs(CameraConfig{FFmpeg: []string{"ffmpeg", "-thread_queue_size", "64"}}.withDefaults())
	require.Equal(t, []string{"-thread_queue_size", "64", "-hide_banner"}, args[:3])
	require.Equal(t, "-", args[len(args)-1])
}
