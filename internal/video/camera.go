// Package video captures camera frames and paces them to the live session.
package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// ErrCameraUnavailable reports a missing camera device or capture tool.
var ErrCameraUnavailable = errors.New("camera unavailable")

// CameraConfig selects the V4L2 device and the raw capture size.
type CameraConfig struct {
	Device string
	// FFmpeg is the capture binary followed by extra leading arguments.
	FFmpeg []string
	Width  int
	Height int
}

func (c CameraConfig) withDefaults() CameraConfig {
	if strings.TrimSpace(c.Device) == "" {
		c.Device = "/dev/video0"
	}
	if len(c.FFmpeg) == 0 || strings.TrimSpace(c.FFmpeg[0]) == "" {
		c.FFmpeg = []string{"ffmpeg"}
	}
	if c.Width <= 0 {
		c.Width = 640
	}
	if c.Height <= 0 {
		c.Height = 480
	}
	return c
}

// Camera runs ffmpeg as a raw RGB frame source and keeps the most recent frame.
type Camera struct {
	cfg    CameraConfig
	logger *slog.Logger

	cmd    *exec.Cmd
	stderr bytes.Buffer
	done   chan struct{}

	mu     sync.Mutex
	latest image.Image
	err    error

	closeOnce sync.Once
}

// OpenCamera starts capturing from cfg.Device.
func OpenCamera(ctx context.Context, cfg CameraConfig, logger *slog.Logger) (*Camera, error) {
	cfg = cfg.withDefaults()
	if _, err := os.Stat(cfg.Device); err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %s: %w", ErrCameraUnavailable, cfg.Device, err)
		}
		return nil, fmt.Errorf("%w: %s not found", ErrCameraUnavailable, cfg.Device)
	}
	bin, err := exec.LookPath(cfg.FFmpeg[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %s not found in PATH", ErrCameraUnavailable, cfg.FFmpeg[0])
	}

	cam := &Camera{cfg: cfg, logger: logger, done: make(chan struct{})}
	cam.cmd = exec.CommandContext(ctx, bin, ffmpegArgs(cfg)...)
	cam.cmd.Stderr = &cam.stderr
	stdout, err := cam.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("camera stdout pipe: %w", err)
	}
	if err := cam.cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %w", ErrCameraUnavailable, bin, err)
	}

	go cam.run(stdout)
	return cam, nil
}

func ffmpegArgs(cfg CameraConfig) []string {
	args := append([]string(nil), cfg.FFmpeg[1:]...)
	return append(args,
		"-hide_banner",
		"-loglevel", "error",
		"-f", "v4l2",
		"-video_size", strconv.Itoa(cfg.Width) + "x" + strconv.Itoa(cfg.Height),
		"-i", cfg.Device,
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-",
	)
}

func (c *Camera) run(stdout io.Reader) {
	defer close(c.done)
	err := readFrames(stdout, c.cfg.Width, c.cfg.Height, c.store)
	waitErr := c.cmd.Wait()
	if err == nil {
		err = waitErr
	}
	if err != nil {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		if c.logger != nil {
			c.logger.Debug("camera capture ended", "error", err.Error(), "stderr", strings.TrimSpace(c.stderr.String()))
		}
	}
}

func (c *Camera) store(frame image.Image) {
	c.mu.Lock()
	c.latest = frame
	c.mu.Unlock()
}

// Latest returns the most recent frame, if any has arrived.
func (c *Camera) Latest() (image.Image, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest, c.latest != nil
}

// Err reports why capture stopped, if it did.
func (c *Camera) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close stops ffmpeg and waits for the reader to exit. Repeated calls are no-ops.
func (c *Camera) Close() error {
	c.closeOnce.Do(func() {
		if c.cmd != nil && c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
		if c.done != nil {
			<-c.done
		}
	})
	return nil
}

// readFrames decodes consecutive rgb24 frames until r is exhausted.
func readFrames(r io.Reader, width, height int, store func(image.Image)) error {
	frameSize := width * height * 3
	if frameSize <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	buf := make([]byte, frameSize)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("read camera frame: %w", err)
		}
		store(rgbToImage(buf, width, height))
	}
}

func rgbToImage(rgb []byte, width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i, j := 0, 0; i+2 < len(rgb) && j+3 < len(img.Pix); i, j = i+3, j+4 {
		img.Pix[j] = rgb[i]
		img.Pix[j+1] = rgb[i+1]
		img.Pix[j+2] = rgb[i+2]
		img.Pix[j+3] = 0xff
	}
	return img
}
