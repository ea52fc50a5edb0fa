package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/rbright/parlo/internal/audio"
	"github.com/rbright/parlo/internal/config"
	"github.com/rbright/parlo/internal/history"
	"github.com/rbright/parlo/internal/live"
	"github.com/rbright/parlo/internal/metrics"
	"github.com/rbright/parlo/internal/session"
	"github.com/rbright/parlo/internal/video"
)

// loadDotEnv reads .env from the working directory and next to the config
// file. Variables already present in the environment win.
func loadDotEnv(configPath string) []string {
	candidates := []string{".env"}
	if dir := filepath.Dir(configPath); configPath != "" && dir != "." {
		candidates = append(candidates, filepath.Join(dir, ".env"))
	}

	var loaded []string
	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err == nil {
			loaded = append(loaded, path)
		}
	}
	return loaded
}

// deviceResources opens real Pulse, camera, and live model handles.
type deviceResources struct {
	cfg    config.Config
	dialer live.Dialer
	logger *slog.Logger
}

func newDeviceResources(cfg config.Config, logger *slog.Logger) (*deviceResources, error) {
	apiKey := strings.TrimSpace(os.Getenv(cfg.Live.APIKeyEnv))
	dialer, err := live.NewDialer(cfg.Live.Backend, live.DialerOptions{
		APIKey:   apiKey,
		Endpoint: cfg.Live.Endpoint,
	})
	if err != nil {
		if apiKey == "" {
			return nil, fmt.Errorf("%w (set %s)", err, cfg.Live.APIKeyEnv)
		}
		return nil, err
	}
	return &deviceResources{cfg: cfg, dialer: dialer, logger: logger}, nil
}

func (d *deviceResources) OpenMicrophone(ctx context.Context, onFrame func([]float32)) (session.Microphone, error) {
	selection, err := audio.SelectDevice(ctx, d.cfg.Audio.Input, d.cfg.Audio.Fallback)
	if err != nil {
		return nil, err
	}
	if selection.Warning != "" && d.logger != nil {
		d.logger.Warn("audio input fallback", "device", selection.Device.ID, "warning", selection.Warning)
	}

	capture, err := audio.OpenCapture(ctx, selection.Device, audio.Constraints{
		FrameSamples: d.cfg.Audio.FrameSamples,
	}, onFrame)
	if err != nil {
		return nil, err
	}
	return capture, nil
}

func (d *deviceResources) OpenCamera(ctx context.Context) (session.Camera, error) {
	camera, err := video.OpenCamera(ctx, video.CameraConfig{
		Device: d.cfg.Vision.Device,
		FFmpeg: d.cfg.Vision.FFmpeg.Argv,
		Width:  d.cfg.Vision.CaptureWidth,
		Height: d.cfg.Vision.CaptureHeight,
	}, d.logger)
	if err != nil {
		return nil, err
	}
	return camera, nil
}

func (d *deviceResources) OpenSpeaker(ctx context.Context) (session.Speaker, error) {
	out, err := audio.OpenOutput(ctx, d.cfg.Audio.Output, audio.DefaultOutputRate)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *deviceResources) NewLink(instruction string) session.Link {
	return live.New(live.Config{
		Model:               d.cfg.Live.Model,
		Voice:               d.cfg.Live.Voice,
		SystemInstruction:   instruction,
		InputTranscription:  d.cfg.Live.InputTranscription,
		OutputTranscription: d.cfg.Live.OutputTranscription,
		SendQueue:           d.cfg.Live.SendQueue,
	}, d.dialer, d.logger)
}

// openHistory builds the configured sinks. The returned Multi may be empty.
func openHistory(cfg config.HistoryConfig, stdout io.Writer, m *metrics.Metrics, logger *slog.Logger) (*history.Multi, error) {
	var sinks []history.Sink
	if cfg.Stdout {
		sinks = append(sinks, history.NewWriterSink(stdout))
	}

	if path := strings.TrimSpace(cfg.JSONLPath); path != "" {
		jsonl, err := history.OpenJSONL(path)
		if err != nil {
			closeSinks(sinks)
			return nil, fmt.Errorf("open history file: %w", err)
		}
		sinks = append(sinks, jsonl)
	}

	if len(cfg.Kafka.Brokers) > 0 {
		kafkaSink, err := history.NewKafkaSink(history.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		})
		if err != nil {
			closeSinks(sinks)
			return nil, err
		}
		sinks = append(sinks, kafkaSink)
	}

	return history.NewMulti(m, logger, sinks...), nil
}

func closeSinks(sinks []history.Sink) {
	for _, s := range sinks {
		_ = s.Close()
	}
}
