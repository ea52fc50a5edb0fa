package config

import (
	"fmt"
	"strings"
)

// Validate enforces config invariants and returns non-fatal warnings.
func Validate(cfg Config) ([]Warning, error) {
	warnings := make([]Warning, 0)

	backend := strings.ToLower(strings.TrimSpace(cfg.Live.Backend))
	switch backend {
	case "gemini":
	case "websocket":
		if strings.TrimSpace(cfg.Live.Endpoint) == "" {
			warnings = append(warnings, Warning{Message: "live.endpoint is empty; using the public Live API endpoint"})
		}
	case "":
		return nil, fmt.Errorf("live.backend must not be empty")
	default:
		return nil, fmt.Errorf("live.backend must be one of: gemini, websocket")
	}
	if strings.TrimSpace(cfg.Live.Model) == "" {
		return nil, fmt.Errorf("live.model must not be empty")
	}
	if strings.TrimSpace(cfg.Live.APIKeyEnv) == "" {
		return nil, fmt.Errorf("live.api_key_env must not be empty")
	}
	if cfg.Live.SendQueue <= 0 {
		return nil, fmt.Errorf("live.send_queue must be > 0")
	}
	if !cfg.Live.InputTranscription && !cfg.Live.OutputTranscription {
		warnings = append(warnings, Warning{Message: "both transcriptions are disabled; no turn history will be recorded"})
	}

	if cfg.Audio.FrameSamples <= 0 {
		return nil, fmt.Errorf("audio.frame_samples must be > 0")
	}

	if strings.TrimSpace(cfg.Vision.Device) == "" {
		return nil, fmt.Errorf("vision.device must not be empty")
	}
	if len(cfg.Vision.FFmpeg.Argv) == 0 {
		return nil, fmt.Errorf("vision.ffmpeg must not be empty")
	}
	if cfg.Vision.IntervalMS <= 0 {
		return nil, fmt.Errorf("vision.interval_ms must be > 0")
	}
	if cfg.Vision.JPEGQuality < 1 || cfg.Vision.JPEGQuality > 100 {
		return nil, fmt.Errorf("vision.jpeg_quality must be between 1 and 100")
	}
	if cfg.Vision.MaxWidth < 0 {
		return nil, fmt.Errorf("vision.max_width must be >= 0")
	}
	if cfg.Vision.CaptureWidth <= 0 || cfg.Vision.CaptureHeight <= 0 {
		return nil, fmt.Errorf("vision.capture_width and vision.capture_height must be > 0")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Transcript.DeltaMode)) {
	case "cumulative", "incremental":
	default:
		return nil, fmt.Errorf("transcript.delta_mode must be one of: cumulative, incremental")
	}

	if len(cfg.History.Kafka.Brokers) > 0 && strings.TrimSpace(cfg.History.Kafka.Topic) == "" {
		return nil, fmt.Errorf("history.kafka.topic must not be empty when brokers are configured")
	}
	if len(cfg.History.Kafka.Brokers) == 0 && strings.TrimSpace(cfg.History.Kafka.Topic) != "" {
		warnings = append(warnings, Warning{Message: "history.kafka.topic is set without brokers; kafka publishing disabled"})
	}

	indicator := strings.ToLower(strings.TrimSpace(cfg.Indicator.Backend))
	if indicator == "" {
		return nil, fmt.Errorf("indicator.backend must not be empty")
	}
	if indicator != "terminal" && indicator != "desktop" {
		return nil, fmt.Errorf("indicator.backend must be one of: terminal, desktop")
	}
	if indicator == "desktop" && strings.TrimSpace(cfg.Indicator.DesktopAppName) == "" {
		return nil, fmt.Errorf("indicator.desktop_app_name must not be empty when indicator.backend=desktop")
	}
	if cfg.Indicator.ErrorTimeoutMS < 0 {
		return nil, fmt.Errorf("indicator.error_timeout_ms must be >= 0")
	}

	return warnings, nil
}
