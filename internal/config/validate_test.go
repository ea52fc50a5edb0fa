package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateDefaultsHaveNoWarnings(t *testing.T) {
	warnings, err := Validate(Default())
	require.NoError(t, err)
	require.Empty(t, warnings)
}

func TestValidateRejectsInvalidCoreFields(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "empty backend", mutate: func(c *Config) { c.Live.Backend = "" }, wantErr: "live.backend"},
		{name: "unknown backend", mutate: func(c *Config) { c.Live.Backend = "grpc" }, wantErr: "one of: gemini, websocket"},
		{name: "empty model", mutate: func(c *Config) { c.Live.Model = " " }, wantErr: "live.model"},
		{name: "empty api key env", mutate: func(c *Config) { c.Live.APIKeyEnv = "" }, wantErr: "api_key_env"},
		{name: "zero send queue", mutate: func(c *Config) { c.Live.SendQueue = 0 }, wantErr: "send_queue"},
		{name: "zero frame samples", mutate: func(c *Config) { c.Audio.FrameSamples = 0 }, wantErr: "frame_samples"},
		{name: "empty camera device", mutate: func(c *Config) { c.Vision.Device = "" }, wantErr: "vision.device"},
		{name: "empty ffmpeg argv", mutate: func(c *Config) { c.Vision.FFmpeg.Argv = nil }, wantErr: "vision.ffmpeg"},
		{name: "zero interval", mutate: func(c *Config) { c.Vision.IntervalMS = 0 }, wantErr: "interval_ms"},
		{name: "jpeg quality too high", mutate: func(c *Config) { c.Vision.JPEGQuality = 101 }, wantErr: "jpeg_quality"},
		{name: "negative max width", mutate: func(c *Config) { c.Vision.MaxWidth = -1 }, wantErr: "max_width"},
		{name: "zero capture height", mutate: func(c *Config) { c.Vision.CaptureHeight = 0 }, wantErr: "capture_height"},
		{name: "unknown delta mode", mutate: func(c *Config) { c.Transcript.DeltaMode = "diff" }, wantErr: "delta_mode"},
		{name: "kafka without topic", mutate: func(c *Config) { c.History.Kafka.Brokers = []string{"localhost:9092"} }, wantErr: "history.kafka.topic"},
		{name: "unknown indicator", mutate: func(c *Config) { c.Indicator.Backend = "hypr" }, wantErr: "one of: terminal, desktop"},
		{name: "desktop without app name", mutate: func(c *Config) {
			c.Indicator.Backend = "desktop"
			c.Indicator.DesktopAppName = ""
		}, wantErr: "desktop_app_name"},
		{name: "negative error timeout", mutate: func(c *Config) { c.Indicator.ErrorTimeoutMS = -1 }, wantErr: "error_timeout"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)

			_, err := Validate(cfg)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestValidateWarnings(t *testing.T) {
	cfg := Default()
	cfg.Live.InputTranscription = false
	cfg.Live.OutputTranscription = false
	cfg.History.Kafka.Topic = "parlo.turns"

	warnings, err := Validate(cfg)
	require.NoError(t, err)
	require.Len(t, warnings, 2)
	require.Contains(t, warnings[0].Message, "transcriptions are disabled")
	require.Contains(t, warnings[1].Message, "kafka publishing disabled")
}

func TestValidateWebsocketWithoutEndpointWarns(t *testing.T) {
	cfg := Default()
	cfg.Live.Backend = "websocket"

	warnings, err := Validate(cfg)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	require.Contains(t, warnings[0].Message, "live.endpoint")
}
