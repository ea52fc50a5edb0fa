package config

// Default returns the canonical runtime configuration used when no file is present.
func Default() Config {
	ffmpeg := "ffmpeg"

	return Config{
		Live: LiveConfig{
			Backend:             "gemini",
			Model:               "gemini-2.5-flash-native-audio-preview-09-2025",
			Voice:               "Zephyr",
			APIKeyEnv:           "GEMINI_API_KEY",
			SystemInstruction:   "You are a friendly, witty voice assistant. Keep answers short and conversational.",
			InputTranscription:  true,
			OutputTranscription: true,
			SendQueue:           64,
		},
		Audio: AudioConfig{
			Input:        "default",
			Fallback:     "default",
			Output:       "default",
			FrameSamples: 4096,
		},
		Vision: VisionConfig{
			Device:        "/dev/video0",
			FFmpeg:        CommandConfig{Raw: ffmpeg, Argv: mustParseArgv(ffmpeg)},
			IntervalMS:    500,
			JPEGQuality:   70,
			MaxWidth:      640,
			CaptureWidth:  640,
			CaptureHeight: 480,
		},
		Transcript: TranscriptConfig{DeltaMode: "cumulative"},
		History:    HistoryConfig{Stdout: true},
		Indicator: IndicatorConfig{
			Enable:         true,
			Backend:        "terminal",
			DesktopAppName: "parlo",
			SoundEnable:    true,
			ErrorTimeoutMS: 1600,
		},
	}
}
